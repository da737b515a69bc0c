package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pr-tracker/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUserNotFound は追跡対象ユーザーとして登録されていないことを表す
var ErrUserNotFound = errors.New("user is not registered")

// Store は同期処理が使う永続化操作をまとめたもの
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB はテストや集計クエリ用に内部の接続を返す
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Profile は登録時に設定するユーザーの所属情報
type Profile struct {
	College string `json:"college"`
	Role    string `json:"role"`
	Year    string `json:"year"`
}

// Validate はロールと学年が許可された値か確認する
func (p Profile) Validate() error {
	if p.Role != "" && !models.IsValidRole(p.Role) {
		return fmt.Errorf("invalid role: %q", p.Role)
	}
	if p.Year != "" && !models.IsValidYear(p.Year) {
		return fmt.Errorf("invalid year: %q", p.Year)
	}
	return nil
}

// FindUserByUsername は GitHub のログイン名でユーザーを探す（大文字小文字は区別しない）
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("LOWER(username) = ?", strings.ToLower(username)).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindUserByID は内部 ID でユーザーを探す
func (s *Store) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("College").Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListUsers は全ユーザーを username 順で返す
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).Preload("College").Order("username ASC").Find(&users).Error
	return users, err
}

// FindOrCreateCollege は名前で College を探し、無ければ作成する
func (s *Store) FindOrCreateCollege(ctx context.Context, name string) (*models.College, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("college name is empty")
	}

	db := s.db.WithContext(ctx)
	college := models.College{Name: name}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&college).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create college %s: %w", name, err)
	}

	var saved models.College
	if err := db.Where("name = ?", name).First(&saved).Error; err != nil {
		return nil, err
	}
	return &saved, nil
}

// FindOrCreateUser は GitHub のプロフィールからユーザーを作成する
// 既に存在する場合はプロフィールのメタデータと、指定された所属情報だけを更新する
func (s *Store) FindOrCreateUser(ctx context.Context, details UserDetails, profile Profile) (*models.User, bool, error) {
	if details.GithubID == 0 || details.Login == "" {
		return nil, false, errors.New("github profile has no id or login")
	}
	if err := profile.Validate(); err != nil {
		return nil, false, err
	}

	var collegeID *string
	if profile.College != "" {
		college, err := s.FindOrCreateCollege(ctx, profile.College)
		if err != nil {
			return nil, false, err
		}
		collegeID = &college.ID
	}

	var user models.User
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("github_id = ?", details.GithubID).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = models.User{
				GithubID:  details.GithubID,
				Username:  details.Login,
				FullName:  details.Name,
				AvatarURL: details.AvatarURL,
				CollegeID: collegeID,
				Role:      profile.Role,
			}
			if profile.Year != "" {
				year := profile.Year
				user.Year = &year
			}
			created = true
			return tx.Omit(clause.Associations).Create(&user).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"username":   details.Login,
			"full_name":  details.Name,
			"avatar_url": details.AvatarURL,
		}
		if collegeID != nil {
			updates["college_id"] = *collegeID
		}
		if profile.Role != "" {
			updates["role"] = profile.Role
		}
		if profile.Year != "" {
			updates["year"] = profile.Year
		}
		if err := tx.Model(&user).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", user.ID).First(&user).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to save user %s: %w", details.Login, err)
	}

	return &user, created, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pr-tracker/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PRFields は UpsertPR に渡す PR の値
type PRFields struct {
	GithubID     int64
	Number       int
	Title        string
	Body         string
	AuthorID     string
	RepositoryID string
	Link         string
	IsOpen       bool
	IsMerged     bool
	CreatedAt    time.Time
}

// FindOwnerByUsername はローカルに保存済みのオーナーを探す
// 見つからない場合は gorm.ErrRecordNotFound を返す
func (s *Store) FindOwnerByUsername(ctx context.Context, login string) (*models.GithubOwner, error) {
	var owner models.GithubOwner
	if err := s.db.WithContext(ctx).Where("username = ?", login).First(&owner).Error; err != nil {
		return nil, err
	}
	return &owner, nil
}

// FindOrCreateOwner は github_id をキーにオーナーを作成する
// 既存の場合は username/name/type を最新の値で更新する
func (s *Store) FindOrCreateOwner(ctx context.Context, details OwnerDetails) (*models.GithubOwner, error) {
	if details.GithubID == 0 || details.Login == "" {
		return nil, errors.New("owner details have no id or login")
	}

	db := s.db.WithContext(ctx)
	owner := models.GithubOwner{
		GithubID: details.GithubID,
		Username: details.Login,
		Name:     details.Name,
		Type:     details.Type,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "github_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "name", "type", "updated_at"}),
	}).Create(&owner).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert owner %s: %w", details.Login, err)
	}

	var saved models.GithubOwner
	if err := db.Where("github_id = ?", details.GithubID).First(&saved).Error; err != nil {
		return nil, err
	}
	return &saved, nil
}

// FindRepository はオーナーとリポジトリ名で保存済みのリポジトリを探す
func (s *Store) FindRepository(ctx context.Context, ownerID, name string) (*models.GithubRepository, error) {
	var repo models.GithubRepository
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND name = ?", ownerID, name).
		First(&repo).Error
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// FindOrCreateRepository は github_id をキーにリポジトリを作成する
// フラグ類は書き込まず、既存の場合は name だけ更新する
func (s *Store) FindOrCreateRepository(ctx context.Context, details RepositoryDetails, owner *models.GithubOwner) (*models.GithubRepository, error) {
	if details.GithubID == 0 || details.Name == "" {
		return nil, errors.New("repository details have no id or name")
	}
	if owner == nil {
		return nil, errors.New("repository owner is nil")
	}

	db := s.db.WithContext(ctx)
	repo := models.GithubRepository{
		GithubID: details.GithubID,
		Name:     details.Name,
		OwnerID:  owner.ID,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "github_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Omit(clause.Associations).Create(&repo).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert repository %s/%s: %w", owner.Username, details.Name, err)
	}

	var saved models.GithubRepository
	if err := db.Where("github_id = ?", details.GithubID).First(&saved).Error; err != nil {
		return nil, err
	}
	return &saved, nil
}

// UpsertPR は github_id をキーに PR を作成する。作成した場合は true を返す
// 既存の PR は is_open/is_merged と、空だった場合の link だけを更新する
// is_merged は一度 true になったら false に戻さない
func (s *Store) UpsertPR(ctx context.Context, f PRFields) (*models.PullRequest, bool, error) {
	if f.GithubID == 0 {
		return nil, false, errors.New("pull request has no github id")
	}

	var pr models.PullRequest
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pr = models.PullRequest{
			GithubID:        f.GithubID,
			Number:          f.Number,
			Title:           f.Title,
			Body:            f.Body,
			AuthorID:        f.AuthorID,
			RepositoryID:    f.RepositoryID,
			Link:            f.Link,
			IsOpen:          f.IsOpen,
			IsMerged:        f.IsMerged,
			GithubCreatedAt: f.CreatedAt,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "github_id"}},
			DoNothing: true,
		}).Omit(clause.Associations).Create(&pr)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			created = true
			return nil
		}

		// pr には BeforeCreate で新しい ID が入っているので別の変数に読む
		var existing models.PullRequest
		if err := tx.Where("github_id = ?", f.GithubID).First(&existing).Error; err != nil {
			return err
		}
		pr = existing
		updates := map[string]interface{}{
			"is_open":   f.IsOpen,
			"is_merged": pr.IsMerged || f.IsMerged,
		}
		if pr.Link == "" && f.Link != "" {
			updates["link"] = f.Link
		}
		if err := tx.Model(&pr).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", pr.ID).First(&pr).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert pull request %d: %w", f.GithubID, err)
	}

	return &pr, created, nil
}

// PruneUserPRs は今回観測されなかったユーザーの PR を削除する
// モデレーション情報を残すため、red flag 済みの PR は削除しない
func (s *Store) PruneUserPRs(ctx context.Context, userID string, keepGithubIDs []int64) (int64, error) {
	q := s.db.WithContext(ctx).
		Where("author_id = ? AND is_red_flagged = ?", userID, false)
	if len(keepGithubIDs) > 0 {
		q = q.Where("github_id NOT IN ?", keepGithubIDs)
	}
	res := q.Delete(&models.PullRequest{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune pull requests of %s: %w", userID, res.Error)
	}
	return res.RowsAffected, nil
}

// CountUserPRs はユーザーの保存済み PR 数を数える
func (s *Store) CountUserPRs(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.PullRequest{}).
		Where("author_id = ?", userID).
		Count(&count).Error
	return count, err
}

// SetUserPRCount は再計算した pr_count と同期時刻を保存する
func (s *Store) SetUserPRCount(ctx context.Context, userID string, count int64, syncedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"pr_count":       count,
			"last_synced_at": syncedAt,
		}).Error
}

// RedFlagRepository はリポジトリに red flag を付ける。一度付いたフラグは外せない
func (s *Store) RedFlagRepository(ctx context.Context, id string) (*models.GithubRepository, error) {
	db := s.db.WithContext(ctx)
	var repo models.GithubRepository
	if err := db.Preload("Owner").Where("id = ?", id).First(&repo).Error; err != nil {
		return nil, err
	}
	if repo.IsRedFlagged {
		return &repo, nil
	}

	now := time.Now()
	err := db.Model(&models.GithubRepository{}).
		Where("id = ? AND is_red_flagged = ?", id, false).
		Updates(map[string]interface{}{
			"is_red_flagged": true,
			"red_flagged_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to red flag repository %s: %w", id, err)
	}

	repo.IsRedFlagged = true
	repo.RedFlaggedAt = &now
	return &repo, nil
}

// RedFlagPullRequest は PR に red flag と理由を付ける。一度付いたフラグは外せない
func (s *Store) RedFlagPullRequest(ctx context.Context, id, reason string, byUserID *string) (*models.PullRequest, error) {
	db := s.db.WithContext(ctx)
	var pr models.PullRequest
	if err := db.Where("id = ?", id).First(&pr).Error; err != nil {
		return nil, err
	}
	if pr.IsRedFlagged {
		return &pr, nil
	}

	now := time.Now()
	updates := map[string]interface{}{
		"is_red_flagged":  true,
		"red_flag_reason": reason,
		"red_flag_at":     now,
	}
	if byUserID != nil {
		updates["red_flag_by_id"] = *byUserID
	}
	err := db.Model(&models.PullRequest{}).
		Where("id = ? AND is_red_flagged = ?", id, false).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to red flag pull request %s: %w", id, err)
	}

	if err := db.Where("id = ?", id).First(&pr).Error; err != nil {
		return nil, err
	}
	return &pr, nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserPullRequest は非正規化モデルでの PR 行
// ユーザー単位で削除→再登録されるため、オーナーやリポジトリのテーブルを持たない
type UserPullRequest struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	UserID          string    `gorm:"index;not null" json:"user_id"`
	User            *User     `json:"-"`
	GithubID        int64     `gorm:"uniqueIndex;not null" json:"github_id"`
	Number          int       `json:"pr_number"`
	Title           string    `json:"title"`
	URL             string    `gorm:"uniqueIndex;not null" json:"url"`
	Repository      string    `gorm:"index" json:"repository"` // owner/name
	State           string    `json:"state"`
	IsMerged        bool      `gorm:"not null;default:false" json:"is_merged"`
	GithubCreatedAt time.Time `json:"github_created_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (p *UserPullRequest) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

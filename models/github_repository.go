package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GithubRepository は PR の提出先リポジトリ
// IsRedFlagged は運営者のみが true にする。同期処理からは書き込まない
type GithubRepository struct {
	ID           string       `gorm:"primaryKey" json:"id"`
	GithubID     int64        `gorm:"uniqueIndex;not null" json:"github_id"`
	Name         string       `gorm:"index:idx_repo_owner_name;not null" json:"name"`
	OwnerID      string       `gorm:"index:idx_repo_owner_name;not null" json:"owner_id"`
	Owner        *GithubOwner `json:"owner,omitempty"`
	IsGosc       bool         `gorm:"not null;default:false" json:"is_gosc"`
	IsRedFlagged bool         `gorm:"not null;default:false" json:"is_redFlagged"`
	RedFlaggedAt *time.Time   `json:"redFlagged_at"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (r *GithubRepository) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// FullName は "owner/name" 形式の名前を返す
func (r *GithubRepository) FullName() string {
	if r.Owner == nil {
		return r.Name
	}
	return r.Owner.Username + "/" + r.Name
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PullRequest は正規化されたモデルでの PR
// title/body/author/repository は作成後に変更しない
// RedFlag 系のフィールドは運営者のモデレーション用で、同期処理からは書き込まない
type PullRequest struct {
	ID              string            `gorm:"primaryKey" json:"id"`
	GithubID        int64             `gorm:"uniqueIndex;not null" json:"github_id"`
	Number          int               `json:"number"`
	Title           string            `json:"title"`
	Body            string            `json:"body"`
	AuthorID        string            `gorm:"index;not null" json:"author_id"`
	Author          *User             `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	RepositoryID    string            `gorm:"index;not null" json:"repository_id"`
	Repository      *GithubRepository `json:"repository,omitempty"`
	Link            string            `gorm:"uniqueIndex;not null" json:"link"`
	IsOpen          bool              `gorm:"not null" json:"is_open"`
	IsMerged        bool              `gorm:"not null;default:false" json:"is_merged"`
	GithubCreatedAt time.Time         `gorm:"index" json:"github_created_at"`
	IsRedFlagged    bool              `gorm:"not null;default:false" json:"is_redFlagged"`
	RedFlagReason   string            `json:"redFlag_reason"`
	RedFlagByID     *string           `json:"redFlag_by"`
	RedFlagBy       *User             `gorm:"foreignKey:RedFlagByID" json:"-"`
	RedFlagAt       *time.Time        `json:"redFlag_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (p *PullRequest) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// IsClosedWithoutMerge はマージされずにクローズされた PR か判定する
func (p *PullRequest) IsClosedWithoutMerge() bool {
	return !p.IsOpen && !p.IsMerged
}

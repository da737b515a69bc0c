package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	OwnerTypeUser         = "User"
	OwnerTypeOrganization = "Organization"
)

// GithubOwner はリポジトリのオーナー（ユーザーまたは Organization）
type GithubOwner struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	GithubID  int64     `gorm:"uniqueIndex;not null" json:"github_id"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Name      string    `json:"name"`
	Type      string    `gorm:"not null;default:User" json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o *GithubOwner) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Type != OwnerTypeOrganization {
		o.Type = OwnerTypeUser
	}
	return nil
}

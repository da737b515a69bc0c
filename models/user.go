package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// 学年の選択肢
var Years = []string{"1st Year", "2nd Year", "3rd Year", "4th Year"}

// User は PR を追跡する対象のユーザー（GitHub アカウント単位）
type User struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	GithubID     int64      `gorm:"uniqueIndex;not null" json:"github_id"`
	Username     string     `gorm:"uniqueIndex;not null" json:"username"`
	FullName     string     `json:"full_name"`
	AvatarURL    string     `json:"avatar_url"`
	CollegeID    *string    `gorm:"index" json:"college_id"`
	College      *College   `json:"college,omitempty"`
	Role         string     `gorm:"not null;default:student" json:"role"`
	Year         *string    `json:"year"`
	PRCount      int64      `gorm:"not null;default:0" json:"pr_count"` // pull_requests の件数から毎回再計算する
	LastSyncedAt *time.Time `json:"last_synced_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = RoleStudent
	}
	return nil
}

// IsValidRole はロールが許可された値か判定する
func IsValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleInstructor, RoleAdmin:
		return true
	}
	return false
}

// IsValidYear は学年が許可された値か判定する
func IsValidYear(year string) bool {
	for _, y := range Years {
		if y == year {
			return true
		}
	}
	return false
}

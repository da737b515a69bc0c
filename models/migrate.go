package models

import "gorm.io/gorm"

// AllModels はマイグレーション対象のモデル一覧
func AllModels() []interface{} {
	return []interface{}{
		&College{},
		&User{},
		&GithubOwner{},
		&GithubRepository{},
		&PullRequest{},
		&UserPullRequest{},
	}
}

// Migrate は全テーブルを作成・更新する
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

package services

import (
	"context"
	"fmt"

	"pr-tracker/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var userPRUpdateColumns = []string{
	"user_id", "number", "title", "url", "repository", "state", "is_merged", "github_created_at", "updated_at",
}

// ReplaceUserPRs はユーザーの PR 行を 1 トランザクションで削除してから入れ直す
// 同じ github_id が重複していた場合は後の行が残る
func (s *Store) ReplaceUserPRs(ctx context.Context, userID string, rows []models.UserPullRequest) error {
	rows = dedupeUserPRs(userID, rows)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		merged, err := mergedGithubIDs(tx, userID)
		if err != nil {
			return err
		}
		keepMerged(rows, merged)

		if err := tx.Where("user_id = ?", userID).Delete(&models.UserPullRequest{}).Error; err != nil {
			return err
		}
		return upsertUserPRs(tx, rows)
	})
	if err != nil {
		return fmt.Errorf("failed to replace pull requests of %s: %w", userID, err)
	}
	return nil
}

// MergeUserPRs は削除せずに PR 行を追加・更新する。取得が不完全だった場合に使う
func (s *Store) MergeUserPRs(ctx context.Context, userID string, rows []models.UserPullRequest) error {
	rows = dedupeUserPRs(userID, rows)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		merged, err := mergedGithubIDs(tx, userID)
		if err != nil {
			return err
		}
		keepMerged(rows, merged)
		return upsertUserPRs(tx, rows)
	})
	if err != nil {
		return fmt.Errorf("failed to merge pull requests of %s: %w", userID, err)
	}
	return nil
}

// CountUserPullRequestRows は非正規化テーブルでのユーザーの PR 数を数える
func (s *Store) CountUserPullRequestRows(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.UserPullRequest{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count, err
}

func upsertUserPRs(tx *gorm.DB, rows []models.UserPullRequest) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "github_id"}},
		DoUpdates: clause.AssignmentColumns(userPRUpdateColumns),
	}).Omit(clause.Associations).CreateInBatches(&rows, 100).Error
}

func mergedGithubIDs(tx *gorm.DB, userID string) (map[int64]bool, error) {
	var ids []int64
	err := tx.Model(&models.UserPullRequest{}).
		Where("user_id = ? AND is_merged = ?", userID, true).
		Pluck("github_id", &ids).Error
	if err != nil {
		return nil, err
	}
	merged := make(map[int64]bool, len(ids))
	for _, id := range ids {
		merged[id] = true
	}
	return merged, nil
}

// keepMerged は一度マージ済みと記録した PR を false に戻さない
func keepMerged(rows []models.UserPullRequest, merged map[int64]bool) {
	for i := range rows {
		if merged[rows[i].GithubID] {
			rows[i].IsMerged = true
		}
	}
}

func dedupeUserPRs(userID string, rows []models.UserPullRequest) []models.UserPullRequest {
	index := make(map[int64]int, len(rows))
	out := make([]models.UserPullRequest, 0, len(rows))
	for _, row := range rows {
		row.UserID = userID
		row.ID = ""
		if i, ok := index[row.GithubID]; ok {
			out[i] = row
			continue
		}
		index[row.GithubID] = len(out)
		out = append(out, row)
	}
	return out
}

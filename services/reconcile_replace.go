package services

import (
	"context"

	"pr-tracker/models"
)

// replaceReconciler はユーザーの PR 行を丸ごと入れ替える非正規化方式
type replaceReconciler struct {
	store *Store
}

func (r *replaceReconciler) Reconcile(ctx context.Context, user *models.User, result *SearchResult, complete bool) (*ReconcileSummary, error) {
	rows := make([]models.UserPullRequest, 0, len(result.PRs))
	for _, raw := range result.PRs {
		rows = append(rows, models.UserPullRequest{
			UserID:          user.ID,
			GithubID:        raw.GithubID,
			Number:          raw.Number,
			Title:           raw.Title,
			URL:             raw.HTMLURL,
			Repository:      raw.RepoFullName(),
			State:           raw.State,
			IsMerged:        raw.IsMerged,
			GithubCreatedAt: raw.CreatedAt,
		})
	}

	before, err := r.store.CountUserPullRequestRows(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	summary := &ReconcileSummary{}
	if complete {
		err = r.store.ReplaceUserPRs(ctx, user.ID, rows)
	} else {
		// 途中で失敗した取得結果で既存の行を消さない
		err = r.store.MergeUserPRs(ctx, user.ID, rows)
	}
	if err != nil {
		return summary, err
	}

	after, err := r.store.CountUserPullRequestRows(ctx, user.ID)
	if err != nil {
		return summary, err
	}
	if diff := after - before; diff > 0 {
		summary.Created = int(diff)
	} else if diff < 0 {
		summary.Pruned = int(-diff)
	}
	summary.Updated = len(rows) - summary.Created
	if summary.Updated < 0 {
		summary.Updated = 0
	}
	return summary, nil
}

func (r *replaceReconciler) CountPRs(ctx context.Context, userID string) (int64, error) {
	return r.store.CountUserPullRequestRows(ctx, userID)
}

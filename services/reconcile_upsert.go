package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pr-tracker/config"
	"pr-tracker/models"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// ReconcileSummary は 1 ユーザー分の突き合わせ結果
type ReconcileSummary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Pruned  int `json:"pruned"`
}

// Reconciler は取得した PR をストアに反映する
// complete が false のときは、観測されなかった行を削除してはいけない
type Reconciler interface {
	Reconcile(ctx context.Context, user *models.User, result *SearchResult, complete bool) (*ReconcileSummary, error)
	CountPRs(ctx context.Context, userID string) (int64, error)
}

// NewReconciler はストア方式に応じた Reconciler を返す
func NewReconciler(strategy string, store *Store, api GitHubAPI, missingTTL time.Duration) (Reconciler, error) {
	switch strategy {
	case config.StoreStrategyNormalized, "":
		return newUpsertReconciler(store, api, missingTTL), nil
	case config.StoreStrategyReplace:
		return &replaceReconciler{store: store}, nil
	default:
		return nil, fmt.Errorf("unknown store strategy: %q", strategy)
	}
}

// upsertReconciler はオーナー → リポジトリ → PR の順に正規化して保存する
type upsertReconciler struct {
	store *Store
	api   GitHubAPI
	// 404 だったオーナー・リポジトリを TTL の間覚えておく
	missing *cache.Cache
}

func newUpsertReconciler(store *Store, api GitHubAPI, missingTTL time.Duration) *upsertReconciler {
	if missingTTL <= 0 {
		missingTTL = time.Hour
	}
	return &upsertReconciler{
		store:   store,
		api:     api,
		missing: cache.New(missingTTL, 2*missingTTL),
	}
}

// errSkipItem はその PR だけを飛ばして続行することを表す
var errSkipItem = errors.New("skip item")

func (r *upsertReconciler) Reconcile(ctx context.Context, user *models.User, result *SearchResult, complete bool) (*ReconcileSummary, error) {
	summary := &ReconcileSummary{}
	observed := make([]int64, 0, len(result.PRs))

	for _, raw := range result.PRs {
		// スキップした PR も観測済みとして扱い、削除対象にしない
		observed = append(observed, raw.GithubID)

		owner, err := r.resolveOwner(ctx, raw.OwnerLogin)
		if errors.Is(err, errSkipItem) {
			summary.Skipped++
			continue
		}
		if err != nil {
			return summary, err
		}

		repo, err := r.resolveRepository(ctx, owner, raw.RepoName)
		if errors.Is(err, errSkipItem) {
			summary.Skipped++
			continue
		}
		if err != nil {
			return summary, err
		}

		_, created, err := r.store.UpsertPR(ctx, PRFields{
			GithubID:     raw.GithubID,
			Number:       raw.Number,
			Title:        raw.Title,
			Body:         raw.Body,
			AuthorID:     user.ID,
			RepositoryID: repo.ID,
			Link:         raw.HTMLURL,
			IsOpen:       raw.IsOpen(),
			IsMerged:     raw.IsMerged,
			CreatedAt:    raw.CreatedAt,
		})
		if err != nil {
			return summary, err
		}
		if created {
			summary.Created++
		} else {
			summary.Updated++
		}
	}

	if complete {
		pruned, err := r.store.PruneUserPRs(ctx, user.ID, observed)
		if err != nil {
			return summary, err
		}
		summary.Pruned = int(pruned)
	}

	return summary, nil
}

func (r *upsertReconciler) CountPRs(ctx context.Context, userID string) (int64, error) {
	return r.store.CountUserPRs(ctx, userID)
}

// resolveOwner はローカルに無い場合だけ GitHub からオーナーを取得する
func (r *upsertReconciler) resolveOwner(ctx context.Context, login string) (*models.GithubOwner, error) {
	owner, err := r.store.FindOwnerByUsername(ctx, login)
	if err == nil {
		return owner, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	key := "owner:" + login
	if _, found := r.missing.Get(key); found {
		return nil, errSkipItem
	}

	details, err := r.api.GetOwnerDetails(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.missing.SetDefault(key, true)
		}
		log.Printf("skip PRs owned by %s: %v", login, err)
		return nil, errSkipItem
	}

	return r.store.FindOrCreateOwner(ctx, *details)
}

// resolveRepository はローカルに無い場合だけ GitHub からリポジトリを取得する
func (r *upsertReconciler) resolveRepository(ctx context.Context, owner *models.GithubOwner, name string) (*models.GithubRepository, error) {
	repo, err := r.store.FindRepository(ctx, owner.ID, name)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	key := "repo:" + owner.Username + "/" + name
	if _, found := r.missing.Get(key); found {
		return nil, errSkipItem
	}

	details, err := r.api.GetRepositoryDetails(ctx, owner.Username, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.missing.SetDefault(key, true)
		}
		log.Printf("skip PRs in %s/%s: %v", owner.Username, name, err)
		return nil, errSkipItem
	}

	return r.store.FindOrCreateRepository(ctx, *details, owner)
}

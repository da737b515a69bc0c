package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pr-tracker/models"
)

// ErrIncompleteFetch は検索が途中で失敗し、一部の PR だけを反映したことを表す
var ErrIncompleteFetch = errors.New("pull request fetch was incomplete")

type SyncState string

const (
	StateIdle        SyncState = "idle"
	StateFetching    SyncState = "fetching"
	StateReconciling SyncState = "reconciling"
	StateDone        SyncState = "done"
	StateFailed      SyncState = "failed"
)

// RefreshResult は 1 ユーザーの同期結果
type RefreshResult struct {
	Username  string           `json:"username"`
	State     SyncState        `json:"state"`
	Fetched   int              `json:"fetched"`
	Pages     int              `json:"pages"`
	Truncated bool             `json:"truncated"`
	Summary   ReconcileSummary `json:"summary"`
	PRCount   int64            `json:"prCount"`
	// 検索が途中で失敗した。State は done のまま、エラーで ErrIncompleteFetch を返す
	Incomplete bool `json:"incomplete"`
}

// UserFailure はバッチ内で失敗したユーザー
type UserFailure struct {
	Username string `json:"username"`
	Error    string `json:"error"`
}

// BatchResult はユーザー一括同期の結果
type BatchResult struct {
	UsersRefreshed int           `json:"usersRefreshed"`
	Errors         int           `json:"errors"`
	Total          int           `json:"total"`
	Skipped        int           `json:"skipped"`
	Canceled       bool          `json:"canceled"`
	Failures       []UserFailure `json:"failures,omitempty"`
}

type SyncerOptions struct {
	Window    SyncWindow
	UserDelay time.Duration
	Metrics   *Metrics
}

// PRSyncer は GitHub とストアの PR を突き合わせる同期エンジン
type PRSyncer struct {
	store      *Store
	api        GitHubAPI
	reconciler Reconciler
	window     SyncWindow
	userDelay  time.Duration
	metrics    *Metrics
	now        func() time.Time
}

func NewPRSyncer(store *Store, api GitHubAPI, reconciler Reconciler, opts SyncerOptions) *PRSyncer {
	return &PRSyncer{
		store:      store,
		api:        api,
		reconciler: reconciler,
		window:     opts.Window,
		userDelay:  opts.UserDelay,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

func (s *PRSyncer) transition(res *RefreshResult, to SyncState) {
	log.Printf("refresh %s: %s -> %s", res.Username, res.State, to)
	res.State = to
}

// RefreshUser は 1 ユーザー分の PR を取得してストアに反映する
// 登録されていないユーザーは ErrUserNotFound を返して何もしない
func (s *PRSyncer) RefreshUser(ctx context.Context, username string) (*RefreshResult, error) {
	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.metrics.observeRefresh("skipped")
		} else {
			s.metrics.observeRefresh("failed")
		}
		return nil, err
	}

	res := &RefreshResult{Username: user.Username, State: StateIdle}

	s.transition(res, StateFetching)
	search, fetchErr := s.api.SearchPRs(ctx, user.Username, s.window)
	if search == nil {
		search = &SearchResult{}
	}
	res.Fetched = len(search.PRs)
	res.Pages = search.Pages
	res.Truncated = search.Truncated

	if fetchErr != nil && (len(search.PRs) == 0 || ctx.Err() != nil) {
		// 反映するものがない。failed はストアのエラーにだけ使う
		res.Incomplete = true
		s.transition(res, StateDone)
		s.metrics.observeRefresh("incomplete")
		return res, fmt.Errorf("%w for %s: %w", ErrIncompleteFetch, user.Username, fetchErr)
	}

	s.transition(res, StateReconciling)
	complete := fetchErr == nil && !search.Truncated
	summary, err := s.reconciler.Reconcile(ctx, user, search, complete)
	if summary != nil {
		res.Summary = *summary
	}
	if err != nil {
		s.transition(res, StateFailed)
		s.metrics.observeRefresh("failed")
		return res, fmt.Errorf("failed to reconcile pull requests of %s: %w", user.Username, err)
	}

	count, err := s.reconciler.CountPRs(ctx, user.ID)
	if err == nil {
		err = s.store.SetUserPRCount(ctx, user.ID, count, s.now())
	}
	if err != nil {
		s.transition(res, StateFailed)
		s.metrics.observeRefresh("failed")
		return res, fmt.Errorf("failed to update pr_count of %s: %w", user.Username, err)
	}
	res.PRCount = count

	if fetchErr != nil {
		// 取得できた分は反映済みだが、バッチではエラーとして数える
		res.Incomplete = true
		s.transition(res, StateDone)
		s.metrics.observeRefresh("incomplete")
		return res, fmt.Errorf("%w for %s: %w", ErrIncompleteFetch, user.Username, fetchErr)
	}

	s.transition(res, StateDone)
	s.metrics.observeRefresh("ok")
	log.Printf("✅ refreshed %s: %d fetched, %d created, %d updated, %d skipped, %d pruned, pr_count=%d",
		user.Username, res.Fetched, res.Summary.Created, res.Summary.Updated, res.Summary.Skipped, res.Summary.Pruned, count)
	return res, nil
}

// RefreshUsers は指定したユーザーを順番に同期する
// ユーザー間では一定時間待ち、その間にキャンセルされたら残りは処理しない
func (s *PRSyncer) RefreshUsers(ctx context.Context, usernames []string) *BatchResult {
	result := &BatchResult{Total: len(usernames)}

	for i, username := range usernames {
		if i > 0 && !s.wait(ctx) {
			result.Canceled = true
			break
		}
		if ctx.Err() != nil {
			result.Canceled = true
			break
		}

		_, err := s.RefreshUser(ctx, username)
		switch {
		case err == nil:
			result.UsersRefreshed++
		case errors.Is(err, ErrUserNotFound):
			result.Skipped++
		default:
			log.Printf("failed to refresh %s: %v", username, err)
			result.Errors++
			result.Failures = append(result.Failures, UserFailure{Username: username, Error: err.Error()})
		}
	}

	if result.Canceled {
		log.Printf("refresh batch canceled after %d of %d users", result.UsersRefreshed+result.Errors+result.Skipped, result.Total)
	}
	return result
}

// RefreshAll は登録済みの全ユーザーを同期する
func (s *PRSyncer) RefreshAll(ctx context.Context) (*BatchResult, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	usernames := make([]string, 0, len(users))
	for _, u := range users {
		usernames = append(usernames, u.Username)
	}

	log.Printf("refresh batch started for %d users", len(usernames))
	result := s.RefreshUsers(ctx, usernames)
	log.Printf("✅ refresh batch finished: %d refreshed, %d errors, %d skipped, %d total",
		result.UsersRefreshed, result.Errors, result.Skipped, result.Total)
	return result, nil
}

// RegisterUser は GitHub のプロフィールからユーザーを登録し、続けて PR を同期する
func (s *PRSyncer) RegisterUser(ctx context.Context, username string, profile Profile) (*models.User, *RefreshResult, error) {
	details, err := s.api.GetUserDetails(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch github profile of %s: %w", username, err)
	}

	user, created, err := s.store.FindOrCreateUser(ctx, *details, profile)
	if err != nil {
		return nil, nil, err
	}
	if created {
		log.Printf("✅ registered user %s", user.Username)
	}

	res, err := s.RefreshUser(ctx, user.Username)
	if err != nil {
		return user, res, err
	}
	if user, err = s.store.FindUserByID(ctx, user.ID); err != nil {
		return nil, res, err
	}
	return user, res, nil
}

// ImportResult は一括登録の結果
type ImportResult struct {
	Registered []string      `json:"registered"`
	Failures   []UserFailure `json:"failures,omitempty"`
	Total      int           `json:"total"`
	Canceled   bool          `json:"canceled"`
}

// ImportUsers は複数のユーザーを順番に登録する
// 同期だけが失敗したユーザーは登録済みとして扱う
func (s *PRSyncer) ImportUsers(ctx context.Context, usernames []string, profile Profile) *ImportResult {
	result := &ImportResult{Registered: []string{}, Total: len(usernames)}

	for i, username := range usernames {
		if i > 0 && !s.wait(ctx) {
			result.Canceled = true
			break
		}

		user, _, err := s.RegisterUser(ctx, username, profile)
		if user != nil {
			result.Registered = append(result.Registered, user.Username)
		}
		if err != nil {
			log.Printf("import %s: %v", username, err)
			result.Failures = append(result.Failures, UserFailure{Username: username, Error: err.Error()})
		}
	}
	return result
}

// wait はユーザー間の待機。キャンセルされた場合は false
func (s *PRSyncer) wait(ctx context.Context) bool {
	if s.userDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.userDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

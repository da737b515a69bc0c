package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pr-tracker/config"
	"pr-tracker/models"
	"pr-tracker/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("fail to open test db: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := models.Migrate(db); err != nil {
		t.Fatalf("fail to migrate test db: %v", err)
	}
	return db
}

type fakeBatch struct {
	result   *services.BatchResult
	err      error
	running  bool
	trigger  string
	canceled bool
	closed   bool
	lastAt   time.Time
}

func (f *fakeBatch) Run(ctx context.Context, trigger string) (*services.BatchResult, error) {
	if f.closed {
		return nil, services.ErrBatchRunnerClosed
	}
	if f.running {
		return nil, services.ErrBatchInProgress
	}
	f.trigger = trigger
	return f.result, f.err
}

func (f *fakeBatch) Cancel() bool {
	if !f.running {
		return false
	}
	f.canceled = true
	return true
}

func (f *fakeBatch) Running() (bool, string) { return f.running, f.trigger }

func (f *fakeBatch) LastResult() (*services.BatchResult, time.Time) { return f.result, f.lastAt }

// seedTracker は alice と PR 2 件を登録したルーターを返す
func seedTracker(t *testing.T) (*gin.Engine, *services.Store, *models.User, *models.PullRequest, *models.GithubRepository) {
	db := setupTestDB(t)
	store := services.NewStore(db)
	ctx := context.Background()

	alice := &models.User{GithubID: 1, Username: "alice"}
	require.NoError(t, db.Create(alice).Error)
	owner, err := store.FindOrCreateOwner(ctx, services.OwnerDetails{GithubID: 500, Login: "acme", Type: models.OwnerTypeOrganization})
	require.NoError(t, err)
	repo, err := store.FindOrCreateRepository(ctx, services.RepositoryDetails{GithubID: 600, Name: "widgets", OwnerLogin: "acme"}, owner)
	require.NoError(t, err)

	merged, _, err := store.UpsertPR(ctx, services.PRFields{
		GithubID: 111, Number: 1, Title: "Fix bug", AuthorID: alice.ID, RepositoryID: repo.ID,
		Link: "https://github.com/acme/widgets/pull/1", IsMerged: true,
		CreatedAt: time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, _, err = store.UpsertPR(ctx, services.PRFields{
		GithubID: 112, Number: 2, Title: "Add docs", AuthorID: alice.ID, RepositoryID: repo.ID,
		Link: "https://github.com/acme/widgets/pull/2", IsOpen: true,
		CreatedAt: time.Date(2025, 10, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	reader, err := services.NewStatsReader(db, config.StoreStrategyNormalized)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := NewRouter(RouterDeps{
		Syncer:  &fakeSyncer{},
		Batch:   &fakeBatch{},
		Store:   store,
		Stats:   reader,
		Metrics: services.NewMetrics(),
	})
	return router, store, alice, merged, repo
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func setupAdminRouter(syncer *fakeSyncer, batch *fakeBatch) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/admin/refresh-all", HandleRefreshAll(batch))
	router.GET("/admin/refresh-all", HandleRefreshStatus(batch))
	router.POST("/admin/refresh-all/cancel", HandleCancelRefresh(batch))
	router.POST("/admin/users/:user/refresh", HandleRefreshUser(syncer))
	router.POST("/admin/import", HandleImportUsers(syncer))
	return router
}

func TestHandleRefreshAll(t *testing.T) {
	batch := &fakeBatch{result: &services.BatchResult{UsersRefreshed: 2, Errors: 1, Total: 3,
		Failures: []services.UserFailure{{Username: "bob", Error: "rate limited"}}}}
	router := setupAdminRouter(&fakeSyncer{}, batch)

	w := doRequest(router, "POST", "/admin/refresh-all", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, services.TriggerOperator, batch.trigger)
	body := decodeBody(t, w)
	assert.Equal(t, "refresh completed", body["message"])
	assert.Equal(t, float64(2), body["usersRefreshed"])
	assert.Equal(t, float64(1), body["errors"])
	assert.Equal(t, float64(3), body["total"])
}

func TestHandleRefreshAll_AlreadyRunning(t *testing.T) {
	batch := &fakeBatch{running: true, trigger: services.TriggerSchedule}
	router := setupAdminRouter(&fakeSyncer{}, batch)

	w := doRequest(router, "POST", "/admin/refresh-all", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, services.TriggerSchedule, decodeBody(t, w)["trigger"])
}

func TestHandleRefreshAll_ShuttingDown(t *testing.T) {
	batch := &fakeBatch{closed: true}
	router := setupAdminRouter(&fakeSyncer{}, batch)

	w := doRequest(router, "POST", "/admin/refresh-all", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "server is shutting down", decodeBody(t, w)["error"])
}

func TestHandleRefreshStatus(t *testing.T) {
	batch := &fakeBatch{result: &services.BatchResult{UsersRefreshed: 1, Total: 1}, lastAt: time.Now()}
	router := setupAdminRouter(&fakeSyncer{}, batch)

	w := doRequest(router, "GET", "/admin/refresh-all", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["running"])
	assert.NotNil(t, body["lastFinishedAt"])
}

func TestHandleCancelRefresh(t *testing.T) {
	idle := &fakeBatch{}
	w := doRequest(setupAdminRouter(&fakeSyncer{}, idle), "POST", "/admin/refresh-all/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	running := &fakeBatch{running: true}
	w = doRequest(setupAdminRouter(&fakeSyncer{}, running), "POST", "/admin/refresh-all/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, running.canceled)
}

func TestHandleRefreshUser(t *testing.T) {
	syncer := &fakeSyncer{errs: map[string]error{"mallory": services.ErrUserNotFound}}
	router := setupAdminRouter(syncer, &fakeBatch{})

	w := doRequest(router, "POST", "/admin/users/alice/refresh", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "done", decodeBody(t, w)["state"])

	w = doRequest(router, "POST", "/admin/users/mallory/refresh", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, []string{"alice", "mallory"}, syncer.refreshed)
}

func TestHandleImportUsers(t *testing.T) {
	syncer := &fakeSyncer{}
	router := setupAdminRouter(syncer, &fakeBatch{})

	w := doRequest(router, "POST", "/admin/import", map[string]string{
		"usernames": "alice\n\n  @bob \n# comment\nAlice\ncarol",
		"college":   "IIT Bombay",
		"year":      "2nd Year",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alice", "bob", "carol"}, syncer.imported)
	assert.Equal(t, "IIT Bombay", syncer.profile.College)
	assert.Equal(t, float64(3), decodeBody(t, w)["total"])
}

func TestHandleImportUsers_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{name: "ボディなし", body: nil},
		{name: "ユーザー名なし", body: map[string]string{"usernames": "\n# only comments\n"}},
		{name: "不正な学年", body: map[string]string{"usernames": "alice", "year": "9th Year"}},
		{name: "不正なロール", body: map[string]string{"usernames": "alice", "role": "root"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{}
			w := doRequest(setupAdminRouter(syncer, &fakeBatch{}), "POST", "/admin/import", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, syncer.imported)
		})
	}
}

func TestAdminReadEndpoints(t *testing.T) {
	router, _, alice, _, _ := seedTracker(t)

	t.Run("stats", func(t *testing.T) {
		w := doRequest(router, "GET", "/admin/stats", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, float64(2), body["totalPRs"])
		assert.Equal(t, float64(1), body["mergedPRs"])
	})

	t.Run("users", func(t *testing.T) {
		w := doRequest(router, "GET", "/admin/users", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), decodeBody(t, w)["total"])
	})

	t.Run("user prs", func(t *testing.T) {
		w := doRequest(router, "GET", "/admin/users/"+alice.Username+"/prs", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(2), decodeBody(t, w)["total"])

		// refresh と同じく大文字小文字を区別しない
		w = doRequest(router, "GET", "/admin/users/"+strings.ToUpper(alice.Username)+"/prs", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		// 内部 ID ではなくログイン名で引く
		w = doRequest(router, "GET", "/admin/users/"+alice.ID+"/prs", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = doRequest(router, "GET", "/admin/users/mallory/prs", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("health", func(t *testing.T) {
		w := doRequest(router, "GET", "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		w := doRequest(router, "GET", "/metrics", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRedFlagEndpoints(t *testing.T) {
	router, _, alice, merged, repo := seedTracker(t)

	w := doRequest(router, "POST", "/admin/pull-requests/"+merged.ID+"/red-flag", map[string]string{"reason": "spam"})
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["is_redFlagged"])
	assert.Equal(t, "spam", body["redFlag_reason"])

	// red flag を付けた PR はリーダーボードで数えない
	w = doRequest(router, "GET", "/leaderboard", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var lb struct {
		Leaderboard []services.LeaderboardEntry `json:"leaderboard"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lb))
	require.Len(t, lb.Leaderboard, 1)
	assert.Equal(t, alice.ID, lb.Leaderboard[0].UserID)
	assert.Equal(t, int64(1), lb.Leaderboard[0].TotalPRs)
	assert.Equal(t, int64(0), lb.Leaderboard[0].MergedPRs)

	w = doRequest(router, "POST", "/admin/repositories/"+repo.ID+"/red-flag", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["is_redFlagged"])

	w = doRequest(router, "POST", "/admin/repositories/missing/red-flag", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, "POST", "/admin/pull-requests/missing/red-flag", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleLeaderboard_InvalidLimit(t *testing.T) {
	router, _, _, _, _ := seedTracker(t)

	w := doRequest(router, "GET", "/leaderboard?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, "GET", "/leaderboard?limit=0", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGitHubClient(t *testing.T, pageSize, maxPages int) *GitHubClient {
	client, err := NewGitHubClient("test-token", GitHubClientOptions{
		PageSize:       pageSize,
		MaxPages:       maxPages,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func testWindow() SyncWindow {
	end := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	return SyncWindow{Start: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), End: &end}
}

// searchItem は Search API の 1 件分。withPullURL が false なら pull_request を付けない
func searchItem(id int64, number int, owner, repo, state string, withPullURL bool) map[string]interface{} {
	item := map[string]interface{}{
		"id":             id,
		"number":         number,
		"title":          fmt.Sprintf("PR %d", number),
		"body":           "body",
		"state":          state,
		"html_url":       fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, number),
		"repository_url": fmt.Sprintf("https://api.github.com/repos/%s/%s", owner, repo),
		"created_at":     "2025-10-05T10:00:00Z",
	}
	if withPullURL {
		item["pull_request"] = map[string]interface{}{
			"url": fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls/%d", owner, repo, number),
		}
	}
	return item
}

func searchPage(items ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"total_count":        len(items),
		"incomplete_results": false,
		"items":              items,
	}
}

func TestSyncWindow_Query(t *testing.T) {
	w := testWindow()
	assert.Equal(t, "author:alice is:pr created:2025-10-01..2025-12-31", w.Query("alice"))

	w.End = nil
	assert.Equal(t, "author:alice is:pr created:>=2025-10-01", w.Query("alice"))
}

func TestNewGitHubClient_RequiresToken(t *testing.T) {
	_, err := NewGitHubClient("", GitHubClientOptions{})
	assert.Error(t, err)
}

func TestSearchPRs_StopsOnShortPage(t *testing.T) {
	defer gock.Off() // テスト終了時にモックをクリア

	gock.New("https://api.github.com").
		Get("/search/issues").
		MatchParam("q", "author:alice is:pr created:2025-10-01..2025-12-31").
		MatchParam("page", "^1$").
		MatchParam("per_page", "^2$").
		MatchParam("sort", "created").
		MatchParam("order", "desc").
		MatchHeader("Authorization", "Bearer test-token").
		Reply(200).
		JSON(searchPage(
			searchItem(1, 1, "acme", "widgets", "open", false),
			searchItem(2, 2, "acme", "widgets", "closed", false),
		))
	gock.New("https://api.github.com").
		Get("/search/issues").
		MatchParam("page", "^2$").
		Reply(200).
		JSON(searchPage(
			searchItem(3, 3, "acme", "gadgets", "open", false),
		))

	client := newTestGitHubClient(t, 2, 10)
	result, err := client.SearchPRs(context.Background(), "alice", testWindow())

	require.NoError(t, err)
	assert.Equal(t, 2, result.Pages)
	assert.False(t, result.Truncated)
	require.Len(t, result.PRs, 3)
	assert.Equal(t, int64(1), result.PRs[0].GithubID)
	assert.Equal(t, "acme", result.PRs[0].OwnerLogin)
	assert.Equal(t, "widgets", result.PRs[0].RepoName)
	assert.True(t, result.PRs[0].IsOpen())
	assert.False(t, result.PRs[1].IsOpen())
	assert.Equal(t, "acme/gadgets", result.PRs[2].RepoFullName())
	assert.Equal(t, time.Date(2025, 10, 5, 10, 0, 0, 0, time.UTC), result.PRs[0].CreatedAt.UTC())
	assert.True(t, gock.IsDone(), "すべてのモックが使用されていません")
}

func TestSearchPRs_EmptyFirstPage(t *testing.T) {
	defer gock.Off()

	gock.New("https://api.github.com").
		Get("/search/issues").
		Reply(200).
		JSON(searchPage())

	client := newTestGitHubClient(t, 100, 10)
	result, err := client.SearchPRs(context.Background(), "nobody", testWindow())

	require.NoError(t, err)
	assert.Equal(t, 1, result.Pages)
	assert.Empty(t, result.PRs)
	assert.True(t, gock.IsDone())
}

func TestSearchPRs_PageCeilingTruncates(t *testing.T) {
	defer gock.Off()

	// 2 ページとも満杯でも 3 ページ目は要求しない
	gock.New("https://api.github.com").
		Get("/search/issues").
		MatchParam("page", "^1$").
		Reply(200).
		JSON(searchPage(searchItem(1, 1, "acme", "widgets", "open", false)))
	gock.New("https://api.github.com").
		Get("/search/issues").
		MatchParam("page", "^2$").
		Reply(200).
		JSON(searchPage(searchItem(2, 2, "acme", "widgets", "open", false)))

	client := newTestGitHubClient(t, 1, 2)
	result, err := client.SearchPRs(context.Background(), "alice", testWindow())

	require.NoError(t, err)
	assert.Equal(t, 2, result.Pages)
	assert.True(t, result.Truncated)
	assert.Len(t, result.PRs, 2)
	assert.True(t, gock.IsDone())
}

func TestSearchPRs_FailedPageKeepsEarlierPages(t *testing.T) {
	defer gock.Off()

	gock.New("https://api.github.com").
		Get("/search/issues").
		MatchParam("page", "^1$").
		Reply(200).
		JSON(searchPage(
			searchItem(1, 1, "acme", "widgets", "open", false),
			searchItem(2, 2, "acme", "widgets", "open", false),
		))
	gock.New("https://api.github.com").
		Get("/search/issues").
		MatchParam("page", "^2$").
		Reply(502).
		JSON(map[string]interface{}{"message": "bad gateway"})

	client := newTestGitHubClient(t, 2, 10)
	result, err := client.SearchPRs(context.Background(), "alice", testWindow())

	require.Error(t, err)
	require.NotNil(t, result)
	assert.Len(t, result.PRs, 2)
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, ErrorKindTransient, ClassifyError(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Retryable())
	assert.Equal(t, 502, apiErr.StatusCode)
}

func TestSearchPRs_DropsInvalidItems(t *testing.T) {
	defer gock.Off()

	noID := searchItem(0, 1, "acme", "widgets", "open", false)
	noURL := searchItem(2, 2, "acme", "widgets", "open", false)
	delete(noURL, "html_url")
	badRepo := searchItem(3, 3, "acme", "widgets", "open", false)
	badRepo["repository_url"] = "not a url"
	badRepo["html_url"] = "also not a url"
	// repository_url が壊れていても html_url から復元できる
	repairable := searchItem(4, 4, "acme", "widgets", "open", false)
	repairable["repository_url"] = ""

	gock.New("https://api.github.com").
		Get("/search/issues").
		Reply(200).
		JSON(searchPage(noID, noURL, badRepo, repairable, searchItem(5, 5, "acme", "widgets", "open", false)))

	client := newTestGitHubClient(t, 100, 10)
	result, err := client.SearchPRs(context.Background(), "alice", testWindow())

	require.NoError(t, err)
	require.Len(t, result.PRs, 2)
	assert.Equal(t, int64(4), result.PRs[0].GithubID)
	assert.Equal(t, "acme/widgets", result.PRs[0].RepoFullName())
	assert.Equal(t, int64(5), result.PRs[1].GithubID)
}

func TestSearchPRs_MergeStatusFallback(t *testing.T) {
	defer gock.Off()

	gock.New("https://api.github.com").
		Get("/search/issues").
		Reply(200).
		JSON(searchPage(
			searchItem(111, 1, "acme", "widgets", "closed", true),
			searchItem(112, 2, "acme", "widgets", "closed", true),
			searchItem(113, 3, "acme", "widgets", "open", false),
		))
	gock.New("https://api.github.com").
		Get("/repos/acme/widgets/pulls/1").
		Reply(200).
		JSON(map[string]interface{}{"id": 9001, "number": 1, "merged": true})
	// 詳細取得の失敗はマージされていない扱い
	gock.New("https://api.github.com").
		Get("/repos/acme/widgets/pulls/2").
		Reply(500).
		JSON(map[string]interface{}{"message": "boom"})

	client := newTestGitHubClient(t, 100, 10)
	result, err := client.SearchPRs(context.Background(), "alice", testWindow())

	require.NoError(t, err)
	require.Len(t, result.PRs, 3)
	assert.True(t, result.PRs[0].IsMerged)
	assert.False(t, result.PRs[1].IsMerged)
	assert.False(t, result.PRs[2].IsMerged)
	assert.True(t, gock.IsDone())
}

func TestGetOwnerDetails(t *testing.T) {
	defer gock.Off()

	gock.New("https://api.github.com").
		Get("/users/acme").
		Reply(200).
		JSON(map[string]interface{}{"id": 500, "login": "acme", "name": "Acme Inc", "type": "Organization"})
	gock.New("https://api.github.com").
		Get("/users/ghost").
		Reply(404).
		JSON(map[string]interface{}{"message": "Not Found"})

	client := newTestGitHubClient(t, 100, 10)

	owner, err := client.GetOwnerDetails(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(500), owner.GithubID)
	assert.Equal(t, "Organization", owner.Type)
	assert.Equal(t, "Acme Inc", owner.Name)

	_, err = client.GetOwnerDetails(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, ErrorKindNotFound, ClassifyError(err))
}

func TestGetRepositoryDetails(t *testing.T) {
	defer gock.Off()

	gock.New("https://api.github.com").
		Get("/repos/acme/widgets").
		Reply(200).
		JSON(map[string]interface{}{
			"id":    600,
			"name":  "widgets",
			"owner": map[string]interface{}{"id": 500, "login": "acme"},
		})
	gock.New("https://api.github.com").
		Get("/repos/acme/private").
		Reply(403).
		JSON(map[string]interface{}{"message": "Resource not accessible"})

	client := newTestGitHubClient(t, 100, 10)

	repo, err := client.GetRepositoryDetails(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, int64(600), repo.GithubID)
	assert.Equal(t, "acme", repo.OwnerLogin)
	assert.Equal(t, int64(500), repo.OwnerGithubID)

	_, err = client.GetRepositoryDetails(context.Background(), "acme", "private")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, ErrorKindTerminal, ClassifyError(err))
}

func TestGetUserDetails(t *testing.T) {
	defer gock.Off()

	gock.New("https://api.github.com").
		Get("/users/alice").
		Reply(200).
		JSON(map[string]interface{}{
			"id":         42,
			"login":      "alice",
			"name":       "Alice Example",
			"avatar_url": "https://avatars.githubusercontent.com/u/42",
		})

	client := newTestGitHubClient(t, 100, 10)
	user, err := client.GetUserDetails(context.Background(), "alice")

	require.NoError(t, err)
	assert.Equal(t, int64(42), user.GithubID)
	assert.Equal(t, "Alice Example", user.Name)
	assert.Equal(t, "https://avatars.githubusercontent.com/u/42", user.AvatarURL)
}

// 応答しないサーバーでもリクエストごとのタイムアウトで戻る
func TestSearchPRs_RequestTimeout(t *testing.T) {
	gock.Off()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := NewGitHubClient("test-token", GitHubClientOptions{
		BaseURL:        srv.URL,
		RequestTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	result, err := client.SearchPRs(context.Background(), "alice", testWindow())

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ErrorKindTransient, ClassifyError(err))
	assert.Empty(t, result.PRs)
}

// RequestDelay の間隔でしかリクエストを送らない
func TestGitHubClient_RequestDelay(t *testing.T) {
	gock.Off()

	var mu sync.Mutex
	var sentAt []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sentAt = append(sentAt, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":42,"login":"alice","name":"Alice Example"}`)
	}))
	defer srv.Close()

	delay := 50 * time.Millisecond
	client, err := NewGitHubClient("test-token", GitHubClientOptions{
		BaseURL:        srv.URL,
		RequestDelay:   delay,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := client.GetUserDetails(context.Background(), "alice")
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sentAt, 3)
	// 最初の 1 回はすぐ送り、残りは delay ずつ待つ
	assert.GreaterOrEqual(t, sentAt[2].Sub(sentAt[0]), 2*delay-10*time.Millisecond)
	for i := 1; i < len(sentAt); i++ {
		assert.GreaterOrEqual(t, sentAt[i].Sub(sentAt[i-1]), delay-10*time.Millisecond)
	}
}

func TestSearchPRs_CanceledContext(t *testing.T) {
	defer gock.Off()

	client := newTestGitHubClient(t, 100, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := client.SearchPRs(ctx, "alice", testWindow())
	assert.Error(t, err)
	assert.Empty(t, result.PRs)
}

func TestParseURLs(t *testing.T) {
	owner, repo, err := ParseRepositoryURL("https://api.github.com/repos/acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)

	_, _, err = ParseRepositoryURL("https://api.github.com/users/acme")
	assert.Error(t, err)

	owner, repo, number, err := ParsePullRequestAPIURL("https://ghe.example.com/api/v3/repos/acme/widgets/pulls/12")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, 12, number)

	owner, repo, number, err = ParseRepoAndPRNumber("https://github.com/acme/widgets/pull/7")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, 7, number)

	_, _, _, err = ParseRepoAndPRNumber("https://github.com/acme/widgets/issues/7")
	assert.Error(t, err)
}

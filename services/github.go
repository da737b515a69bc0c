package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v71/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultSearchPageSize = 100
	// Search API は 1000 件までしか返さない
	DefaultSearchMaxPages = 10
)

var (
	repositoryURLPattern  = regexp.MustCompile(`/repos/([^/]+)/([^/]+)/?$`)
	pullRequestURLPattern = regexp.MustCompile(`/repos/([^/]+)/([^/]+)/pulls/(\d+)/?$`)
	htmlPRURLPattern      = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+)/pull/(\d+)`)
)

// GitHubAPI は同期処理が使う GitHub の操作
type GitHubAPI interface {
	SearchPRs(ctx context.Context, username string, window SyncWindow) (*SearchResult, error)
	GetOwnerDetails(ctx context.Context, login string) (*OwnerDetails, error)
	GetRepositoryDetails(ctx context.Context, owner, name string) (*RepositoryDetails, error)
	GetUserDetails(ctx context.Context, login string) (*UserDetails, error)
}

// SyncWindow は同期対象とする PR 作成日の範囲。End が nil なら上限なし
type SyncWindow struct {
	Start time.Time
	End   *time.Time
}

// Query は Search API に渡すクエリを組み立てる
func (w SyncWindow) Query(username string) string {
	start := w.Start.Format("2006-01-02")
	if w.End == nil {
		return fmt.Sprintf("author:%s is:pr created:>=%s", username, start)
	}
	return fmt.Sprintf("author:%s is:pr created:%s..%s", username, start, w.End.Format("2006-01-02"))
}

// RawPR は検索結果 1 件分を正規化したもの
type RawPR struct {
	GithubID   int64
	Number     int
	Title      string
	Body       string
	OwnerLogin string
	RepoName   string
	HTMLURL    string
	State      string
	IsMerged   bool
	CreatedAt  time.Time
}

func (p RawPR) IsOpen() bool {
	return p.State == "open"
}

func (p RawPR) RepoFullName() string {
	return p.OwnerLogin + "/" + p.RepoName
}

// SearchResult は検索の結果。Truncated はページ上限で打ち切ったことを表す
type SearchResult struct {
	PRs       []RawPR
	Pages     int
	Truncated bool
}

type OwnerDetails struct {
	GithubID int64
	Login    string
	Name     string
	Type     string
}

type RepositoryDetails struct {
	GithubID      int64
	Name          string
	OwnerLogin    string
	OwnerGithubID int64
}

type UserDetails struct {
	GithubID  int64
	Login     string
	Name      string
	AvatarURL string
}

type GitHubClientOptions struct {
	BaseURL        string
	PageSize       int
	MaxPages       int
	RequestDelay   time.Duration
	RequestTimeout time.Duration
	Metrics        *Metrics
}

// GitHubClient は GitHub REST API のクライアント
// 全リクエストが 1 つのレートリミッタを共有する
type GitHubClient struct {
	client   *github.Client
	limiter  *rate.Limiter
	pageSize int
	maxPages int
	timeout  time.Duration
	metrics  *Metrics
}

// GitHubクライアントを作成する関数
func NewGitHubClient(token string, opts GitHubClientOptions) (*GitHubClient, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("github token is not set")
	}

	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = DefaultSearchPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultSearchMaxPages
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	client := github.NewClient(tc)

	if opts.BaseURL != "" {
		baseURL := opts.BaseURL
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github api url %q: %w", opts.BaseURL, err)
		}
		client.BaseURL = u
	}

	limit := rate.Inf
	if opts.RequestDelay > 0 {
		limit = rate.Every(opts.RequestDelay)
	}

	return &GitHubClient{
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		pageSize: opts.PageSize,
		maxPages: opts.MaxPages,
		timeout:  opts.RequestTimeout,
		metrics:  opts.Metrics,
	}, nil
}

// call はレート制限とタイムアウトをかけて 1 リクエストを実行する
func (c *GitHubClient) call(ctx context.Context, endpoint string, fn func(ctx context.Context) (*github.Response, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := fn(callCtx)
	err = WrapGitHubError(err, endpoint)
	c.metrics.observeAPI(endpoint, err)
	return err
}

// SearchPRs はユーザーが作成した PR を期間内で全ページ取得する
// 途中のページで失敗した場合は、それまでに取得した分とエラーを両方返す
func (c *GitHubClient) SearchPRs(ctx context.Context, username string, window SyncWindow) (*SearchResult, error) {
	query := window.Query(username)
	result := &SearchResult{PRs: []RawPR{}}

	for page := 1; page <= c.maxPages; page++ {
		opts := &github.SearchOptions{
			Sort:  "created",
			Order: "desc",
			ListOptions: github.ListOptions{
				Page:    page,
				PerPage: c.pageSize,
			},
		}

		var issues *github.IssuesSearchResult
		err := c.call(ctx, "search_issues", func(ctx context.Context) (*github.Response, error) {
			var resp *github.Response
			var err error
			issues, resp, err = c.client.Search.Issues(ctx, query, opts)
			return resp, err
		})
		if err != nil {
			return result, fmt.Errorf("failed to search PRs for %s (page %d): %w", username, page, err)
		}

		result.Pages = page
		for _, issue := range issues.Issues {
			pr, ok := c.toRawPR(ctx, issue)
			if !ok {
				continue
			}
			result.PRs = append(result.PRs, pr)
		}

		if len(issues.Issues) < c.pageSize {
			return result, nil
		}
	}

	result.Truncated = true
	log.Printf("search for %s reached page limit (%d pages), result is truncated", username, c.maxPages)
	return result, nil
}

// toRawPR は検索結果を検証して RawPR に変換する。必須項目が欠けていれば false
func (c *GitHubClient) toRawPR(ctx context.Context, issue *github.Issue) (RawPR, bool) {
	if issue == nil {
		return RawPR{}, false
	}
	if issue.GetID() == 0 || issue.GetHTMLURL() == "" {
		log.Printf("skip search item without id or html_url (number: %d)", issue.GetNumber())
		return RawPR{}, false
	}

	owner, repo, err := ParseRepositoryURL(issue.GetRepositoryURL())
	if err != nil {
		// repository_url が壊れている場合は html_url から補う
		var htmlErr error
		owner, repo, _, htmlErr = ParseRepoAndPRNumber(issue.GetHTMLURL())
		if htmlErr != nil {
			log.Printf("skip search item %d: %v", issue.GetID(), err)
			return RawPR{}, false
		}
	}

	pr := RawPR{
		GithubID:   issue.GetID(),
		Number:     issue.GetNumber(),
		Title:      issue.GetTitle(),
		Body:       issue.GetBody(),
		OwnerLogin: owner,
		RepoName:   repo,
		HTMLURL:    issue.GetHTMLURL(),
		State:      issue.GetState(),
		CreatedAt:  issue.GetCreatedAt().Time,
	}
	if pr.State == "" {
		pr.State = "open"
	}

	if issue.PullRequestLinks != nil && issue.PullRequestLinks.GetURL() != "" {
		pr.IsMerged = c.isMerged(ctx, issue.PullRequestLinks.GetURL())
	}

	return pr, true
}

// isMerged は PR 詳細を取得してマージ済みか判定する。失敗した場合は false
func (c *GitHubClient) isMerged(ctx context.Context, pullURL string) bool {
	owner, repo, number, err := ParsePullRequestAPIURL(pullURL)
	if err != nil {
		log.Printf("cannot check merge status: %v", err)
		return false
	}

	var pr *github.PullRequest
	err = c.call(ctx, "get_pull_request", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = c.client.PullRequests.Get(ctx, owner, repo, number)
		return resp, err
	})
	if err != nil {
		log.Printf("failed to check merge status of %s/%s#%d, treat as not merged: %v", owner, repo, number, err)
		return false
	}

	return pr.GetMerged()
}

// GetOwnerDetails はユーザーまたは Organization の情報を取得する
func (c *GitHubClient) GetOwnerDetails(ctx context.Context, login string) (*OwnerDetails, error) {
	user, err := c.getUser(ctx, login)
	if err != nil {
		return nil, err
	}
	return &OwnerDetails{
		GithubID: user.GetID(),
		Login:    user.GetLogin(),
		Name:     user.GetName(),
		Type:     user.GetType(),
	}, nil
}

// GetUserDetails は追跡対象ユーザーとして登録するためのプロフィールを取得する
func (c *GitHubClient) GetUserDetails(ctx context.Context, login string) (*UserDetails, error) {
	user, err := c.getUser(ctx, login)
	if err != nil {
		return nil, err
	}
	return &UserDetails{
		GithubID:  user.GetID(),
		Login:     user.GetLogin(),
		Name:      displayName(user),
		AvatarURL: user.GetAvatarURL(),
	}, nil
}

func (c *GitHubClient) getUser(ctx context.Context, login string) (*github.User, error) {
	var user *github.User
	err := c.call(ctx, "get_user", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		user, resp, err = c.client.Users.Get(ctx, login)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", login, err)
	}
	return user, nil
}

// GetRepositoryDetails はリポジトリの情報を取得する
func (c *GitHubClient) GetRepositoryDetails(ctx context.Context, owner, name string) (*RepositoryDetails, error) {
	var repo *github.Repository
	err := c.call(ctx, "get_repository", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		repo, resp, err = c.client.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s/%s: %w", owner, name, err)
	}
	return &RepositoryDetails{
		GithubID:      repo.GetID(),
		Name:          repo.GetName(),
		OwnerLogin:    repo.GetOwner().GetLogin(),
		OwnerGithubID: repo.GetOwner().GetID(),
	}, nil
}

// ParseRepositoryURL は https://api.github.com/repos/owner/repo からオーナーとリポジトリ名を抽出する
func ParseRepositoryURL(repoURL string) (owner string, repo string, err error) {
	matches := repositoryURLPattern.FindStringSubmatch(repoURL)
	if len(matches) != 3 {
		return "", "", fmt.Errorf("invalid repository URL format: %q", repoURL)
	}
	return matches[1], matches[2], nil
}

// ParsePullRequestAPIURL は https://api.github.com/repos/owner/repo/pulls/123 を分解する
func ParsePullRequestAPIURL(pullURL string) (owner string, repo string, number int, err error) {
	matches := pullRequestURLPattern.FindStringSubmatch(pullURL)
	if len(matches) != 4 {
		return "", "", 0, fmt.Errorf("invalid pull request API URL format: %q", pullURL)
	}
	number, err = strconv.Atoi(matches[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to parse PR number: %w", err)
	}
	return matches[1], matches[2], number, nil
}

// PRのURLからオーナー、リポジトリ名、PR番号を抽出する関数
func ParseRepoAndPRNumber(prURL string) (owner string, repo string, prNumber int, err error) {
	// https://github.com/owner/repo/pull/123 の形式を想定
	matches := htmlPRURLPattern.FindStringSubmatch(prURL)
	if len(matches) != 4 {
		return "", "", 0, fmt.Errorf("invalid PR URL format: %s", prURL)
	}

	prNumber, err = strconv.Atoi(matches[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to parse PR number: %w", err)
	}

	return matches[1], matches[2], prNumber, nil
}

var _ GitHubAPI = (*GitHubClient)(nil)

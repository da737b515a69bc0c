package services

import (
	"context"
	"fmt"
	"time"

	"pr-tracker/config"
	"pr-tracker/models"

	"gorm.io/gorm"
)

// LeaderboardEntry はリーダーボードの 1 行
type LeaderboardEntry struct {
	Rank      int    `json:"rank"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	FullName  string `json:"fullName"`
	AvatarURL string `json:"avatarUrl"`
	College   string `json:"college"`
	TotalPRs  int64  `gorm:"column:total_prs" json:"totalPRs"`
	MergedPRs int64  `gorm:"column:merged_prs" json:"mergedPRs"`
	OpenPRs   int64  `gorm:"column:open_prs" json:"openPRs"`
}

// Stats は管理画面向けの集計値
type Stats struct {
	TotalPRs               int64   `json:"totalPRs"`
	MergedPRs              int64   `json:"mergedPRs"`
	OpenPRs                int64   `json:"openPRs"`
	ClosedPRs              int64   `json:"closedPRs"` // マージされずにクローズされた PR
	TotalRepositories      int64   `json:"totalRepositories"`
	RedFlaggedRepositories int64   `json:"redFlaggedRepositories"`
	TotalUsers             int64   `json:"totalUsers"`
	TotalColleges          int64   `json:"totalColleges"`
	TotalOwners            int64   `json:"totalOwners"`
	AveragePRsPerUser      float64 `json:"averagePRsPerUser"`
}

// PRSummary はストア方式によらない PR の表示用表現
type PRSummary struct {
	ID           string    `json:"id"`
	GithubID     int64     `json:"githubId"`
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	Repository   string    `json:"repository"`
	URL          string    `json:"url"`
	State        string    `json:"state"` // open, merged, closed
	IsMerged     bool      `json:"isMerged"`
	IsRedFlagged bool      `json:"isRedFlagged"`
	CreatedAt    time.Time `json:"createdAt"`
}

// StatsReader は集計とユーザー別 PR 一覧の読み取り
type StatsReader interface {
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	Stats(ctx context.Context) (*Stats, error)
	ListUserPRs(ctx context.Context, userID string) ([]PRSummary, error)
}

func NewStatsReader(db *gorm.DB, strategy string) (StatsReader, error) {
	switch strategy {
	case config.StoreStrategyNormalized, "":
		return &normalizedStats{db: db}, nil
	case config.StoreStrategyReplace:
		return &replaceStats{db: db}, nil
	default:
		return nil, fmt.Errorf("unknown store strategy: %q", strategy)
	}
}

func prState(isOpen, isMerged bool) string {
	switch {
	case isMerged:
		return "merged"
	case isOpen:
		return "open"
	default:
		return "closed"
	}
}

func rankEntries(entries []LeaderboardEntry) []LeaderboardEntry {
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

type normalizedStats struct {
	db *gorm.DB
}

// Leaderboard はマージ済み PR 数の多い順に並べる
// red flag の付いた PR とリポジトリは数えない
func (r *normalizedStats) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	q := r.db.WithContext(ctx).Raw(`
		SELECT u.id AS user_id, u.username, u.full_name, u.avatar_url,
			COALESCE(c.name, '') AS college,
			COUNT(p.id) AS total_prs,
			COALESCE(SUM(CASE WHEN p.is_merged = ? THEN 1 ELSE 0 END), 0) AS merged_prs,
			COALESCE(SUM(CASE WHEN p.is_open = ? AND p.is_merged = ? THEN 1 ELSE 0 END), 0) AS open_prs
		FROM users u
		LEFT JOIN colleges c ON c.id = u.college_id
		LEFT JOIN pull_requests p ON p.author_id = u.id
			AND p.is_red_flagged = ?
			AND p.repository_id IN (SELECT id FROM github_repositories WHERE is_red_flagged = ?)
		GROUP BY u.id, u.username, u.full_name, u.avatar_url, c.name
		ORDER BY merged_prs DESC, total_prs DESC, u.username ASC
		LIMIT ?`, true, true, false, false, false, limitOrAll(limit))
	if err := q.Scan(&entries).Error; err != nil {
		return nil, err
	}
	return rankEntries(entries), nil
}

func (r *normalizedStats) Stats(ctx context.Context) (*Stats, error) {
	db := r.db.WithContext(ctx)
	var s Stats

	counts := []struct {
		dst   *int64
		model interface{}
		where []interface{}
	}{
		{&s.TotalPRs, &models.PullRequest{}, nil},
		{&s.MergedPRs, &models.PullRequest{}, []interface{}{"is_merged = ?", true}},
		{&s.OpenPRs, &models.PullRequest{}, []interface{}{"is_open = ? AND is_merged = ?", true, false}},
		{&s.ClosedPRs, &models.PullRequest{}, []interface{}{"is_open = ? AND is_merged = ?", false, false}},
		{&s.TotalRepositories, &models.GithubRepository{}, nil},
		{&s.RedFlaggedRepositories, &models.GithubRepository{}, []interface{}{"is_red_flagged = ?", true}},
		{&s.TotalUsers, &models.User{}, nil},
		{&s.TotalColleges, &models.College{}, nil},
		{&s.TotalOwners, &models.GithubOwner{}, nil},
	}
	for _, c := range counts {
		q := db.Model(c.model)
		if len(c.where) > 0 {
			q = q.Where(c.where[0], c.where[1:]...)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return nil, err
		}
	}

	if s.TotalUsers > 0 {
		s.AveragePRsPerUser = float64(s.TotalPRs) / float64(s.TotalUsers)
	}
	return &s, nil
}

func (r *normalizedStats) ListUserPRs(ctx context.Context, userID string) ([]PRSummary, error) {
	var prs []models.PullRequest
	err := r.db.WithContext(ctx).
		Preload("Repository.Owner").
		Where("author_id = ?", userID).
		Order("github_created_at DESC").
		Find(&prs).Error
	if err != nil {
		return nil, err
	}

	out := make([]PRSummary, 0, len(prs))
	for _, pr := range prs {
		repoName := ""
		if pr.Repository != nil {
			repoName = pr.Repository.FullName()
		}
		out = append(out, PRSummary{
			ID:           pr.ID,
			GithubID:     pr.GithubID,
			Number:       pr.Number,
			Title:        pr.Title,
			Repository:   repoName,
			URL:          pr.Link,
			State:        prState(pr.IsOpen, pr.IsMerged),
			IsMerged:     pr.IsMerged,
			IsRedFlagged: pr.IsRedFlagged,
			CreatedAt:    pr.GithubCreatedAt,
		})
	}
	return out, nil
}

type replaceStats struct {
	db *gorm.DB
}

func (r *replaceStats) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	q := r.db.WithContext(ctx).Raw(`
		SELECT u.id AS user_id, u.username, u.full_name, u.avatar_url,
			COALESCE(c.name, '') AS college,
			COUNT(p.id) AS total_prs,
			COALESCE(SUM(CASE WHEN p.is_merged = ? THEN 1 ELSE 0 END), 0) AS merged_prs,
			COALESCE(SUM(CASE WHEN p.state = 'open' AND p.is_merged = ? THEN 1 ELSE 0 END), 0) AS open_prs
		FROM users u
		LEFT JOIN colleges c ON c.id = u.college_id
		LEFT JOIN user_pull_requests p ON p.user_id = u.id
		GROUP BY u.id, u.username, u.full_name, u.avatar_url, c.name
		ORDER BY merged_prs DESC, total_prs DESC, u.username ASC
		LIMIT ?`, true, false, limitOrAll(limit))
	if err := q.Scan(&entries).Error; err != nil {
		return nil, err
	}
	return rankEntries(entries), nil
}

func (r *replaceStats) Stats(ctx context.Context) (*Stats, error) {
	db := r.db.WithContext(ctx)
	var s Stats

	if err := db.Model(&models.UserPullRequest{}).Count(&s.TotalPRs).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.UserPullRequest{}).Where("is_merged = ?", true).Count(&s.MergedPRs).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.UserPullRequest{}).Where("state = ? AND is_merged = ?", "open", false).Count(&s.OpenPRs).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.UserPullRequest{}).Where("state <> ? AND is_merged = ?", "open", false).Count(&s.ClosedPRs).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.UserPullRequest{}).Distinct("repository").Count(&s.TotalRepositories).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.User{}).Count(&s.TotalUsers).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.College{}).Count(&s.TotalColleges).Error; err != nil {
		return nil, err
	}

	if s.TotalUsers > 0 {
		s.AveragePRsPerUser = float64(s.TotalPRs) / float64(s.TotalUsers)
	}
	return &s, nil
}

func (r *replaceStats) ListUserPRs(ctx context.Context, userID string) ([]PRSummary, error) {
	var rows []models.UserPullRequest
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("github_created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]PRSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, PRSummary{
			ID:         row.ID,
			GithubID:   row.GithubID,
			Number:     row.Number,
			Title:      row.Title,
			Repository: row.Repository,
			URL:        row.URL,
			State:      prState(row.State == "open", row.IsMerged),
			IsMerged:   row.IsMerged,
			CreatedAt:  row.GithubCreatedAt,
		})
	}
	return out, nil
}

// limitOrAll は 0 以下を SQLite の「上限なし」に変換する
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

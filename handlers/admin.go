package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"pr-tracker/models"
	"pr-tracker/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// BatchController は一括同期の起動とキャンセルを行う
type BatchController interface {
	Run(ctx context.Context, trigger string) (*services.BatchResult, error)
	Cancel() bool
	Running() (bool, string)
	LastResult() (*services.BatchResult, time.Time)
}

// UserImporter はユーザーの登録を行う
type UserImporter interface {
	ImportUsers(ctx context.Context, usernames []string, profile services.Profile) *services.ImportResult
}

// AdminStore は管理 API が使うストアの操作
type AdminStore interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	RedFlagRepository(ctx context.Context, id string) (*models.GithubRepository, error)
	RedFlagPullRequest(ctx context.Context, id, reason string, byUserID *string) (*models.PullRequest, error)
}

// HandleRefreshAll は全ユーザーの同期を実行し、終わるまで待って結果を返す
func HandleRefreshAll(batch BatchController) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := batch.Run(context.WithoutCancel(c.Request.Context()), services.TriggerOperator)
		if errors.Is(err, services.ErrBatchInProgress) {
			_, trigger := batch.Running()
			c.JSON(http.StatusConflict, gin.H{"error": "a refresh batch is already running", "trigger": trigger})
			return
		}
		if errors.Is(err, services.ErrBatchRunnerClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
			return
		}
		if err != nil {
			log.Printf("operator refresh failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		message := "refresh completed"
		if res.Canceled {
			message = "refresh canceled"
		}
		c.JSON(http.StatusOK, gin.H{
			"message":        message,
			"usersRefreshed": res.UsersRefreshed,
			"errors":         res.Errors,
			"total":          res.Total,
			"skipped":        res.Skipped,
			"canceled":       res.Canceled,
			"failures":       res.Failures,
		})
	}
}

// HandleRefreshStatus は実行中のバッチと直近の結果を返す
func HandleRefreshStatus(batch BatchController) gin.HandlerFunc {
	return func(c *gin.Context) {
		running, trigger := batch.Running()
		last, at := batch.LastResult()

		body := gin.H{"running": running, "trigger": trigger, "last": last}
		if !at.IsZero() {
			body["lastFinishedAt"] = at
		}
		c.JSON(http.StatusOK, body)
	}
}

// HandleCancelRefresh は実行中のバッチにキャンセルを伝える
func HandleCancelRefresh(batch BatchController) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !batch.Cancel() {
			c.JSON(http.StatusConflict, gin.H{"error": "no refresh batch is running"})
			return
		}
		log.Println("operator requested refresh cancel")
		c.JSON(http.StatusAccepted, gin.H{"message": "cancel requested"})
	}
}

// HandleRefreshUser は 1 ユーザーを同期する
func HandleRefreshUser(refresher UserRefresher) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.Param("user"))
		if username == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
			return
		}

		res, err := refresher.RefreshUser(context.WithoutCancel(c.Request.Context()), username)
		if errors.Is(err, services.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found", "username": username})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": res})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type importRequest struct {
	Usernames string `json:"usernames" binding:"required"` // 1 行に 1 ユーザー
	College   string `json:"college"`
	Role      string `json:"role"`
	Year      string `json:"year"`
}

// HandleImportUsers は改行区切りのユーザー名を GitHub から取得して登録する
func HandleImportUsers(importer UserImporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req importRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "usernames is required"})
			return
		}

		profile := services.Profile{College: req.College, Role: req.Role, Year: req.Year}
		if err := profile.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		usernames := parseUsernames(req.Usernames)
		if len(usernames) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no usernames found"})
			return
		}

		log.Printf("importing %d users", len(usernames))
		res := importer.ImportUsers(context.WithoutCancel(c.Request.Context()), usernames, profile)
		c.JSON(http.StatusOK, res)
	}
}

// parseUsernames は改行区切りのリストから空行と # コメントを除き、重複を取り除く
func parseUsernames(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(text, "\n") {
		name := strings.TrimPrefix(strings.TrimSpace(line), "@")
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out
}

// HandleStats は集計値を返す
func HandleStats(reader services.StatsReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := reader.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// HandleListUsers は登録済みユーザーの一覧を返す
func HandleListUsers(store AdminStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := store.ListUsers(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": users, "total": len(users)})
	}
}

// HandleListUserPRs はログイン名で指定したユーザーの PR 一覧を返す
func HandleListUserPRs(store AdminStore, reader services.StatsReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		user, err := store.FindUserByUsername(ctx, c.Param("user"))
		if err == nil {
			// 所属 college を含めて返す
			user, err = store.FindUserByID(ctx, user.ID)
		}
		if errors.Is(err, services.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		prs, err := reader.ListUserPRs(ctx, user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user, "pullRequests": prs, "total": len(prs)})
	}
}

// HandleRedFlagRepository はリポジトリに red flag を付ける
func HandleRedFlagRepository(store AdminStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		repo, err := store.RedFlagRepository(c.Request.Context(), c.Param("id"))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		log.Printf("repository %s red flagged", repo.ID)
		c.JSON(http.StatusOK, repo)
	}
}

type redFlagRequest struct {
	Reason string  `json:"reason"`
	By     *string `json:"by"` // red flag を付けた運営者のユーザー ID
}

// HandleRedFlagPullRequest は PR に red flag を付ける
func HandleRedFlagPullRequest(store AdminStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req redFlagRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		pr, err := store.RedFlagPullRequest(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Reason), req.By)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pull request not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		log.Printf("pull request %s red flagged", pr.ID)
		c.JSON(http.StatusOK, pr)
	}
}

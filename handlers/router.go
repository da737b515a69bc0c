package handlers

import (
	"net/http"

	"pr-tracker/services"

	"github.com/gin-gonic/gin"
)

// Syncer はルーターが使う同期エンジンの操作
type Syncer interface {
	UserRefresher
	UserImporter
}

type RouterDeps struct {
	Syncer        Syncer
	Batch         BatchController
	Store         AdminStore
	Stats         services.StatsReader
	Metrics       *services.Metrics
	WebhookSecret string
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	r.POST("/webhook/github", HandleGitHubWebhook(deps.Syncer, deps.WebhookSecret))
	r.GET("/leaderboard", HandleLeaderboard(deps.Stats))

	admin := r.Group("/admin")
	{
		admin.GET("/refresh-all", HandleRefreshStatus(deps.Batch))
		admin.POST("/refresh-all", HandleRefreshAll(deps.Batch))
		admin.POST("/refresh-all/cancel", HandleCancelRefresh(deps.Batch))
		// :user はどちらもログイン名
		admin.POST("/users/:user/refresh", HandleRefreshUser(deps.Syncer))
		admin.POST("/import", HandleImportUsers(deps.Syncer))
		admin.GET("/stats", HandleStats(deps.Stats))
		admin.GET("/users", HandleListUsers(deps.Store))
		admin.GET("/users/:user/prs", HandleListUserPRs(deps.Store, deps.Stats))
		admin.POST("/repositories/:id/red-flag", HandleRedFlagRepository(deps.Store))
		admin.POST("/pull-requests/:id/red-flag", HandleRedFlagPullRequest(deps.Store))
	}

	return r
}

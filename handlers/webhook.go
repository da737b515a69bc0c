package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"pr-tracker/services"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v71/github"
)

// UserRefresher は 1 ユーザー分の PR を同期する
type UserRefresher interface {
	RefreshUser(ctx context.Context, username string) (*services.RefreshResult, error)
}

// HandleGitHubWebhook は pull_request イベントの作成者を同期する
// secret が空の場合は署名を検証しない
func HandleGitHubWebhook(refresher UserRefresher, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := github.ValidatePayload(c.Request, []byte(secret))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		eventType := github.WebHookType(c.Request)
		switch eventType {
		case "ping", "pull_request":
		default:
			c.JSON(http.StatusOK, gin.H{"message": "event ignored", "event": eventType})
			return
		}

		event, err := github.ParseWebHook(eventType, payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot parse webhook"})
			return
		}

		switch e := event.(type) {
		case *github.PingEvent:
			c.JSON(http.StatusOK, gin.H{"message": "pong"})
		case *github.PullRequestEvent:
			handlePullRequestEvent(c, refresher, e)
		default:
			c.Status(http.StatusOK)
		}
	}
}

func handlePullRequestEvent(c *gin.Context, refresher UserRefresher, e *github.PullRequestEvent) {
	author := e.GetPullRequest().GetUser().GetLogin()
	if e.GetAction() == "" || author == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pull_request event has no action or author"})
		return
	}

	log.Printf("pull_request %s by %s (%s#%d)", e.GetAction(), author, e.GetRepo().GetFullName(), e.GetNumber())

	// GitHub が接続を切っても同期は最後まで進める
	res, err := refresher.RefreshUser(context.WithoutCancel(c.Request.Context()), author)
	if errors.Is(err, services.ErrUserNotFound) {
		c.JSON(http.StatusOK, gin.H{"message": "user is not tracked", "username": author, "skipped": true})
		return
	}
	if err != nil {
		// イベント自体は受け付けたので 200 で理由だけ返す
		log.Printf("webhook refresh failed for %s: %v", author, err)
		c.JSON(http.StatusOK, gin.H{"message": "refresh failed", "username": author, "reason": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "refreshed", "username": author, "result": res})
}

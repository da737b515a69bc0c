package handlers

import (
	"net/http"
	"strconv"

	"pr-tracker/services"

	"github.com/gin-gonic/gin"
)

const defaultLeaderboardLimit = 100

// HandleLeaderboard はマージ済み PR 数の多い順にユーザーを返す
// limit=0 で全件
func HandleLeaderboard(reader services.StatsReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultLeaderboardLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}

		entries, err := reader.Leaderboard(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"leaderboard": entries, "total": len(entries)})
	}
}

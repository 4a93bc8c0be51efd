package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/internal/services"
)

// RateLimit throttles the upload endpoint per client. Authenticated callers
// are keyed by user id, anonymous ones by client IP.
func RateLimit(rateLimitService *services.RateLimitService, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("user_id")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		allowed, remaining, err := rateLimitService.IsAllowed(clientID)
		if err != nil {
			logger.WithError(err).Error("Rate limit check failed")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "RATE_LIMIT_EXCEEDED",
					"message": "Too many requests, slow down",
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

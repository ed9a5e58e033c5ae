package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stream254/throttle/internal/middleware"
	"github.com/stream254/throttle/internal/service"
	"go.uber.org/zap"
)

// Maps service errors to responses
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var limited *service.RateLimitedError
	switch {
	case errors.As(err, &limited):
		middleware.SetRateLimitHeaders(c, limited.Result)
		middleware.RespondRateLimited(c, limited.Result)
	case errors.Is(err, service.ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidCode):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		logger.Error("request failed",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
	}
}

func requestMeta(c *gin.Context) service.RequestMeta {
	return service.RequestMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

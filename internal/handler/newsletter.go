package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stream254/throttle/internal/middleware"
	"github.com/stream254/throttle/internal/service"
	"go.uber.org/zap"
)

type NewsletterHandler struct {
	service *service.NewsletterService
	logger  *zap.Logger
}

func NewNewsletterHandler(service *service.NewsletterService, logger *zap.Logger) *NewsletterHandler {
	return &NewsletterHandler{service: service, logger: logger}
}

func (h *NewsletterHandler) Subscribe(c *gin.Context) {
	var req struct {
		Email  string `json:"email" binding:"required"`
		Source string `json:"source"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, result, err := h.service.Subscribe(c.Request.Context(), req.Email, req.Source, requestMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	middleware.SetRateLimitHeaders(c, result)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"subscribed": true})
}

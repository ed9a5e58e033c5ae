package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stream254/throttle/internal/middleware"
	"github.com/stream254/throttle/internal/service"
	"go.uber.org/zap"
)

type OTPHandler struct {
	service *service.OTPService
	logger  *zap.Logger
}

func NewOTPHandler(service *service.OTPService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{service: service, logger: logger}
}

func (h *OTPHandler) Request(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.RequestCode(c.Request.Context(), req.Email, requestMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	middleware.SetRateLimitHeaders(c, result)
	c.JSON(http.StatusAccepted, gin.H{
		"message":    "Code sent",
		"expires_in": int(service.DefaultCodeTTL.Seconds()),
	})
}

func (h *OTPHandler) Verify(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Code  string `json:"code" binding:"required,len=6,numeric"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.VerifyCode(c.Request.Context(), req.Email, req.Code, requestMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	middleware.SetRateLimitHeaders(c, result)
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

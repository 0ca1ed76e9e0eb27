package handlers

import (
	"net/http"

	"github.com/Dhoini/travel-entitlements/internal/api/rest/middleware"
	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/service"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/gin-gonic/gin"
)

// AuthHandler состояние аутентификации и подписки вызывающего
type AuthHandler struct {
	subscriptions service.SubscriptionService
	log           *logger.Logger
}

func NewAuthHandler(subscriptions service.SubscriptionService, log *logger.Logger) *AuthHandler {
	return &AuthHandler{subscriptions: subscriptions, log: log}
}

// CheckAuth GET /api/check_auth
func (h *AuthHandler) CheckAuth(c *gin.Context) {
	_, account := middleware.Caller(c)
	if account == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}

	status, fresh, err := h.subscriptions.Status(c.Request.Context(), account.ID)
	if err != nil {
		h.log.Errorw("Failed to load subscription status", "accountID", account.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": http.StatusText(http.StatusInternalServerError)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated":       true,
		"account_id":          fresh.ID,
		"email":               fresh.Email,
		"pending_completion":  fresh.PendingCompletion,
		"subscription_active": status == domain.SubscriptionStatusActive,
		"subscription_status": status,
	})
}

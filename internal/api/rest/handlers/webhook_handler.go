package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/travel-entitlements/internal/api/rest/middleware"
	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/service"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/Dhoini/travel-entitlements/pkg/req"
	"github.com/gin-gonic/gin"
)

// WebhookHandler обработчик вебхуков платёжных провайдеров
type WebhookHandler struct {
	webhooks     service.WebhookService
	maxBodyBytes int64
	log          *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(webhooks service.WebhookService, maxBodyBytes int64, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, maxBodyBytes: maxBodyBytes, log: log}
}

// HandleWebhook POST /webhook/:provider. Отправителю уходит только статус,
// без подробностей о том, что случилось с аккаунтом.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	provider := c.Param("provider")

	// Подпись проверяется по исходным байтам, тело читается до разбора
	raw, err := req.ReadRaw(c.Request, h.maxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, req.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.log.Warnw("Failed to read webhook body", "provider", provider, "error", err)
		h.fail(c, status)
		return
	}

	result, err := h.webhooks.ProcessWebhook(c.Request.Context(), provider, raw, c.Request.Header)
	if status := StatusFor(err); status != http.StatusOK {
		if status == http.StatusInternalServerError {
			h.log.Errorw("Webhook processing failed", "provider", provider, "error", err, "request_id", middleware.RequestID(c))
		}
		h.fail(c, status)
		return
	}

	if result != nil {
		h.log.Debugw("Webhook acknowledged", "provider", provider, "kind", result.Kind,
			"outcome", result.Outcome, "duplicate", result.Duplicate, "ignored", result.Ignored)
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) fail(c *gin.Context, status int) {
	c.JSON(status, gin.H{"error": http.StatusText(status)})
}

// StatusFor переводит ошибку обработки вебхука в HTTP статус
func StatusFor(err error) int {
	switch {
	case err == nil, errors.Is(err, domain.ErrDuplicate):
		return http.StatusOK
	case errors.Is(err, domain.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

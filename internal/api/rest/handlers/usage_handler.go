package handlers

import (
	"net/http"

	"github.com/Dhoini/travel-entitlements/internal/api/rest/middleware"
	"github.com/Dhoini/travel-entitlements/internal/service"
	"github.com/gin-gonic/gin"
)

// UsageHandler остаток бесплатных использований и доступ к платным функциям
type UsageHandler struct {
	gate service.AccessGate
}

func NewUsageHandler(gate service.AccessGate) *UsageHandler {
	return &UsageHandler{gate: gate}
}

// CheckUsage GET /api/check_usage
func (h *UsageHandler) CheckUsage(c *gin.Context) {
	identity, account := middleware.Caller(c)
	c.JSON(http.StatusOK, h.gate.Usage(c.Request.Context(), identity, account))
}

// Feature POST /api/feature/:feature. Сама функция выполняется внешним
// сервисом, здесь только подтверждается, что доступ выдан.
func (h *UsageHandler) Feature(c *gin.Context) {
	decision, _ := middleware.Decision(c)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"feature": c.Param("feature"),
		"source":  decision.Source,
	})
}

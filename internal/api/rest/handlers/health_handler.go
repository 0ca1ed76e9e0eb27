package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler обработчик для проверки работоспособности сервиса
type HealthHandler struct {
	started time.Time
	storage string
}

func NewHealthHandler(storage string) *HealthHandler {
	return &HealthHandler{started: time.Now(), storage: storage}
}

// HealthCheck GET /health
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "OK",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(h.started).Truncate(time.Second).String(),
		"storage": h.storage,
	})
}

package middleware

import (
	"net/http"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/service"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/gin-gonic/gin"
)

const contextDecisionKey = "decision"

// RequireAccess пропускает запрос к платной функции только после решения шлюза.
// Пустой feature берётся из параметра маршрута :feature.
func RequireAccess(gate service.AccessGate, feature string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := feature
		if name == "" {
			name = c.Param("feature")
		}
		identity, account := Caller(c)

		decision, err := gate.CheckAccess(c.Request.Context(), name, identity, account)
		if err != nil {
			log.Errorw("Access check failed", "feature", name, "error", err, "request_id", RequestID(c))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": http.StatusText(http.StatusInternalServerError),
			})
			return
		}
		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   decision.Reason,
				"message": denyMessage(decision.Reason),
			})
			return
		}

		c.Set(contextDecisionKey, decision)
		c.Next()
	}
}

// Decision решение шлюза для текущего запроса
func Decision(c *gin.Context) (domain.Decision, bool) {
	v, ok := c.Get(contextDecisionKey)
	if !ok {
		return domain.Decision{}, false
	}
	d, ok := v.(domain.Decision)
	return d, ok
}

func denyMessage(reason domain.DenyReason) string {
	if reason == domain.DenyLoginRequired {
		return "Free uses exhausted. Log in or create an account to continue."
	}
	return "An active subscription is required to use this feature."
}

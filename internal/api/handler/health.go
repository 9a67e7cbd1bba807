package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/cdrledger/internal/health"
)

// HealthSource reports component health.
type HealthSource interface {
	Snapshot() health.Snapshot
}

// Healthz returns the liveness handler. The process stays live while a
// dependency is degraded, so the status code is 200 either way and the
// body carries the per-component detail. A nil src reports "ok".
func Healthz(src HealthSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		if src == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusOK, src.Snapshot())
	}
}

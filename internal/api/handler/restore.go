package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/cdrledger/internal/auth"
	"github.com/jmerrifield20/cdrledger/internal/pipeline"
	"go.uber.org/zap"
)

// Restorer replays the local backup through the pipeline.
type Restorer interface {
	Restore(ctx context.Context) (pipeline.RestoreSummary, error)
}

// RestoreHandler serves the operator-only bulk restore.
type RestoreHandler struct {
	restorer Restorer
	tokens   *auth.TokenIssuer
	logger   *zap.Logger
}

// NewRestoreHandler creates a RestoreHandler.
func NewRestoreHandler(restorer Restorer, tokens *auth.TokenIssuer, logger *zap.Logger) *RestoreHandler {
	return &RestoreHandler{restorer: restorer, tokens: tokens, logger: logger}
}

// Register mounts POST /restore behind the operator token check.
func (h *RestoreHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/restore", auth.RequireOperator(h.tokens, auth.ScopeRestore), h.Restore)
}

// Restore handles POST /restore.
func (h *RestoreHandler) Restore(c *gin.Context) {
	operator := ""
	if claims := auth.ClaimsFromCtx(c); claims != nil {
		operator = claims.Subject
	}
	h.logger.Info("restore requested", zap.String("operator", operator))

	summary, err := h.restorer.Restore(c.Request.Context())
	if err != nil {
		h.logger.Error("restore", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

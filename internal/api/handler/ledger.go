package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/cdrledger/internal/faults"
	"github.com/jmerrifield20/cdrledger/internal/ledger"
	"go.uber.org/zap"
)

// MappedIndices lists the ledger indices that have a content address.
type MappedIndices interface {
	Indices() []int
}

// LedgerHandler reports on the anchoring ledger as a whole: how many call
// records it holds, how many of those can be verified, and whether the hash
// chain is intact.
type LedgerHandler struct {
	ledger  ledger.Ledger
	mapped  MappedIndices
	address string
	logger  *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler. address identifies the deployed
// ledger.
func NewLedgerHandler(led ledger.Ledger, mapped MappedIndices, address string, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: led, mapped: mapped, address: address, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
	}
}

// LedgerHead summarises the most recent anchored record.
type LedgerHead struct {
	Index       int       `json:"index"`
	Caller      string    `json:"caller"`
	Callee      string    `json:"callee"`
	Fingerprint string    `json:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// LedgerOverview is the body of GET /ledger.
type LedgerOverview struct {
	Address string      `json:"address"`
	Entries int         `json:"entries"`
	Mapped  int         `json:"mapped"`
	Pending int         `json:"pending"` // entries with no content address yet
	Root    string      `json:"root"`
	Head    *LedgerHead `json:"head,omitempty"`
}

// Overview handles GET /ledger.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	n, err := h.ledger.Len(ctx)
	if err != nil {
		h.fail(c, "ledger Len", err)
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		h.fail(c, "ledger Root", err)
		return
	}

	ov := LedgerOverview{Address: h.address, Entries: n, Root: root}
	for _, idx := range h.mapped.Indices() {
		// Mappings beyond the ledger length point at nothing anchored.
		if idx < n {
			ov.Mapped++
		}
	}
	ov.Pending = n - ov.Mapped

	if n > 0 {
		e, err := h.ledger.Get(ctx, n-1)
		if err != nil && !errors.Is(err, faults.ErrNotFound) {
			h.fail(c, "ledger Get head", err)
			return
		}
		if e != nil {
			ov.Head = &LedgerHead{
				Index:       e.Index,
				Caller:      e.Caller,
				Callee:      e.Callee,
				Fingerprint: e.Fingerprint,
				RecordedAt:  e.RecordedAt,
			}
		}
	}
	c.JSON(http.StatusOK, ov)
}

// Verify handles GET /ledger/verify. A broken chain is a 200 with
// valid=false; only a failure to read the ledger is an error status.
func (h *LedgerHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := h.ledger.Len(ctx)
	if err != nil {
		h.fail(c, "ledger Len", err)
		return
	}
	if err := h.ledger.Verify(ctx); err != nil {
		if errors.Is(err, faults.ErrUnavailable) {
			h.fail(c, "ledger Verify", err)
			return
		}
		h.logger.Warn("hash chain broken", zap.Int("entries", n), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "entries": n, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "entries": n})
}

func (h *LedgerHandler) fail(c *gin.Context, op string, err error) {
	h.logger.Error(op, zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": "failed to query ledger"})
}

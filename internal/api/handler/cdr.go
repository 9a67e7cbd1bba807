package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/cdrledger/internal/billing"
	"github.com/jmerrifield20/cdrledger/internal/faults"
	"github.com/jmerrifield20/cdrledger/internal/ledger"
	"github.com/jmerrifield20/cdrledger/internal/offchain"
	"github.com/jmerrifield20/cdrledger/internal/verify"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Verifier checks one ledger index against its payload.
type Verifier interface {
	Verify(ctx context.Context, index int) verify.Report
}

// Biller prices a verified record.
type Biller interface {
	Bill(ctx context.Context, index int) (*billing.Bill, error)
}

// Mappings resolves a ledger index to a content address.
type Mappings interface {
	Get(index int) (string, error)
}

// CDRHandler serves the call record views: listing, lookup, verification
// and billing.
type CDRHandler struct {
	ledger   ledger.Ledger
	mappings Mappings
	verifier Verifier
	biller   Biller
	gateways []string
	logger   *zap.Logger
}

// NewCDRHandler creates a CDRHandler. gateways are used to build read URLs
// for each record's payload and may be empty.
func NewCDRHandler(led ledger.Ledger, mappings Mappings, verifier Verifier, biller Biller, gateways []string, logger *zap.Logger) *CDRHandler {
	return &CDRHandler{
		ledger:   led,
		mappings: mappings,
		verifier: verifier,
		biller:   biller,
		gateways: gateways,
		logger:   logger,
	}
}

// Register mounts the record routes on the given router group.
func (h *CDRHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/cdrs")
	{
		g.GET("", h.List)
		g.GET("/:idx", h.Get)
		g.GET("/:idx/verify", h.Verify)
		g.GET("/:idx/bill", h.Bill)
	}
}

// ListItem is one row of GET /cdrs.
type ListItem struct {
	Index       int    `json:"index"`
	Caller      string `json:"caller"`
	Callee      string `json:"callee"`
	Duration    int64  `json:"duration"`
	Timestamp   string `json:"timestamp"`
	Fingerprint string `json:"fingerprint"`
	Address     string `json:"address,omitempty"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// List handles GET /cdrs: one page of ledger records, each verified.
// Query parameters: offset (default 0), limit (default 50, max 500).
func (h *CDRHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	total, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	items := make([]ListItem, 0, min(limit, max(total-offset, 0)))
	for idx := offset; idx < total && idx < offset+limit; idx++ {
		rep := h.verifier.Verify(ctx, idx)
		item := ListItem{
			Index:   idx,
			Address: rep.Address,
			Status:  rep.QueryStatus(),
		}
		if rep.Entry != nil {
			item.Caller = rep.Entry.Caller
			item.Callee = rep.Entry.Callee
			item.Duration = rep.Entry.Duration
			item.Timestamp = rep.Entry.Timestamp
			item.Fingerprint = rep.Entry.Fingerprint
		}
		if !rep.Verified() {
			item.Reason = rep.Reason
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   total,
		"offset":  offset,
		"limit":   limit,
		"records": items,
	})
}

// Get handles GET /cdrs/:idx: the ledger entry with its content address
// and gateway URLs. A record without a mapping is returned with an empty
// address.
func (h *CDRHandler) Get(c *gin.Context) {
	idx, ok := indexParam(c)
	if !ok {
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), idx)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		h.logger.Error("ledger Get", zap.Int("idx", idx), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to query ledger"})
		return
	}

	resp := gin.H{"entry": entry}
	if addr, err := h.mappings.Get(idx); err == nil {
		urls := make([]string, 0, len(h.gateways))
		for _, gw := range h.gateways {
			urls = append(urls, offchain.GatewayURL(gw, addr))
		}
		resp["address"] = addr
		resp["gateway_urls"] = urls
	}
	c.JSON(http.StatusOK, resp)
}

// Verify handles GET /cdrs/:idx/verify. The report is returned with 200 for
// every outcome except an index that is not on the ledger.
func (h *CDRHandler) Verify(c *gin.Context) {
	idx, ok := indexParam(c)
	if !ok {
		return
	}

	rep := h.verifier.Verify(c.Request.Context(), idx)
	if rep.Status == verify.StatusNotFound {
		c.JSON(http.StatusNotFound, rep)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Bill handles GET /cdrs/:idx/bill. Records that do not verify are refused
// with 403 and the verification status.
func (h *CDRHandler) Bill(c *gin.Context) {
	idx, ok := indexParam(c)
	if !ok {
		return
	}

	bill, err := h.biller.Bill(c.Request.Context(), idx)
	if err != nil {
		var denied *billing.DeniedError
		if errors.As(err, &denied) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":  "denied",
				"status": denied.Report.Status,
				"reason": denied.Report.Reason,
			})
			return
		}
		h.logger.Error("bill", zap.Int("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute bill"})
		return
	}
	c.JSON(http.StatusOK, bill)
}

func indexParam(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return 0, false
	}
	return idx, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

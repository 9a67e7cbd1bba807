package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors matched by *APIError through errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrDenied       = errors.New("billing denied")
)

// APIError is a non-2xx response from the Query API.
type APIError struct {
	StatusCode int
	Message    string // the "error" member of the body
	Status     string // verification status, set on billing denials
	Reason     string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("HTTP %d: %s (status %s: %s)", e.StatusCode, e.Message, e.Status, e.Reason)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Is maps the status code onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || (e.StatusCode == http.StatusForbidden && e.Message != "denied")
	case ErrDenied:
		return e.StatusCode == http.StatusForbidden && e.Message == "denied"
	}
	return false
}

// Entry is a ledger entry.
type Entry struct {
	Index       int       `json:"index"`
	Caller      string    `json:"caller"`
	Callee      string    `json:"callee"`
	Duration    int64     `json:"duration"`
	Status      string    `json:"status"`
	Timestamp   string    `json:"timestamp"`
	Fingerprint string    `json:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// Record is the response of GET /api/v1/cdrs/:idx. Address is empty while
// the record has no mapping.
type Record struct {
	Entry       Entry    `json:"entry"`
	Address     string   `json:"address,omitempty"`
	GatewayURLs []string `json:"gateway_urls,omitempty"`
}

// ListItem is one row of a record listing.
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

// ListPage is the response of GET /api/v1/cdrs.
type ListPage struct {
	Total   int        `json:"total"`
	Offset  int        `json:"offset"`
	Limit   int        `json:"limit"`
	Records []ListItem `json:"records"`
}

// CallRecord is the decoded off-chain record attached to a report.
type CallRecord struct {
	Caller   string `json:"caller"`
	Callee   string `json:"callee"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Duration int64  `json:"duration"`
	Status   string `json:"status,omitempty"`
	CallType string `json:"call_type,omitempty"`
	Network  string `json:"network,omitempty"`
	Cost     string `json:"cost,omitempty"`
}

// Report is a verification report.
type Report struct {
	Status     string      `json:"status"`
	Index      int         `json:"index"`
	Entry      *Entry      `json:"entry,omitempty"`
	Address    string      `json:"address,omitempty"`
	Record     *CallRecord `json:"record,omitempty"`
	Recomputed string      `json:"recomputed,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Verified reports whether the entry and payload agree.
func (r *Report) Verified() bool { return r.Status == "verified" }

// Bill is a priced call.
type Bill struct {
	Index         int     `json:"index"`
	Caller        string  `json:"caller"`
	Callee        string  `json:"callee"`
	Start         string  `json:"start"`
	Duration      int64   `json:"duration"`
	RatePerSecond float64 `json:"rate_per_second"`
	Cost          float64 `json:"cost"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency,omitempty"`
	Address       string  `json:"address"`
	Fingerprint   string  `json:"fingerprint"`
}

// RestoreSummary reports a bulk restore.
type RestoreSummary struct {
	Total    int `json:"total"`
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
	Repaired int `json:"repaired"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
}

// LedgerOverview is the response of GET /api/v1/ledger.
type LedgerOverview struct {
	Address string      `json:"address"`
	Entries int         `json:"entries"`
	Mapped  int         `json:"mapped"`
	Pending int         `json:"pending"`
	Root    string      `json:"root"`
	Head    *LedgerHead `json:"head,omitempty"`
}

// LedgerHead is the most recent anchored record.
type LedgerHead struct {
	Index       int       `json:"index"`
	Caller      string    `json:"caller"`
	Callee      string    `json:"callee"`
	Fingerprint string    `json:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Client talks to a cdrd instance.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout. Listing verifies every record
// on the page, so large pages may need more than the 30s default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development behind a self-signed proxy.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
		return nil
	}
}

// New creates a Client for the API at base, e.g. "http://localhost:8080".
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(token),
//	)
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", base, err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// List returns one page of records with their verification status. A
// limit of zero uses the server default.
func (c *Client) List(ctx context.Context, offset, limit int) (*ListPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page ListPage
	if err := c.get(ctx, "/api/v1/cdrs?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Get returns the ledger entry at index with its content address.
func (c *Client) Get(ctx context.Context, index int) (*Record, error) {
	var rec Record
	if err := c.get(ctx, cdrPath(index, ""), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Verify verifies the record at index. Every outcome other than an index
// that is not on the ledger is returned as a Report with a nil error.
func (c *Client) Verify(ctx context.Context, index int) (*Report, error) {
	var rep Report
	if err := c.get(ctx, cdrPath(index, "/verify"), &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Bill prices the record at index. A record that does not verify yields an
// *APIError matching ErrDenied whose Status carries the verification status.
func (c *Client) Bill(ctx context.Context, index int) (*Bill, error) {
	var b Bill
	if err := c.get(ctx, cdrPath(index, "/bill"), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Restore replays the daemon's local backup. Requires an operator token.
func (c *Client) Restore(ctx context.Context) (*RestoreSummary, error) {
	var s RestoreSummary
	if err := c.call(ctx, http.MethodPost, "/api/v1/restore", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Ledger returns the chain overview.
func (c *Client) Ledger(ctx context.Context) (*LedgerOverview, error) {
	var o LedgerOverview
	if err := c.get(ctx, "/api/v1/ledger", &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// VerifyLedger walks the chain on the server. A broken chain is reported as
// an error.
func (c *Client) VerifyLedger(ctx context.Context) error {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.get(ctx, "/api/v1/ledger/verify", &resp); err != nil {
		return err
	}
	if !resp.Valid {
		return fmt.Errorf("ledger integrity: %s", resp.Error)
	}
	return nil
}

func cdrPath(index int, suffix string) string {
	return "/api/v1/cdrs/" + strconv.Itoa(index) + suffix
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.call(ctx, http.MethodGet, path, out)
}

func (c *Client) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error  string `json:"error"`
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Status = payload.Status
			apiErr.Reason = payload.Reason
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}

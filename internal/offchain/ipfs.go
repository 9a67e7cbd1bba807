package offchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/faults"
	"go.uber.org/zap"
)

const maxBody = 1 << 20 // 1 MB

// IPFSConfig holds the IPFS endpoints.
type IPFSConfig struct {
	APIURL     string        // HTTP RPC API, e.g. "http://127.0.0.1:5001"
	Gateways   []string      // read gateways, most preferred first
	APITimeout time.Duration // per add/pin call; default 30s
	GetTimeout time.Duration // per gateway attempt; default 5s
}

// IPFSStore is a Store backed by an IPFS node's HTTP API for writes and one
// or more HTTP gateways for reads.
type IPFSStore struct {
	cfg        IPFSConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// DefaultGateways are tried in order: the local node first, then the public
// gateway.
var DefaultGateways = []string{"http://127.0.0.1:8080", "https://ipfs.io"}

// NewIPFSStore creates an IPFSStore.
func NewIPFSStore(cfg IPFSConfig, logger *zap.Logger) *IPFSStore {
	if cfg.APIURL == "" {
		cfg.APIURL = "http://127.0.0.1:5001"
	}
	if len(cfg.Gateways) == 0 {
		cfg.Gateways = DefaultGateways
	}
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 30 * time.Second
	}
	if cfg.GetTimeout == 0 {
		cfg.GetTimeout = 5 * time.Second
	}
	return &IPFSStore{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Gateways returns the configured read gateways.
func (s *IPFSStore) Gateways() []string { return s.cfg.Gateways }

// Put implements Store via POST /api/v0/add.
func (s *IPFSStore) Put(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "cdr.json")
	if err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.APITimeout)
	defer cancel()

	endpoint := strings.TrimRight(s.cfg.APIURL, "/") + "/api/v0/add?pin=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	respBody, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}

	// The add endpoint streams one JSON object per added file.
	obj, err := firstObject(respBody)
	if err != nil {
		return "", fmt.Errorf("ipfs add response: %w", err)
	}
	cid, _ := obj["Hash"].(string)
	if cid == "" {
		return "", fmt.Errorf("ipfs add response: %w: missing Hash", faults.ErrMalformed)
	}
	return cid, nil
}

// Pin implements Store via POST /api/v0/pin/add.
func (s *IPFSStore) Pin(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.APITimeout)
	defer cancel()

	endpoint := strings.TrimRight(s.cfg.APIURL, "/") + "/api/v0/pin/add?arg=" + url.QueryEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build pin request: %w", err)
	}
	if _, err := s.do(req); err != nil {
		return fmt.Errorf("ipfs pin %s: %w", address, err)
	}
	return nil
}

// Get implements Store. Each gateway gets its own timeout; the first one to
// return a decodable payload wins. When all fail, the reported error is
// ErrMalformed if any gateway returned an undecodable body, ErrNotFound if
// every gateway reported the address missing, and ErrUnavailable otherwise.
func (s *IPFSStore) Get(ctx context.Context, address string) (*Payload, error) {
	var errs []error
	malformed, notFound := false, 0

	for _, gw := range s.cfg.Gateways {
		p, err := s.getFrom(ctx, gw, address)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Debug("gateway fetch failed",
			zap.String("gateway", gw),
			zap.String("address", address),
			zap.Error(err),
		)
		switch {
		case errors.Is(err, faults.ErrMalformed):
			malformed = true
		case errors.Is(err, faults.ErrNotFound):
			notFound++
		}
		errs = append(errs, err)
	}

	joined := errors.Join(errs...)
	switch {
	case malformed:
		return nil, fmt.Errorf("%w: %w", faults.ErrMalformed, joined)
	case notFound == len(s.cfg.Gateways):
		return nil, fmt.Errorf("%w: %w", faults.ErrNotFound, joined)
	default:
		return nil, fmt.Errorf("%w: %w", faults.ErrUnavailable, joined)
	}
}

// Ping checks that the node's RPC API answers POST /api/v0/version.
func (s *IPFSStore) Ping(ctx context.Context) error {
	endpoint := strings.TrimRight(s.cfg.APIURL, "/") + "/api/v0/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build version request: %w", err)
	}
	if _, err := s.do(req); err != nil {
		return fmt.Errorf("ipfs version: %w", err)
	}
	return nil
}

// GatewayURL returns the read URL of address on gateway.
func GatewayURL(gateway, address string) string {
	return strings.TrimRight(gateway, "/") + "/ipfs/" + url.PathEscape(address)
}

func (s *IPFSStore) getFrom(ctx context.Context, gateway, address string) (*Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GetTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, GatewayURL(gateway, address), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := s.do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", gateway, err)
	}
	p, err := DecodePayload(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", gateway, err)
	}
	return p, nil
}

// do executes req and maps the outcome onto the fault categories.
func (s *IPFSStore) do(req *http.Request) ([]byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", faults.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", faults.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: HTTP 404", faults.ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: HTTP %d: %s", faults.ErrUnavailable, resp.StatusCode, truncate(body))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body))
	}
	return body, nil
}

func truncate(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

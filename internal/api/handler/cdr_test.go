package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/cdrledger/internal/api/handler"
	"github.com/jmerrifield20/cdrledger/internal/auth"
	"github.com/jmerrifield20/cdrledger/internal/billing"
	"github.com/jmerrifield20/cdrledger/internal/cdr"
	"github.com/jmerrifield20/cdrledger/internal/ledger"
	"github.com/jmerrifield20/cdrledger/internal/mapping"
	"github.com/jmerrifield20/cdrledger/internal/offchain"
	"github.com/jmerrifield20/cdrledger/internal/pipeline"
	"github.com/jmerrifield20/cdrledger/internal/verify"
	"go.uber.org/zap"
)

var ctx = context.Background()

func init() {
	gin.SetMode(gin.TestMode)
}

// ── Stubs ────────────────────────────────────────────────────────────────

type stubRestorer struct {
	summary pipeline.RestoreSummary
	calls   int
}

func (s *stubRestorer) Restore(context.Context) (pipeline.RestoreSummary, error) {
	s.calls++
	return s.summary, nil
}

// ── Fixture ──────────────────────────────────────────────────────────────

type fixture struct {
	store    *offchain.MemoryStore
	led      *ledger.MemoryLedger
	maps     *mapping.Store
	p        *pipeline.Pipeline
	restorer *stubRestorer
	tokens   *auth.TokenIssuer
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	maps, err := mapping.Open(filepath.Join(t.TempDir(), "mapping.json"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:    offchain.NewMemoryStore(),
		led:      ledger.New(),
		maps:     maps,
		restorer: &stubRestorer{summary: pipeline.RestoreSummary{Total: 3, Restored: 1, Skipped: 2}},
		tokens:   auth.NewTokenIssuer("s3cret", "cdrledger", time.Hour),
	}
	f.p = pipeline.New(pipeline.Config{}, f.store, f.led, f.maps, nil, zap.NewNop())

	v := verify.New(f.led, f.maps, f.store, zap.NewNop())
	b := billing.New(billing.Config{RatePerSecond: 0.05, Decimals: 2, Currency: "USD"}, v)

	f.router = gin.New()
	v1 := f.router.Group("/api/v1")
	handler.NewCDRHandler(f.led, f.maps, v, b, []string{"http://127.0.0.1:8080", "https://ipfs.io"}, zap.NewNop()).Register(v1)
	handler.NewLedgerHandler(f.led, f.maps, "memory", zap.NewNop()).Register(v1)
	handler.NewRestoreHandler(f.restorer, f.tokens, zap.NewNop()).Register(v1)
	return f
}

func (f *fixture) ingest(t *testing.T, caller string, duration int64) pipeline.Result {
	t.Helper()
	res := f.p.Ingest(ctx, cdr.CallRecord{
		Caller:   caller,
		Callee:   "bob",
		Start:    "1000",
		End:      strconv.FormatInt(1000+duration, 10),
		Duration: duration,
		Status:   "ANSWERED",
	})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	return res
}

func (f *fixture) do(t *testing.T, method, path, bearer string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestListCDRs_statuses(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "alice", 10)
	tampered := f.ingest(t, "carol", 20)
	// A ledger entry with no mapping yet.
	if _, err := f.led.Append(ctx, ledger.Record{Caller: "dave", Callee: "bob", Fingerprint: "ff"}); err != nil {
		t.Fatal(err)
	}

	forged, _ := offchain.EncodePayload(cdr.CanonicalForm(`{"callee":"bob","caller":"mallory","duration":"20","end":"1020","start":"1000","status":"ANSWERED"}`))
	f.store.Tamper(tampered.Address, forged)

	w, body := f.do(t, http.MethodGet, "/api/v1/cdrs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if int(body["total"].(float64)) != 3 {
		t.Errorf("total: got %v", body["total"])
	}

	records := body["records"].([]any)
	want := []string{"verified", "mismatch", "pending"}
	if len(records) != len(want) {
		t.Fatalf("records: got %d, want %d", len(records), len(want))
	}
	for i, r := range records {
		if got := r.(map[string]any)["status"]; got != want[i] {
			t.Errorf("record %d status: got %v, want %s", i, got, want[i])
		}
	}
}

func TestListCDRs_paging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.ingest(t, "caller"+strconv.Itoa(i), 10)
	}

	_, body := f.do(t, http.MethodGet, "/api/v1/cdrs?offset=3&limit=10", "")
	records := body["records"].([]any)
	if len(records) != 2 {
		t.Fatalf("records: got %d, want 2", len(records))
	}
	if idx := records[0].(map[string]any)["index"].(float64); idx != 3 {
		t.Errorf("first index: got %v", idx)
	}

	w, _ := f.do(t, http.MethodGet, "/api/v1/cdrs?limit=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d", w.Code)
	}
}

func TestGetCDR(t *testing.T) {
	f := newFixture(t)
	res := f.ingest(t, "alice", 10)

	w, body := f.do(t, http.MethodGet, "/api/v1/cdrs/0", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body["address"] != res.Address {
		t.Errorf("address: got %v, want %s", body["address"], res.Address)
	}
	urls := body["gateway_urls"].([]any)
	if len(urls) != 2 || urls[1] != "https://ipfs.io/ipfs/"+res.Address {
		t.Errorf("gateway urls: %v", urls)
	}

	if w, _ := f.do(t, http.MethodGet, "/api/v1/cdrs/9", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing: got %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/v1/cdrs/-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative: got %d", w.Code)
	}
}

func TestVerifyCDR(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "alice", 10)

	w, body := f.do(t, http.MethodGet, "/api/v1/cdrs/0/verify", "")
	if w.Code != http.StatusOK || body["status"] != "verified" {
		t.Fatalf("got %d %v", w.Code, body)
	}

	w, body = f.do(t, http.MethodGet, "/api/v1/cdrs/4/verify", "")
	if w.Code != http.StatusNotFound || body["status"] != "not_found" {
		t.Errorf("got %d %v", w.Code, body)
	}
}

func TestBillCDR(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "alice", 120)

	w, body := f.do(t, http.MethodGet, "/api/v1/cdrs/0/bill", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body["amount"] != "6.00" || body["currency"] != "USD" {
		t.Errorf("bill: %v", body)
	}
}

func TestBillCDR_deniedOnMismatch(t *testing.T) {
	f := newFixture(t)
	res := f.ingest(t, "alice", 120)
	forged, _ := offchain.EncodePayload(cdr.CanonicalForm(`{"callee":"bob","caller":"alice","duration":"1","end":"1001","start":"1000","status":"ANSWERED"}`))
	f.store.Tamper(res.Address, forged)

	w, body := f.do(t, http.MethodGet, "/api/v1/cdrs/0/bill", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if body["error"] != "denied" || body["status"] != "mismatch" {
		t.Errorf("body: %v", body)
	}
}

func TestRestore_requiresOperatorToken(t *testing.T) {
	f := newFixture(t)

	if w, _ := f.do(t, http.MethodPost, "/api/v1/restore", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d", w.Code)
	}
	if f.restorer.calls != 0 {
		t.Fatal("restore must not run without a token")
	}

	token, _ := f.tokens.Issue("ops", []string{auth.ScopeRestore})
	w, body := f.do(t, http.MethodPost, "/api/v1/restore", token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if int(body["restored"].(float64)) != 1 || int(body["skipped"].(float64)) != 2 {
		t.Errorf("summary: %v", body)
	}
}

func TestLedgerOverview_countsPending(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "alice", 10)
	if _, err := f.led.Append(ctx, ledger.Record{Caller: "carol", Callee: "dave", Fingerprint: "fp"}); err != nil {
		t.Fatal(err)
	}

	_, body := f.do(t, http.MethodGet, "/api/v1/ledger", "")
	if int(body["entries"].(float64)) != 2 || int(body["mapped"].(float64)) != 1 || int(body["pending"].(float64)) != 1 {
		t.Errorf("overview: %v", body)
	}
	if head, _ := body["head"].(map[string]any); head == nil || head["caller"] != "carol" {
		t.Errorf("head: %v", body["head"])
	}
}

func TestLedgerOverview_empty(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/api/v1/ledger", "")
	if int(body["entries"].(float64)) != 0 || body["root"] != ledger.GenesisHash {
		t.Errorf("overview: %v", body)
	}
	if _, ok := body["head"]; ok {
		t.Errorf("empty ledger has no head: %v", body)
	}
}

func TestLedgerOverviewAndVerify(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "alice", 10)

	w, body := f.do(t, http.MethodGet, "/api/v1/ledger", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if int(body["entries"].(float64)) != 1 || body["root"] == ledger.GenesisHash {
		t.Errorf("overview: %v", body)
	}
	if int(body["mapped"].(float64)) != 1 || int(body["pending"].(float64)) != 0 {
		t.Errorf("mapping coverage: %v", body)
	}
	head, _ := body["head"].(map[string]any)
	if head == nil || head["caller"] != "alice" || int(head["index"].(float64)) != 0 {
		t.Errorf("head: %v", body["head"])
	}

	_, body = f.do(t, http.MethodGet, "/api/v1/ledger/verify", "")
	if body["valid"] != true {
		t.Errorf("verify: %v", body)
	}
}

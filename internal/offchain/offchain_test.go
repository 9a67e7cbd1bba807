package offchain_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/cdr"
	"github.com/jmerrifield20/cdrledger/internal/faults"
	"github.com/jmerrifield20/cdrledger/internal/offchain"
	"go.uber.org/zap"
)

var ctx = context.Background()

const canonical = `{"callee":"bob","caller":"alice","duration":"10","end":"1010","start":"1000"}`

// ── Payload decoding ─────────────────────────────────────────────────────

func TestEncodePayload_envelope(t *testing.T) {
	b, err := offchain.EncodePayload(cdr.CanonicalForm(canonical))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"cdr":`+canonical+`}` {
		t.Errorf("got %s", b)
	}
}

func TestDecodePayload_shapes(t *testing.T) {
	cases := map[string]string{
		"envelope object": `{"cdr":` + canonical + `}`,
		"envelope string": `{"cdr":"{\"callee\":\"bob\",\"caller\":\"alice\",\"duration\":\"10\",\"end\":\"1010\",\"start\":\"1000\"}"}`,
		"bare object":     canonical,
		"numeric values":  `{"caller":"alice","callee":"bob","duration":10,"start":"1000","end":"1010"}`,
		"trailing junk":   `{"cdr":` + canonical + "}\n\x00\x00garbage",
		"ndjson":          "garbage first\n" + canonical + "\n" + `{"caller":"x","callee":"y"}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := offchain.DecodePayload([]byte(body))
			if err != nil {
				t.Fatal(err)
			}
			form, _, err := cdr.Canonicalize(p.Record())
			if err != nil {
				t.Fatal(err)
			}
			if string(form) != canonical {
				t.Errorf("rebuilt form: got %s", form)
			}
		})
	}
}

func TestDecodePayload_malformed(t *testing.T) {
	for _, body := range []string{"", "not json", `"just a string"`, `{"cdr":42}`, `{"foo":"bar"}`} {
		if _, err := offchain.DecodePayload([]byte(body)); !errors.Is(err, faults.ErrMalformed) {
			t.Errorf("DecodePayload(%q): got %v, want ErrMalformed", body, err)
		}
	}
}

// ── MemoryStore ──────────────────────────────────────────────────────────

func TestMemoryStore_roundTrip(t *testing.T) {
	s := offchain.NewMemoryStore()
	body, _ := offchain.EncodePayload(cdr.CanonicalForm(canonical))

	a1, err := s.Put(ctx, body)
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := s.Put(ctx, body)
	if a1 != a2 {
		t.Error("same content must yield the same address")
	}

	p, err := s.Get(ctx, a1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Fields["caller"] != "alice" {
		t.Errorf("caller: got %q", p.Fields["caller"])
	}

	if err := s.Pin(ctx, a1); err != nil {
		t.Fatal(err)
	}
	if !s.Pinned(a1) {
		t.Error("expected address to be pinned")
	}

	if _, err := s.Get(ctx, "mem-missing"); !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// ── IPFSStore ────────────────────────────────────────────────────────────

func TestIPFSStore_PutAndPin(t *testing.T) {
	var pinned atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v0/add":
			if r.Method != http.MethodPost {
				t.Errorf("add method: %s", r.Method)
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
				http.Error(w, "bad", http.StatusBadRequest)
				return
			}
			b, _ := io.ReadAll(f)
			if !strings.Contains(string(b), `"caller":"alice"`) {
				t.Errorf("uploaded body: %s", b)
			}
			io.WriteString(w, `{"Name":"cdr.json","Hash":"QmTest","Size":"90"}`+"\n")
		case "/api/v0/pin/add":
			pinned.Store(r.URL.Query().Get("arg"))
			io.WriteString(w, `{"Pins":["QmTest"]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer api.Close()

	s := offchain.NewIPFSStore(offchain.IPFSConfig{APIURL: api.URL}, zap.NewNop())
	body, _ := offchain.EncodePayload(cdr.CanonicalForm(canonical))

	cid, err := s.Put(ctx, body)
	if err != nil {
		t.Fatal(err)
	}
	if cid != "QmTest" {
		t.Errorf("cid: got %q", cid)
	}

	if err := s.Pin(ctx, cid); err != nil {
		t.Fatal(err)
	}
	if pinned.Load() != "QmTest" {
		t.Errorf("pinned arg: got %v", pinned.Load())
	}
}

func TestIPFSStore_PutUnavailable(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "daemon not running", http.StatusServiceUnavailable)
	}))
	defer api.Close()

	s := offchain.NewIPFSStore(offchain.IPFSConfig{APIURL: api.URL}, zap.NewNop())
	if _, err := s.Put(ctx, []byte("{}")); !errors.Is(err, faults.ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestIPFSStore_GetFallsBackToPublicGateway(t *testing.T) {
	var localHits atomic.Int32
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		localHits.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer local.Close()

	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ipfs/QmX" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"cdr":`+canonical+`}`)
	}))
	defer public.Close()

	s := offchain.NewIPFSStore(offchain.IPFSConfig{Gateways: []string{local.URL, public.URL}}, zap.NewNop())
	p, err := s.Get(ctx, "QmX")
	if err != nil {
		t.Fatal(err)
	}
	if localHits.Load() != 1 {
		t.Errorf("local gateway should be tried first, hits=%d", localHits.Load())
	}
	if p.Fields["callee"] != "bob" {
		t.Errorf("callee: got %q", p.Fields["callee"])
	}
}

func TestIPFSStore_GetPerGatewayTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, canonical)
	}))
	defer fast.Close()

	s := offchain.NewIPFSStore(offchain.IPFSConfig{
		Gateways:   []string{slow.URL, fast.URL},
		GetTimeout: 50 * time.Millisecond,
	}, zap.NewNop())

	if _, err := s.Get(ctx, "QmX"); err != nil {
		t.Fatalf("expected fallback after local timeout, got %v", err)
	}
}

func TestIPFSStore_GetClassification(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer notFound.Close()
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not a cdr</html>")
	}))
	defer garbage.Close()

	s := offchain.NewIPFSStore(offchain.IPFSConfig{Gateways: []string{notFound.URL, notFound.URL}}, zap.NewNop())
	if _, err := s.Get(ctx, "QmX"); !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("all 404: got %v, want ErrNotFound", err)
	}

	s = offchain.NewIPFSStore(offchain.IPFSConfig{Gateways: []string{notFound.URL, garbage.URL}}, zap.NewNop())
	if _, err := s.Get(ctx, "QmX"); !errors.Is(err, faults.ErrMalformed) {
		t.Errorf("garbage body: got %v, want ErrMalformed", err)
	}
}

func TestIPFSStore_Ping(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/version" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"Version":"0.29.0"}`)
	}))
	s := offchain.NewIPFSStore(offchain.IPFSConfig{APIURL: api.URL}, zap.NewNop())
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}

	api.Close()
	if err := s.Ping(ctx); !errors.Is(err, faults.ErrUnavailable) {
		t.Errorf("closed node: got %v, want ErrUnavailable", err)
	}
}

func TestGatewayURL(t *testing.T) {
	if got := offchain.GatewayURL("https://ipfs.io/", "QmA"); got != "https://ipfs.io/ipfs/QmA" {
		t.Errorf("got %q", got)
	}
}

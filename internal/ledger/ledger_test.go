package ledger_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmerrifield20/cdrledger/internal/faults"
	"github.com/jmerrifield20/cdrledger/internal/ledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

func rec(fp string) ledger.Record {
	return ledger.Record{Caller: "alice", Callee: "bob", Duration: 10, Timestamp: "1000", Fingerprint: fp}
}

func TestNew_empty(t *testing.T) {
	l := ledger.New()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected empty ledger, got %d", n)
	}

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != ledger.GenesisHash {
		t.Errorf("Root() on empty ledger: got %q, want GenesisHash", root)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := ledger.New()

	e0, err := l.Append(ctx, rec("fp0"))
	if err != nil {
		t.Fatal(err)
	}
	e1, err := l.Append(ctx, rec("fp1"))
	if err != nil {
		t.Fatal(err)
	}

	if e0.Index != 0 || e1.Index != 1 {
		t.Errorf("indices: got %d, %d; want 0, 1", e0.Index, e1.Index)
	}
	if e0.PrevHash != ledger.GenesisHash {
		t.Errorf("first entry should chain from genesis, got %q", e0.PrevHash)
	}
	if e1.PrevHash != e0.Hash {
		t.Errorf("chain broken: e1.PrevHash=%q, want e0.Hash=%q", e1.PrevHash, e0.Hash)
	}
}

func TestAppend_concurrentIndicesUnique(t *testing.T) {
	l := ledger.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := l.Append(ctx, rec("fp"))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[e.Index] {
				t.Errorf("index %d assigned twice", e.Index)
			}
			seen[e.Index] = true
		}()
	}
	wg.Wait()

	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() after concurrent appends: %v", err)
	}
}

func TestGet_outOfRange(t *testing.T) {
	l := ledger.New()
	_, _ = l.Append(ctx, rec("fp0"))

	for _, idx := range []int{-1, 1, 99} {
		if _, err := l.Get(ctx, idx); !errors.Is(err, faults.ErrNotFound) {
			t.Errorf("Get(%d): got %v, want ErrNotFound", idx, err)
		}
	}
}

func TestGet_returnsCopy(t *testing.T) {
	l := ledger.New()
	_, _ = l.Append(ctx, rec("fp0"))

	e, _ := l.Get(ctx, 0)
	e.Fingerprint = "tampered"

	if err := l.Verify(ctx); err != nil {
		t.Errorf("mutating a returned entry must not affect the ledger: %v", err)
	}
}

func TestFindByFingerprint(t *testing.T) {
	l := ledger.New()
	_, _ = l.Append(ctx, rec("a"))
	_, _ = l.Append(ctx, rec("b"))
	_, _ = l.Append(ctx, rec("b"))

	e, err := l.FindByFingerprint(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if e.Index != 1 {
		t.Errorf("expected earliest match at 1, got %d", e.Index)
	}

	if _, err := l.FindByFingerprint(ctx, "zzz"); !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRoot_returnsLastHash(t *testing.T) {
	l := ledger.New()
	e, _ := l.Append(ctx, rec("fp"))

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e.Hash {
		t.Errorf("Root(): got %q, want %q", root, e.Hash)
	}
}

type countingDeployer struct{ calls int }

func (d *countingDeployer) Deploy(context.Context) (string, error) {
	d.calls++
	return "ledger-address-1", nil
}

func TestLoadOrDeploy_reusesPersistedAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract_address.txt")
	d := &countingDeployer{}

	addr, deployed, err := ledger.LoadOrDeploy(ctx, path, d, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if !deployed || addr != "ledger-address-1" {
		t.Errorf("first call: addr=%q deployed=%v", addr, deployed)
	}

	addr, deployed, err = ledger.LoadOrDeploy(ctx, path, d, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if deployed || addr != "ledger-address-1" {
		t.Errorf("second call: addr=%q deployed=%v", addr, deployed)
	}
	if d.calls != 1 {
		t.Errorf("Deploy called %d times, want 1", d.calls)
	}
}

func TestLoadOrDeploy_existingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract_address.txt")
	if err := os.WriteFile(path, []byte("  preexisting\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := &countingDeployer{}
	addr, deployed, err := ledger.LoadOrDeploy(ctx, path, d, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if addr != "preexisting" || deployed || d.calls != 0 {
		t.Errorf("addr=%q deployed=%v calls=%d", addr, deployed, d.calls)
	}
}

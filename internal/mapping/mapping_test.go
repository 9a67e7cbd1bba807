package mapping_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jmerrifield20/cdrledger/internal/mapping"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cdr_ipfs_map.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestMigrate_legacyScenarioC(t *testing.T) {
	path := writeFile(t, "{\"idx\":0,\"ipfs_cid\":\"Qm111\"}\n{\"idx\":1,\"ipfs_cid\":\"Qm222\"}\n")

	s, err := mapping.Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if got := readFile(t, path); got != `{"0":"Qm111","1":"Qm222"}` {
		t.Errorf("migrated file: got %s", got)
	}

	addr, err := s.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "Qm111" {
		t.Errorf("Get(0): got %q, want Qm111", addr)
	}
}

func TestMigrate_idempotent(t *testing.T) {
	path := writeFile(t, "{\"idx\":0,\"ipfs_cid\":\"Qm111\"}\nnot json\n{\"idx\":1,\"ipfs_cid\":\"Qm222\"}\n")

	first, err := mapping.Migrate(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if first.Format != mapping.FormatLegacy || !first.Rewritten || first.Skipped != 1 {
		t.Errorf("first run: %+v", first)
	}
	afterFirst := readFile(t, path)

	second, err := mapping.Migrate(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if second.Format != mapping.FormatCurrent || second.Rewritten {
		t.Errorf("second run should be a no-op: %+v", second)
	}
	if readFile(t, path) != afterFirst {
		t.Error("second migration changed the file")
	}
	if len(second.Entries) != 2 {
		t.Errorf("entries: got %d, want 2", len(second.Entries))
	}
}

func TestMigrate_laterLegacyLineWins(t *testing.T) {
	path := writeFile(t, "{\"idx\":3,\"ipfs_cid\":\"QmOld\"}\n{\"idx\":3,\"ipfs_cid\":\"QmNew\"}\n")
	s, err := mapping.Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if addr, _ := s.Get(3); addr != "QmNew" {
		t.Errorf("Get(3): got %q, want QmNew", addr)
	}
}

func TestMigrate_hashKeyedLinesSkipped(t *testing.T) {
	path := writeFile(t, "{\"hash\":\"abc\",\"ipfs_cid\":\"QmA\"}\n{\"idx\":2,\"ipfs_cid\":\"QmB\"}\n")
	res, err := mapping.Migrate(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || len(res.Entries) != 1 || res.Entries[2] != "QmB" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestMigrate_droppedLinesKeepOriginal(t *testing.T) {
	original := "{\"hash\":\"abc\",\"ipfs_cid\":\"QmA\"}\n{\"hash\":\"def\",\"ipfs_cid\":\"QmB\"}\n"
	path := writeFile(t, original)

	res, err := mapping.Migrate(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if res.Format != mapping.FormatLegacy || len(res.Entries) != 0 || res.Skipped != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.Moved, path+".legacy-") {
		t.Fatalf("original not kept: %q", res.Moved)
	}
	if got := readFile(t, res.Moved); got != original {
		t.Errorf("kept copy: got %q", got)
	}
	if got := readFile(t, path); got != "{}" {
		t.Errorf("rewritten file: got %q, want {}", got)
	}
}

func TestMigrate_cleanLegacyNotCopied(t *testing.T) {
	path := writeFile(t, "{\"idx\":0,\"ipfs_cid\":\"Qm111\"}\n")
	res, err := mapping.Migrate(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if res.Moved != "" {
		t.Errorf("nothing was dropped, yet a copy was made at %q", res.Moved)
	}
}

func TestMigrate_corruptFileQuarantined(t *testing.T) {
	path := writeFile(t, "\x00\x01 garbage\nmore garbage")
	res, err := mapping.Migrate(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if res.Format != mapping.FormatCorrupt {
		t.Errorf("format: got %s, want corrupt", res.Format)
	}
	if !strings.HasPrefix(res.Moved, path+".corrupt-") {
		t.Errorf("moved to %q", res.Moved)
	}
	if got := readFile(t, path); got != "{}" {
		t.Errorf("fresh file: got %q, want {}", got)
	}
}

func TestOpen_missingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	s, err := mapping.Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Open should not create the file")
	}
}

func TestSetGet_persistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	s, err := mapping.Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Set(0, "QmA"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(1, "QmB"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(0, "QmC"); err != nil {
		t.Fatal(err)
	}

	reopened, err := mapping.Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	all := reopened.All()
	if len(all) != 2 || all[0] != "QmC" || all[1] != "QmB" {
		t.Errorf("All(): got %v", all)
	}
	if idx := reopened.Indices(); len(idx) != 2 || idx[0] != 0 || idx[1] != 1 {
		t.Errorf("Indices(): got %v", idx)
	}
}

func TestGet_notFound(t *testing.T) {
	s, err := mapping.Open(filepath.Join(t.TempDir(), "m.json"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(7); !errors.Is(err, mapping.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSet_rejectsInvalid(t *testing.T) {
	s, _ := mapping.Open(filepath.Join(t.TempDir(), "m.json"), zap.NewNop())
	if err := s.Set(-1, "Qm"); err == nil {
		t.Error("expected error for negative index")
	}
	if err := s.Set(0, ""); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestSet_concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	s, _ := mapping.Open(path, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Set(i, "Qm"); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	reopened, _ := mapping.Open(path, zap.NewNop())
	if reopened.Len() != 20 {
		t.Errorf("expected 20 persisted entries, got %d", reopened.Len())
	}
}

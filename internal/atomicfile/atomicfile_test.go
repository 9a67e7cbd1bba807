package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFile_replacesContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if err := WriteFile(path, []byte("one"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, []byte("two"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Errorf("contents: got %q, want %q", got, "two")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, found %d entries", len(entries))
	}
}

func TestQuarantine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	dst, err := Quarantine(path, "123")
	if err != nil {
		t.Fatal(err)
	}
	if dst != path+".corrupt-123" {
		t.Errorf("dst: got %q", dst)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original path should no longer exist")
	}
}

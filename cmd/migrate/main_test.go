package main

import (
	"testing"
	"testing/fstest"

	"github.com/jmerrifield20/cdrledger/migrations"
)

func TestUpFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"002_b.up.sql":   {Data: []byte("select 2")},
		"001_a.up.sql":   {Data: []byte("select 1")},
		"001_a.down.sql": {Data: []byte("drop")},
		"README.md":      {Data: []byte("x")},
	}
	files, err := upFiles(fsys)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "001_a.up.sql" || files[1] != "002_b.up.sql" {
		t.Errorf("files: %v", files)
	}
}

func TestUpFiles_embedded(t *testing.T) {
	files, err := upFiles(migrations.FS)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 || files[0] != "001_ledger.up.sql" {
		t.Errorf("embedded migrations: %v", files)
	}
}

func TestVersionFromFile(t *testing.T) {
	cases := map[string]int64{"001_ledger.up.sql": 1, "014_x_y.up.sql": 14}
	for name, want := range cases {
		got, err := versionFromFile(name)
		if err != nil || got != want {
			t.Errorf("versionFromFile(%q) = %d, %v; want %d", name, got, err, want)
		}
	}
	for _, bad := range []string{"ledger.sql", "abc_ledger.up.sql"} {
		if _, err := versionFromFile(bad); err == nil {
			t.Errorf("versionFromFile(%q): expected error", bad)
		}
	}
}

package fsops

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestOps(t *testing.T) *Ops {
	t.Helper()
	ops, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ops
}

func TestWriteReadRoundTrip(t *testing.T) {
	ops := newTestOps(t)
	if err := ops.Write("a/b/file.txt", []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := ops.Read("a/b/file.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", data, "hello")
	}
}

func TestListSortsByName(t *testing.T) {
	ops := newTestOps(t)
	for _, name := range []string{"b.txt", "a.txt", "c.txt"} {
		if err := ops.Write(name, []byte("x")); err != nil {
			t.Fatalf("Write %s: %v", name, err)
		}
	}
	entries, err := ops.List(".")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []string{"a.txt", "b.txt", "c.txt"} {
		if entries[i].Name != want {
			t.Fatalf("entries[%d].Name = %q, want %q", i, entries[i].Name, want)
		}
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	ops := newTestOps(t)
	cases := []string{"../outside", "a/../../outside", "/etc/passwd"}
	for _, rel := range cases {
		if _, err := ops.resolve(rel); err == nil {
			t.Errorf("resolve(%q): expected escape error, got nil", rel)
		}
	}
}

func TestReadRejectsOversizeFile(t *testing.T) {
	ops := newTestOps(t)
	path, err := ops.resolve("big.bin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(MaxReadBytes + 1); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	if _, err := ops.Read("big.bin"); err == nil {
		t.Fatal("expected oversize read to fail")
	}
}

func TestDeleteRefusesRoot(t *testing.T) {
	ops := newTestOps(t)
	if err := ops.Delete("."); err == nil {
		t.Fatal("expected delete of root to be refused")
	}
}

func TestRenameCreatesParentDirs(t *testing.T) {
	ops := newTestOps(t)
	if err := ops.Write("src.txt", []byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ops.Rename("src.txt", "nested/dest.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	data, err := ops.Read("nested/dest.txt")
	if err != nil {
		t.Fatalf("Read after rename: %v", err)
	}
	if string(data) != "data" {
		t.Fatalf("got %q, want %q", data, "data")
	}
	if _, err := os.Stat(filepath.Join(ops.Root(), "src.txt")); !os.IsNotExist(err) {
		t.Fatal("expected source file to be gone after rename")
	}
}

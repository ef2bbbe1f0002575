package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testFS(t *testing.T) *FS {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := testFS(t)

	if err := fs.WriteFile("src/deep/file.ts", "export const x = 1;"); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := fs.ReadFile("src/deep/file.ts")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "export const x = 1;" {
		t.Errorf("content = %q", got)
	}
	if !fs.Exists("src/deep/file.ts") {
		t.Error("Exists = false after write")
	}
	if !fs.Exists("src/deep") {
		t.Error("parent directory not created")
	}
}

func TestWriteCleansRelativeSegments(t *testing.T) {
	fs := testFS(t)

	if err := fs.WriteFile("./src/../src/a.go", "package src"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !fs.Exists("src/a.go") {
		t.Error("cleaned path not written")
	}
}

func TestPathEscapeRejected(t *testing.T) {
	fs := testFS(t)

	for _, path := range []string{"../outside.txt", "a/../../outside.txt", "/etc/passwd"} {
		if err := fs.WriteFile(path, "x"); !errors.Is(err, ErrPathEscape) {
			t.Errorf("WriteFile(%q) error = %v, want ErrPathEscape", path, err)
		}
		if _, err := fs.ReadFile(path); !errors.Is(err, ErrPathEscape) {
			t.Errorf("ReadFile(%q) error = %v, want ErrPathEscape", path, err)
		}
		if fs.Exists(path) {
			t.Errorf("Exists(%q) = true", path)
		}
	}
}

func TestDeleteTolerant(t *testing.T) {
	fs := testFS(t)

	if err := fs.Delete("never-existed.txt"); err != nil {
		t.Errorf("deleting a missing file should be a no-op, got %v", err)
	}

	if err := fs.WriteFile("doomed.txt", "bye"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.Delete("doomed.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if fs.Exists("doomed.txt") {
		t.Error("file survived Delete")
	}
}

func TestMkdirAll(t *testing.T) {
	fs := testFS(t)

	if err := fs.MkdirAll("a/b/c"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	info, err := os.Stat(filepath.Join(fs.Root(), "a", "b", "c"))
	if err != nil || !info.IsDir() {
		t.Errorf("directory missing: %v", err)
	}
}

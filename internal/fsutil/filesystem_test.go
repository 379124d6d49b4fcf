package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fs := OSFileSystem{}

	if !fs.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}
	if fs.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_MkdirTempAndRemoveAll(t *testing.T) {
	fs := OSFileSystem{}
	root := t.TempDir()

	dir, err := fs.MkdirTemp(filepath.Join(root, "work"), "product-*")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	if err := fs.WriteFile(filepath.Join(dir, "B04.f32"), []byte{1, 2, 3, 4}, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	names, err := fs.List(dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 1 || names[0] != "B04.f32" {
		t.Errorf("unexpected listing %v", names)
	}

	if err := fs.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed, stat err = %v", dir, err)
	}
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	testData := []byte("hello, world")
	if err := mfs.WriteFile("/test.txt", testData, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := mfs.ReadFile("/test.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != string(testData) {
		t.Errorf("expected %q, got %q", testData, data)
	}

	// mutating the returned slice must not affect the stored copy
	data[0] = 'H'
	again, _ := mfs.ReadFile("/test.txt")
	if string(again) != string(testData) {
		t.Errorf("stored data was mutated: %q", again)
	}
}

func TestMemoryFileSystem_ReadMissing(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if _, err := mfs.ReadFile("/missing"); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestMemoryFileSystem_MkdirTempUnique(t *testing.T) {
	mfs := NewMemoryFileSystem()

	a, _ := mfs.MkdirTemp("/work", "tile-*")
	b, _ := mfs.MkdirTemp("/work", "tile-*")
	if a == b {
		t.Fatalf("expected unique directories, both were %s", a)
	}
	if !mfs.Exists(a) || !mfs.Exists("/work") {
		t.Error("expected temp dir and its parent to exist")
	}
}

func TestMemoryFileSystem_RemoveAll(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_ = mfs.MkdirAll("/work/p1", 0o755)
	_ = mfs.WriteFile("/work/p1/a", []byte("a"), 0o644)
	_ = mfs.WriteFile("/work/p10/b", []byte("b"), 0o644)

	if err := mfs.RemoveAll("/work/p1"); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if mfs.Exists("/work/p1/a") || mfs.Exists("/work/p1") {
		t.Error("expected /work/p1 tree to be gone")
	}
	if !mfs.Exists("/work/p10/b") {
		t.Error("sibling with shared prefix must survive")
	}
}

func TestMemoryFileSystem_List(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_ = mfs.MkdirAll("/out", 0o755)
	_ = mfs.WriteFile("/out/b.json", nil, 0o644)
	_ = mfs.WriteFile("/out/a.f32", nil, 0o644)
	_ = mfs.WriteFile("/out/sub/c", nil, 0o644)

	names, err := mfs.List("/out")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 2 || names[0] != "a.f32" || names[1] != "b.json" {
		t.Errorf("unexpected listing %v", names)
	}

	if _, err := mfs.List("/nope"); err == nil {
		t.Error("expected error listing a missing directory")
	}
}

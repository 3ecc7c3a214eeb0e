package client

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestZipDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "photos")
	files := map[string]string{
		"a.txt":        "alpha",
		"nested/b.txt": "bravo",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	data, err := ZipDir(dir)
	if err != nil {
		t.Fatalf("ZipDir: %v", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}

	got := make(map[string]string)
	for _, f := range reader.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("failed to open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		got[f.Name] = string(b)
	}

	want := map[string]string{
		"photos/a.txt":        "alpha",
		"photos/nested/b.txt": "bravo",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(got), got)
	}
	for name, content := range want {
		if got[name] != content {
			t.Errorf("entry %s: expected %q, got %q", name, content, got[name])
		}
	}
}

func TestZipDir_Missing(t *testing.T) {
	if _, err := ZipDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

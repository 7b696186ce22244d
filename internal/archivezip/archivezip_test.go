package archivezip

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestCreateExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}

	zipPath := filepath.Join(t.TempDir(), "out.zip")
	if err := Create(zipPath, src); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := Extract(zipPath, dest); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("a.txt = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil || string(got) != "world" {
		t.Fatalf("sub/b.txt = %q, %v", got, err)
	}
}

func TestWalkListsRelativePaths(t *testing.T) {
	src := t.TempDir()
	os.MkdirAll(filepath.Join(src, "sub"), 0o755)
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("y"), 0o644)

	files, err := Walk(src)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	want := []string{"a.txt", "sub/b.txt"}
	if len(files) != len(want) {
		t.Fatalf("Walk() = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("Walk()[%d] = %q, want %q", i, files[i], want[i])
		}
	}
}

func TestWalkMissingDirReturnsNil(t *testing.T) {
	files, err := Walk(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if files != nil {
		t.Fatalf("Walk() = %v, want nil", files)
	}
}

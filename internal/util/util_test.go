package util

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/srv", "data"); got != filepath.Join("/srv", "data") {
		t.Errorf("relative: %q", got)
	}
	if got := ResolvePath("/srv", "/var/lib/x/"); got != "/var/lib/x" {
		t.Errorf("absolute: %q", got)
	}
}

func TestValidateDisplayName(t *testing.T) {
	if got, err := ValidateDisplayName("  Alice "); err != nil || got != "Alice" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := ValidateDisplayName("   "); err == nil {
		t.Error("expected error for blank name")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "blob.json")
	if err := WriteFileAtomic(path, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("two")); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "two" {
		t.Errorf("content = %q", b)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("leftover temp files: %d entries", len(entries))
	}
}

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Errorf("snapshot = %v", got)
	}
	if got := r.Last(2); !reflect.DeepEqual(got, []int{4, 5}) {
		t.Errorf("last(2) = %v", got)
	}
	if r.Len() != 3 {
		t.Errorf("len = %d", r.Len())
	}
}

package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSeedFiles(t *testing.T) {
	s := New("")
	for path, want := range seedFiles {
		got, ok := s.Read(path)
		if !ok {
			t.Fatalf("seed path %q missing", path)
		}
		if string(got) != want {
			t.Fatalf("seed path %q = %q, want %q", path, got, want)
		}
	}
}

func TestReadAfterWrite(t *testing.T) {
	s := New("")
	s.Write("/tmp/a.txt", []byte("hello"))
	got, ok := s.Read("/tmp/a.txt")
	if !ok || string(got) != "hello" {
		t.Fatalf("Read after Write = %q, %v", got, ok)
	}

	s.Write("/tmp/a.txt", []byte("world!"))
	got, ok = s.Read("/tmp/a.txt")
	if !ok || string(got) != "world!" {
		t.Fatalf("Read after overwrite = %q, %v", got, ok)
	}
}

func TestReadMissing(t *testing.T) {
	s := New("")
	if _, ok := s.Read("/nonexistent"); ok {
		t.Fatalf("expected miss for /nonexistent")
	}
}

func TestDelete(t *testing.T) {
	s := New("")
	s.Write("/tmp/b.txt", []byte("x"))
	s.Delete("/tmp/b.txt")
	if _, ok := s.Read("/tmp/b.txt"); ok {
		t.Fatalf("expected /tmp/b.txt to be gone after Delete")
	}
	// Deleting a missing path is a no-op, not an error.
	s.Delete("/tmp/b.txt")
}

func TestList(t *testing.T) {
	s := New("")
	s.Write("/home/user/a.txt", []byte("1"))
	s.Write("/home/user/sub/b.txt", []byte("2"))
	s.Write("/home/other/c.txt", []byte("3"))

	entries := s.List("/home/user")
	if len(entries) != 2 {
		t.Fatalf("List(/home/user) = %+v, want 2 entries", entries)
	}
	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if e, ok := byName["a.txt"]; !ok || e.IsDir {
		t.Fatalf("a.txt entry = %+v", e)
	}
	if e, ok := byName["sub"]; !ok || !e.IsDir {
		t.Fatalf("sub entry = %+v", e)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.gob")

	s1 := New(path)
	s1.Write("/tmp/persisted.txt", []byte("durable"))

	s2 := New(path)
	got, ok := s2.Read("/tmp/persisted.txt")
	if !ok || string(got) != "durable" {
		t.Fatalf("snapshot round trip = %q, %v", got, ok)
	}
}

func TestSnapshotMissingIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.gob")
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("test setup: %s should not exist", path)
	}
	s := New(path) // must not panic or error
	if _, ok := s.Read("/etc/hostname"); !ok {
		t.Fatalf("seed files should still be present")
	}
}

// Package store implements the virtual file store: a path-keyed byte blob
// cache backed by an authoritative in-memory map, with a best-effort
// persistent snapshot so a host process can survive restarts without
// blocking the read path on durable-storage latency.
package store

import (
	"bytes"
	"encoding/gob"
	"os"
	"sort"
	"strings"
	"sync"

	glog "github.com/helixcore/vm/internal/log"
	"go.uber.org/zap"
)

// Entry is a directory listing row: the first path component after a
// prefix, and whether more "/" separated components follow it.
type Entry struct {
	Name  string
	IsDir bool
}

// Store is the in-memory authoritative virtual file store. Reads always
// observe the most recent write and never touch the snapshot; persistence
// to the snapshot path runs inside Write/Delete after the in-memory update,
// and its failures are logged, never returned to the caller.
type Store struct {
	mu       sync.RWMutex
	files    map[string][]byte
	dirty    bool
	snapshot string // optional backing file path; empty disables persistence
}

// seedFiles are the fixed entries spec.md §3/§6 requires at construction.
// They are not write-protected: Write and Delete act on them like on any
// other path.
var seedFiles = map[string]string{
	"/proc/version":   "Linux 4.5 blink-1.0 x86_64 GNU/Linux\n",
	"/proc/cpuinfo":   "model name : Blink x86-64 Virtual CPU\n",
	"/etc/hostname":   "helixcore\n",
	"/etc/os-release": "NAME=\"HelixCore OS\"\nVERSION=\"0.1\"\n",
}

// New creates a Store seeded with the fixed paths. snapshotPath, if
// non-empty, is loaded at startup (a missing or corrupt snapshot is ignored
// and the seeds stand; a valid snapshot's entries replace seeds at the same
// path) and used for best-effort persistence on every Write/Delete.
func New(snapshotPath string) *Store {
	s := &Store{
		files:    make(map[string][]byte, len(seedFiles)),
		snapshot: snapshotPath,
	}
	for path, content := range seedFiles {
		s.files[path] = []byte(content)
	}
	s.loadSnapshot()
	return s
}

// Read returns the bytes stored at path, or (nil, false) if absent.
func (s *Store) Read(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.files[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

// Write stores data at path, replacing any previous content. The
// in-memory map is updated synchronously; the durable snapshot (if
// configured) is refreshed on a best-effort basis afterward.
func (s *Store) Write(path string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.files[path] = cp
	s.dirty = true
	s.mu.Unlock()

	s.persist()
}

// Delete removes path from the store. A missing path is a no-op.
func (s *Store) Delete(path string) {
	s.mu.Lock()
	_, existed := s.files[path]
	if existed {
		delete(s.files, path)
		s.dirty = true
	}
	s.mu.Unlock()

	if existed {
		s.persist()
	}
}

// List synthesizes directory semantics over the path-keyed map: for every
// key with dir+"/" as a prefix, it returns the first path component after
// the prefix and whether further "/" separators follow (i.e. whether that
// component is itself a directory).
func (s *Store) List(dir string) []Entry {
	prefix := strings.TrimSuffix(dir, "/") + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Entry
	for path := range s.files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		if rest == "" {
			continue
		}
		isDir := false
		name := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name = rest[:idx]
			isDir = true
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Entry{Name: name, IsDir: isDir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// snapshotRecord is the on-disk gob encoding of the store's file map.
type snapshotRecord struct {
	Files map[string][]byte
}

func (s *Store) loadSnapshot() {
	if s.snapshot == "" {
		return
	}
	data, err := os.ReadFile(s.snapshot)
	if err != nil {
		return // missing snapshot is not an error; seeds stand
	}
	var rec snapshotRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		if glog.L != nil {
			glog.L.Warn("store: discarding corrupt snapshot", zap.String("path", s.snapshot), zap.Error(err))
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, content := range rec.Files {
		s.files[path] = content
	}
}

// persist writes the current file map to the snapshot path. Failures are
// logged, never surfaced to the caller — the in-memory map remains the
// source of truth for the remainder of the run.
func (s *Store) persist() {
	if s.snapshot == "" {
		return
	}

	s.mu.RLock()
	rec := snapshotRecord{Files: make(map[string][]byte, len(s.files))}
	for path, content := range s.files {
		cp := make([]byte, len(content))
		copy(cp, content)
		rec.Files[path] = cp
	}
	s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		if glog.L != nil {
			glog.L.Warn("store: snapshot encode failed", zap.Error(err))
		}
		return
	}
	if err := os.WriteFile(s.snapshot, buf.Bytes(), 0o644); err != nil {
		if glog.L != nil {
			glog.L.Warn("store: snapshot write failed", zap.String("path", s.snapshot), zap.Error(err))
		}
	}
}

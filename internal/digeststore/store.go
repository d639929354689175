// Package digeststore persists the per-target input-digest vectors the
// hash freshness policy depends on (spec section 4.3's "digest store").
// Open reads the whole on-disk JSON-lines file into memory once; an
// in-memory LRU sits in front of that map for repeated lookups of the
// same target's recorded vector within one run.
// LRU use is grounded on Keyhole-Koro-InsightifyCore's
// projectstore.store, the one pack example that wires
// github.com/hashicorp/golang-lru/v2 for exactly this read-through
// shape.
package digeststore

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Record is one recorded input's digest, as of the last successful
// build of the target that depends on it.
type Record struct {
	Digest        string `json:"digest"`
	Size          int64  `json:"size"`
	MtimeSentinel string `json:"mtime_sentinel,omitempty"`
}

// line is the on-disk JSON-lines record shape: one target's full input
// vector per line, so a store truncated mid-write by a crash is still
// readable up to the last complete line.
type line struct {
	Target string            `json:"target"`
	Inputs map[string]Record `json:"inputs"`
}

// cacheSize bounds the in-memory read-through cache; a build with more
// distinct targets than this still works: evicted targets are served
// from the map loaded at Open.
const cacheSize = 4096

// Store is a persisted target -> (input -> digest) mapping with an LRU
// cache in front. The zero value is not usable; construct with Open.
type Store struct {
	path  string
	cache *lru.Cache[string, map[string]Record]
	mu    sync.Mutex
	// loaded mirrors cache for targets not evicted; recording reads the
	// whole file up front since individual targets' lines aren't offset
	// indexed, and most builds have few enough targets that this is
	// cheap relative to the actions themselves.
	loaded map[string]map[string]Record
	dirty  bool
}

// Open loads an existing digest store file, or starts an empty one if
// path does not yet exist.
func Open(path string) (*Store, error) {
	cache, err := lru.New[string, map[string]Record](cacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, cache: cache, loaded: make(map[string]map[string]Record)}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			// Forward-compatible: a line we can't parse is skipped
			// rather than failing the whole store, matching spec
			// section 6's "unknown fields ignored" contract extended to
			// "unknown/garbled lines ignored".
			continue
		}
		s.loaded[l.Target] = l.Inputs
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return s, nil
}

// Lookup returns the recorded input-digest vector for target, if any.
func (s *Store) Lookup(target string) (map[string]Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(target); ok {
		return v, true
	}
	if v, ok := s.loaded[target]; ok {
		s.cache.Add(target, v)
		return v, true
	}
	return nil, false
}

// Set records the input-digest vector for target, overwriting any
// prior record. The change is buffered; call Flush to persist it.
func (s *Store) Set(target string, inputs map[string]Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded[target] = inputs
	s.cache.Add(target, inputs)
	s.dirty = true
	return nil
}

// Flush rewrites the store file with the current in-memory state. The
// engine calls this once after the executor's run completes rather than after
// every target, since targets run concurrently and a per-target
// rewrite of the whole file would both race and thrash disk I/O.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for target, inputs := range s.loaded {
		if err := enc.Encode(line{Target: target, Inputs: inputs}); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

package kvcache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/segmentio/encoding/json"
)

const maxSnapshotLine = 1 << 26

// Entry is a line of a snapshot.
type Entry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Export writes all entries as JSON lines, sorted by key.
func (s *Store) Export(w io.Writer) error {
	var (
		m   = s.snapshot()
		bw  = bufio.NewWriter(w)
		enc = json.NewEncoder(bw)
	)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if err := enc.Encode(Entry{Key: k, Value: m[k]}); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Import merges JSON lines as written by Export into the store and
// persists once. Later lines win over earlier ones and over existing
// values. Lines that do not decode are logged and skipped. Returns the
// number of lines merged.
func (s *Store) Import(r io.Reader) (int, error) {
	var (
		updates = make(map[string]json.RawMessage)
		scanner = bufio.NewScanner(r)
		lineNo  int
		merged  int
	)
	scanner.Buffer(make([]byte, 0, 1<<16), maxSnapshotLine)
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || len(e.Value) == 0 {
			s.log.WithField("line", lineNo).Warnf("kvcache: skipping snapshot line: %v", err)
			continue
		}
		updates[e.Key] = bytes.Clone(e.Value)
		merged++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("kvcache: import line %d: %w", lineNo+1, err)
	}
	if len(updates) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.base()
	maps.Copy(next, updates)
	s.snap.Store(&next)
	if err := s.persist(next); err != nil {
		s.log.WithField("path", s.path).Errorf("kvcache: save failed: %v", err)
		return merged, err
	}
	return merged, nil
}

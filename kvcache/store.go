// Package kvcache implements a durable key-value cache for a single
// namespace, backed by exactly one JSON file on disk.
//
// The whole namespace is held in memory as an immutable snapshot. Readers
// never block and never perform I/O. Writers are serialized through a lock,
// install a new snapshot and then persist the complete mapping by writing
// <path>.tmp in the same directory and renaming it over <path>. A reader of
// the file therefore sees either the previous or the new version, never a
// partial write.
//
// There is no cross-process locking: only one process should write a given
// cache file at a time.
package kvcache

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
)

const (
	defaultIndent = "  "
	defaultPerm   = 0644
	tmpSuffix     = ".tmp"
)

var emptyObject = []byte("{}\n")

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for warnings and persistence errors.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithIndent sets the indentation used when writing the file. An empty
// string writes compact JSON.
func WithIndent(indent string) Option {
	return func(s *Store) {
		s.indent = indent
	}
}

// WithPerm sets the file mode of the cache file.
func WithPerm(perm os.FileMode) Option {
	return func(s *Store) {
		s.perm = perm
	}
}

// WithLocker lets several stores for the same file share one lock. Every
// write through a store sharing its lock first merges in what the other
// stores persisted, so no store overwrites keys it has not seen. Reads stay
// on the local view until the next write or Reload.
func WithLocker(l sync.Locker) Option {
	return func(s *Store) {
		if l != nil {
			s.mu = l
			s.shared = true
		}
	}
}

// Store is a single namespace of key to JSON value mappings.
type Store struct {
	path   string
	indent string
	perm   os.FileMode
	mu     sync.Locker
	shared bool
	log    logrus.FieldLogger
	snap   atomic.Pointer[map[string]json.RawMessage]

	// beforeRename runs after the temporary file has been written and
	// synced; a non-nil error aborts the rename and leaves the temporary
	// file behind, like a crash would.
	beforeRename func(tmp string) error
}

// Open makes sure the backing file exists and loads it. A corrupt file is
// logged and treated as an empty namespace.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		indent: defaultIndent,
		perm:   defaultPerm,
		mu:     new(sync.Mutex),
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := EnsureInitialized(path); err != nil {
		return nil, err
	}
	m := s.load()
	s.snap.Store(&m)
	return s, nil
}

// EnsureInitialized creates the parent directory and an empty mapping, if
// the file at path does not exist yet. An existing file is left untouched.
func EnsureInitialized(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("kvcache: create dir: %w", err)
	}
	tmp := path + tmpSuffix
	if err := writeFile(tmp, emptyObject, defaultPerm); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kvcache: init %s: %w", path, err)
	}
	if _, err := os.Stat(path); err == nil {
		// Someone else initialized the file in the meantime.
		return os.Remove(tmp)
	}
	return os.Rename(tmp, path)
}

// Path returns the location of the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) snapshot() map[string]json.RawMessage {
	return *s.snap.Load()
}

// Get returns the cached value for key. The second return value is false,
// if the key is unknown.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	v, ok := s.snapshot()[key]
	if !ok {
		return nil, false
	}
	return json.RawMessage(bytes.Clone(v)), true
}

// Has reports whether key is cached.
func (s *Store) Has(key string) bool {
	_, ok := s.snapshot()[key]
	return ok
}

// Len returns the number of cached keys.
func (s *Store) Len() int {
	return len(s.snapshot())
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	m := s.snapshot()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup decodes the value stored under key into a T.
func Lookup[T any](s *Store, key string) (T, bool, error) {
	var v T
	b, ok := s.Get(key)
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, true, fmt.Errorf("kvcache: decode %q: %w", key, err)
	}
	return v, true, nil
}

// Put stores value under key and persists the whole namespace. If
// persisting fails, the error is logged and returned, but the in-memory
// view keeps the update; Flush can be used to try again.
func (s *Store) Put(key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		s.log.WithFields(logrus.Fields{"path": s.path, "key": key}).Errorf("kvcache: encode failed: %v", err)
		return fmt.Errorf("kvcache: encode %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.base()
	next[key] = b
	s.snap.Store(&next)
	if err := s.persist(next); err != nil {
		s.log.WithFields(logrus.Fields{"path": s.path, "key": key}).Errorf("kvcache: save failed: %v", err)
		return err
	}
	return nil
}

// Flush writes the current in-memory view to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.snapshot()
	if s.shared {
		m = s.base()
		s.snap.Store(&m)
	}
	if err := s.persist(m); err != nil {
		s.log.WithField("path", s.path).Errorf("kvcache: flush failed: %v", err)
		return err
	}
	return nil
}

// Reload replaces the in-memory view with the current file contents.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.load()
	s.snap.Store(&m)
}

// base returns a copy of the current view for a write to modify. With a
// shared lock, the file contents are merged in first, since another store
// may have persisted keys this one has not seen. Caller must hold the lock.
func (s *Store) base() map[string]json.RawMessage {
	cur := s.snapshot()
	next := make(map[string]json.RawMessage, len(cur)+1)
	maps.Copy(next, cur)
	if s.shared {
		maps.Copy(next, s.load())
	}
	return next
}

// load reads the backing file. Missing, empty or unparsable files yield an
// empty mapping.
func (s *Store) load() map[string]json.RawMessage {
	empty := make(map[string]json.RawMessage)
	b, err := readFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithField("path", s.path).Warnf("kvcache: load failed, using empty cache: %v", err)
		}
		return empty
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return empty
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		s.log.WithField("path", s.path).Warnf("kvcache: corrupt cache file, using empty cache: %v", err)
		return empty
	}
	if m == nil {
		return empty
	}
	return m
}

// persist writes m to <path>.tmp and renames it over <path>. Caller must
// hold the lock.
func (s *Store) persist(m map[string]json.RawMessage) error {
	var (
		b   []byte
		err error
	)
	if s.indent == "" {
		b, err = json.Marshal(m)
	} else {
		b, err = json.MarshalIndent(m, "", s.indent)
	}
	if err != nil {
		return fmt.Errorf("kvcache: encode %s: %w", s.path, err)
	}
	b = append(b, '\n')
	tmp := s.path + tmpSuffix
	if err := writeFile(tmp, b, s.perm); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kvcache: write %s: %w", tmp, err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmp); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kvcache: rename %s: %w", tmp, err)
	}
	return nil
}

// writeFile writes data to filename, compressed according to the suffix of
// filename with the temporary suffix removed, and syncs it to disk.
func writeFile(filename string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	w, err := newWriter(f, codecFor(trimTmp(filename)))
	if err != nil {
		f.Close()
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readFile reads and, if needed, decompresses filename.
func readFile(filename string) ([]byte, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := newReader(f, codecFor(filename))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func trimTmp(filename string) string {
	return strings.TrimSuffix(filename, tmpSuffix)
}

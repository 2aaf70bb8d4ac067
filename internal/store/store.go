// Package store keeps board and panel definitions loaded from disk
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

type entry struct {
	holder *types.Holder
	refs   int
	open   int
}

// Store caches definitions by canonical file path. Every location that references the
// same path shares one *types.Holder.
type Store struct {
	logger logger.Logger
	mu     sync.RWMutex
	items  map[string]*entry
	guard  func() error
}

// New creates an empty definition store
func New(log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Store{
		logger: log,
		items:  make(map[string]*entry),
	}
}

// Canonical returns the cleaned absolute form of path
func Canonical(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(path)
}

// SetMutationGuard installs a check run before any operation that changes a cached
// definition. A job installs one that fails while it is not stopped.
func (s *Store) SetMutationGuard(guard func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = guard
}

// CheckMutable runs the mutation guard, if any
func (s *Store) CheckMutable() error {
	s.mu.RLock()
	guard := s.guard
	s.mu.RUnlock()

	if guard == nil {
		return nil
	}
	return guard()
}

// Load returns the definition at path, reading it and every panel child it references
// on first use. A panel that reaches itself through its children fails with
// ErrCircularReference and nothing is cached.
func (s *Store) Load(path string) (*types.Holder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]*types.Holder)
	h, err := s.loadLocked(Canonical(path), make(map[string]bool), staged)
	if err != nil {
		return nil, err
	}
	for p, sh := range staged {
		s.items[p] = &entry{holder: sh}
		s.logger.Debug("Loaded definition",
			logger.WithField("path", p),
			logger.WithField("kind", sh.Kind.String()))
	}
	return h, nil
}

func (s *Store) loadLocked(path string, visiting map[string]bool, staged map[string]*types.Holder) (*types.Holder, error) {
	if visiting[path] {
		return nil, types.NewStructuralError(types.ErrCircularReference, "%s references itself", path)
	}
	// Cached definitions are walked too: a reloaded panel may now close a loop
	// through them.
	var h *types.Holder
	fresh := false
	if e, ok := s.items[path]; ok {
		h = e.holder
	} else if sh, ok := staged[path]; ok {
		h = sh
	} else {
		var err error
		if h, err = readHolder(path); err != nil {
			return nil, err
		}
		fresh = true
	}

	visiting[path] = true
	defer delete(visiting, path)

	for _, c := range h.Children {
		if _, err := s.loadLocked(c.File, visiting, staged); err != nil {
			return nil, fmt.Errorf("child %s of %s: %w", c.ID, path, err)
		}
	}

	if fresh {
		staged[path] = h
	}
	return h, nil
}

func readHolder(path string) (*types.Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewStructuralError(types.ErrNotFound, "definition %s does not exist", path)
		}
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	return decodeHolder(path, data)
}

// Put registers an in-memory definition under its path. Registering a different holder
// under an already cached path fails with ErrDuplicateID.
func (s *Store) Put(h *types.Holder) error {
	if h == nil || h.Path == "" {
		return types.NewStructuralError(types.ErrInvalidArgument, "definition needs a path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h.Path = Canonical(h.Path)
	if e, ok := s.items[h.Path]; ok {
		if e.holder == h {
			return nil
		}
		return types.NewStructuralError(types.ErrDuplicateID, "definition %s already loaded", h.Path)
	}
	s.items[h.Path] = &entry{holder: h}
	return nil
}

// Get returns a cached definition without touching the disk
func (s *Store) Get(path string) (*types.Holder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[Canonical(path)]
	if !ok {
		return nil, false
	}
	return e.holder, true
}

// Retain records one more location referencing h
func (s *Store) Retain(h *types.Holder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[h.Path]; ok && e.holder == h {
		e.refs++
	}
}

// Release drops one location reference. A definition with no references and no open
// editors is evicted.
func (s *Store) Release(h *types.Holder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[h.Path]
	if !ok || e.holder != h {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	s.evictLocked(h.Path, e)
}

// Open marks h as open in an editor so it stays cached without references
func (s *Store) Open(h *types.Holder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[h.Path]; ok && e.holder == h {
		e.open++
	}
}

// Close reverses Open
func (s *Store) Close(h *types.Holder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[h.Path]
	if !ok || e.holder != h {
		return
	}
	if e.open > 0 {
		e.open--
	}
	s.evictLocked(h.Path, e)
}

func (s *Store) evictLocked(path string, e *entry) {
	if e.refs == 0 && e.open == 0 {
		delete(s.items, path)
		s.logger.Debug("Evicted definition", logger.WithField("path", path))
	}
}

// RefCount returns the number of locations referencing the definition at path
func (s *Store) RefCount(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.items[Canonical(path)]; ok {
		return e.refs
	}
	return 0
}

// Paths lists the cached definition paths in sorted order
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.items))
	for p := range s.items {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Save writes h to its path atomically
func (s *Store) Save(h *types.Holder) error {
	data, err := encodeHolder(h)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(h.Path), 0755); err != nil {
		return fmt.Errorf("failed to create definition directory: %w", err)
	}

	tempFile := h.Path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write definition: %w", err)
	}
	if err := os.Rename(tempFile, h.Path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename definition: %w", err)
	}

	s.logger.Debug("Saved definition", logger.WithField("path", h.Path))
	return nil
}

// Reload re-reads a cached definition from disk and updates it in place so every
// sharing location sees the new content. Child definitions referenced for the first
// time are loaded as well.
func (s *Store) Reload(path string) error {
	if err := s.CheckMutable(); err != nil {
		return err
	}

	path = Canonical(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[path]
	if !ok {
		return types.NewStructuralError(types.ErrNotFound, "definition %s is not loaded", path)
	}

	fresh, err := readHolder(path)
	if err != nil {
		return err
	}

	staged := make(map[string]*types.Holder)
	visiting := map[string]bool{path: true}
	for _, c := range fresh.Children {
		if _, err := s.loadLocked(c.File, visiting, staged); err != nil {
			return fmt.Errorf("child %s of %s: %w", c.ID, path, err)
		}
	}
	for p, sh := range staged {
		s.items[p] = &entry{holder: sh}
	}

	*e.holder = *fresh
	s.logger.Info("Reloaded definition", logger.WithField("path", path))
	return nil
}

package collection

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/ddpkit/ddp/internal/observability"
)

// DefaultDatabasePath is the file DefaultStore truncates on first use,
// mirroring the original's single on-disk "meteorpp.db" (spec §6,
// Persistence): every process begins with an empty local store.
const DefaultDatabasePath = "ddpkit.db"

// Store is the process-wide shared handle spec §5 describes: "the BSON
// query store handle is process-wide singleton state ... two
// collections with the same name reference the same underlying
// records." Design note ("Global database handle") prefers an explicit
// engine handle over ambient process state; Store is that handle.
// DefaultStore provides the ambient convenience constructor for callers
// that want `New(name)` to behave like the original's global
// weak-referenced singleton, implemented here with ordinary reference
// counting rather than a GC weak pointer.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	opened bool
	refs   int // collections open across every name
	rooms  map[string]*Collection
}

var (
	defaultOnce  sync.Once
	defaultStore *Store
)

// DefaultStore returns the process-wide default Store, lazily created on
// first use.
func DefaultStore() *Store {
	defaultOnce.Do(func() {
		defaultStore = NewStore(DefaultDatabasePath)
	})
	return defaultStore
}

// NewStore creates an explicit, unopened Store rooted at path. Prefer
// this over DefaultStore when a process must host more than one
// independent namespace, or in tests that want isolation from one
// another.
func NewStore(path string) *Store {
	return &Store{path: path, rooms: make(map[string]*Collection)}
}

func (s *Store) ensureOpenLocked() error {
	if s.opened {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open store file %q: %w", s.path, err)
	}
	s.file = f
	s.opened = true
	return nil
}

// open returns the shared *Collection for name, creating it (and, if
// this is the first collection open anywhere in the Store, the backing
// file) on first use.
func (s *Store) open(name string, logger *zap.Logger, metrics *observability.Collector) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	s.refs++

	if c, ok := s.rooms[name]; ok {
		c.mu.Lock()
		c.refs++
		c.mu.Unlock()
		return c, nil
	}

	c := &Collection{
		name:    name,
		store:   s,
		engine:  NewEngine(),
		logger:  logger,
		metrics: metrics,
		docs:    make(map[string]Document),
		refs:    1,
	}
	c.initSignals()
	s.rooms[name] = c
	return c, nil
}

// release drops one reference to name; once its last handle releases,
// the documents for that name are dropped. Once the Store itself has no
// collections open anywhere, the backing file is closed.
func (s *Store) release(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.rooms[name]; ok {
		c.mu.Lock()
		c.refs--
		empty := c.refs <= 0
		c.mu.Unlock()
		if empty {
			delete(s.rooms, name)
		}
	}

	s.refs--
	if s.refs <= 0 && s.opened {
		err := s.file.Close()
		s.opened = false
		s.file = nil
		return err
	}
	return nil
}

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/sophia/pkg/config"
	"github.com/cuemby/sophia/pkg/events"
	"github.com/cuemby/sophia/pkg/log"
	"github.com/cuemby/sophia/pkg/metrics"
	"github.com/cuemby/sophia/pkg/mvcc"
	"github.com/cuemby/sophia/pkg/page"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/sequence"
	"github.com/cuemby/sophia/pkg/types"
	"github.com/cuemby/sophia/pkg/wal"
	"github.com/cuemby/sophia/pkg/worker"
)

// logDir is the WAL subdirectory of the repository root
const logDir = "log"

// schemeFileName is the per-store scheme file
const schemeFileName = "scheme"

// Env is one storage environment: a repository directory, its stores, the
// shared WAL, the transaction manager, and the background machinery.
type Env struct {
	cfg    config.Config
	filter page.Filter
	seq    *sequence.Sequencer
	txns   *mvcc.Manager
	wal    *wal.Log
	broker *events.Broker
	pool   *worker.Pool
	logger zerolog.Logger

	mu      sync.Mutex
	stores  map[string]*Store
	byID    map[uint64]*Store
	upserts map[string]scheme.UpsertFunc

	status  atomic.Uint32
	lastErr atomic.Value // error

	backupBSN atomic.Uint64 // nonzero while a backup is staging

	stopCh  chan struct{}
	schedWG sync.WaitGroup
}

// New creates an environment for cfg. The repository is not touched until
// Open.
func New(cfg config.Config) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	filter, err := page.NewFilter(cfg.Compression)
	if err != nil {
		return nil, err
	}
	e := &Env{
		cfg:     cfg,
		filter:  filter,
		seq:     sequence.New(),
		broker:  events.NewBroker(),
		stores:  make(map[string]*Store),
		byID:    make(map[uint64]*Store),
		upserts: make(map[string]scheme.UpsertFunc),
		stopCh:  make(chan struct{}),
	}
	e.txns = mvcc.New(e.seq)
	e.status.Store(uint32(types.StatusOffline))
	return e, nil
}

// BindUpsert registers the upsert merge function for a store, by name.
// Must be called before Open for stores recovered from disk.
func (e *Env) BindUpsert(store string, fn scheme.UpsertFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upserts[store] = fn
	if st, ok := e.stores[store]; ok {
		st.scheme.Upsert = fn
	}
}

// Status returns the engine lifecycle state
func (e *Env) Status() types.Status {
	return types.Status(e.status.Load())
}

// LastError returns the error recorded at the malfunction transition
func (e *Env) LastError() error {
	if err, ok := e.lastErr.Load().(error); ok {
		return err
	}
	return nil
}

// Events returns the environment's event broker
func (e *Env) Events() *events.Broker { return e.broker }

// malfunction enters the sticky degraded state: the error is recorded,
// an event is published, and every subsequent write is rejected until the
// environment is closed.
func (e *Env) malfunction(err error) {
	if e.status.CompareAndSwap(uint32(types.StatusOnline), uint32(types.StatusMalfunction)) ||
		e.status.CompareAndSwap(uint32(types.StatusRecover), uint32(types.StatusMalfunction)) {
		e.lastErr.Store(err)
		e.logger.Error().Err(err).Msg("Engine entered malfunction state")
		e.broker.Publish(events.New(events.EventMalfunction, "", err.Error()))
	}
}

// writable returns nil when the engine accepts writes
func (e *Env) writable() error {
	switch e.Status() {
	case types.StatusOnline, types.StatusRecover:
		return nil
	case types.StatusMalfunction:
		return types.ErrMalfunction
	default:
		return types.ErrShutdown
	}
}

// Open recovers the repository and brings the environment online: the
// directory tree is created or scanned, interrupted compactions are
// disambiguated, the WAL is replayed, and the background scheduler starts.
func (e *Env) Open() error {
	if !e.status.CompareAndSwap(uint32(types.StatusOffline), uint32(types.StatusRecover)) {
		return fmt.Errorf("environment is already open")
	}

	log.Init(log.Config{Level: log.Level(e.cfg.LogLevel), JSONOutput: true})
	e.logger = log.WithComponent("engine")
	if err := metrics.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	if err := os.MkdirAll(e.cfg.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	w, err := wal.Open(filepath.Join(e.cfg.Path, logDir), wal.Config{
		SyncOnWrite:  e.cfg.SyncOnWrite,
		SyncOnRotate: e.cfg.SyncOnRotate,
		RotateWM:     e.cfg.RotateWM,
	}, e.seq)
	if err != nil {
		e.status.Store(uint32(types.StatusOffline))
		return err
	}
	e.wal = w

	if err := e.recover(); err != nil {
		e.status.Store(uint32(types.StatusMalfunction))
		e.lastErr.Store(err)
		return err
	}

	e.status.Store(uint32(types.StatusOnline))
	e.broker.Start()
	e.pool = worker.NewPool(e.cfg.Workers)
	e.schedWG.Add(1)
	go e.schedule()

	e.logger.Info().
		Str("path", e.cfg.Path).
		Int("stores", len(e.stores)).
		Msg("Environment online")
	return nil
}

// Close drains the background machinery and closes every store and the WAL
func (e *Env) Close() error {
	status := e.Status()
	if status == types.StatusShutdown || status == types.StatusOffline {
		return types.ErrShutdown
	}
	e.status.Store(uint32(types.StatusShutdown))

	close(e.stopCh)
	e.schedWG.Wait()
	if e.pool != nil {
		e.pool.Stop()
	}
	e.broker.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.stores {
		if err := st.close(); err != nil {
			e.logger.Error().Err(err).Str("store", st.name).Msg("Failed to close store")
		}
	}
	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			return err
		}
	}
	e.logger.Info().Msg("Environment closed")
	return nil
}

// Store returns an open store by name
func (e *Env) Store(name string) (*Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stores[name]
	if !ok {
		return nil, fmt.Errorf("store %q: %w", name, types.ErrNotFound)
	}
	return st, nil
}

// Stores returns the open store names
func (e *Env) Stores() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.stores))
	for name := range e.stores {
		out = append(out, name)
	}
	return out
}

// CreateStore declares a new store with the given scheme. The scheme file
// and a bootstrap empty node are persisted before the store goes online.
func (e *Env) CreateStore(name string, s *scheme.Scheme) (*Store, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	if name == "" || name == logDir {
		return nil, fmt.Errorf("invalid store name %q", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.stores[name]; ok {
		return nil, fmt.Errorf("store %q already exists", name)
	}

	dir := filepath.Join(e.cfg.Path, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s.StoreID = e.seq.NextDSN()
	if fn, ok := e.upserts[name]; ok {
		s.Upsert = fn
	}
	if err := s.Save(filepath.Join(dir, schemeFileName)); err != nil {
		return nil, err
	}

	st := newStore(e, name, dir, s)
	boot, err := st.writeBootstrapNode()
	if err != nil {
		return nil, err
	}
	st.nodes = append(st.nodes, boot)

	e.stores[name] = st
	e.byID[s.StoreID] = st
	e.broker.Publish(events.New(events.EventStoreOnline, name, "store created"))
	e.logger.Info().Str("store", name).Uint64("store_id", s.StoreID).Msg("Store created")
	return st, nil
}

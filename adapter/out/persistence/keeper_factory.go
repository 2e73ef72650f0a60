// Package persistence implements the outbound store ports on PostgreSQL.
// Every user owns one schema (u_<id>); the factory migrates it on first
// open and ref-counts the handle so concurrent operations share it.
package persistence

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/port/out"
	"keeper_server/pkg/metrics"
)

// schemaFor derives the schema name of a user.
func schemaFor(userID uuid.UUID) string {
	return "u_" + strings.ReplaceAll(userID.String(), "-", "")
}

type storeEntry struct {
	store    *userStore
	refs     int
	idleFrom time.Time
}

// StoreFactory hands out ref-counted per-user store handles over one shared
// connection pool.
type StoreFactory struct {
	db      *sqlx.DB
	pools   *metrics.PoolMonitor
	logger  zerolog.Logger
	idleTTL time.Duration

	mu      sync.Mutex
	entries map[uuid.UUID]*storeEntry
}

// NewStoreFactory wires the factory. pools may be nil.
func NewStoreFactory(db *sqlx.DB, pools *metrics.PoolMonitor) *StoreFactory {
	if pools != nil {
		pools.Register("postgres", db.DB)
	}
	return &StoreFactory{
		db:      db,
		pools:   pools,
		logger:  log.With().Str("component", "store_factory").Logger(),
		idleTTL: 5 * time.Minute,
		entries: make(map[uuid.UUID]*storeEntry),
	}
}

// Acquire opens (or joins) the store for a user, migrating the schema on
// first open.
func (f *StoreFactory) Acquire(ctx context.Context, userID uuid.UUID) (out.UserStore, error) {
	f.mu.Lock()
	if entry, ok := f.entries[userID]; ok {
		entry.refs++
		f.mu.Unlock()
		return entry.store, nil
	}
	f.mu.Unlock()

	// Migration runs outside the map lock; concurrent first-opens are
	// serialized by the DDL itself (CREATE ... IF NOT EXISTS plus the
	// migrations table primary key).
	schema := schemaFor(userID)
	if err := migrateSchema(ctx, f.db, schema); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[userID]; ok {
		entry.refs++
		return entry.store, nil
	}

	store := newUserStore(f, userID, schema)
	f.entries[userID] = &storeEntry{store: store, refs: 1}
	f.logger.Debug().Str("user_id", userID.String()).Msg("user store opened")
	return store, nil
}

// Release drops one reference.
func (f *StoreFactory) Release(userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[userID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		entry.refs = 0
		entry.idleFrom = time.Now()
	}
}

// Sweep drops idle entries past the grace period. The schema survives; the
// next Acquire reopens transparently.
func (f *StoreFactory) Sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for userID, entry := range f.entries {
		if entry.refs == 0 && !entry.idleFrom.IsZero() && now.Sub(entry.idleFrom) > f.idleTTL {
			delete(f.entries, userID)
		}
	}
}

// TotalQueueDepth sums pending jobs across live stores. Feeds the health
// monitor's queue_depth signal.
func (f *StoreFactory) TotalQueueDepth(ctx context.Context) int64 {
	f.mu.Lock()
	stores := make([]*userStore, 0, len(f.entries))
	for _, entry := range f.entries {
		stores = append(stores, entry.store)
	}
	f.mu.Unlock()

	var total int64
	for _, store := range stores {
		depth, err := store.Queue().Depth(ctx)
		if err != nil {
			continue
		}
		total += depth
	}
	return total
}

// LiveUserIDs returns the users with an open store handle.
func (f *StoreFactory) LiveUserIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(f.entries))
	for userID := range f.entries {
		ids = append(ids, userID)
	}
	return ids
}

// Close shuts the shared pool down.
func (f *StoreFactory) Close() error {
	f.mu.Lock()
	f.entries = make(map[uuid.UUID]*storeEntry)
	f.mu.Unlock()
	if f.pools != nil {
		f.pools.Unregister("postgres")
	}
	return f.db.Close()
}

var _ out.StoreFactory = (*StoreFactory)(nil)

// =============================================================================
// User store handle
// =============================================================================

// userStore is one user's store handle. All queries are schema-qualified so
// cross-user access is unreachable by construction.
type userStore struct {
	factory *StoreFactory
	db      *sqlx.DB
	userID  uuid.UUID
	schema  string
	queue   *jobQueue
}

func newUserStore(factory *StoreFactory, userID uuid.UUID, schema string) *userStore {
	store := &userStore{
		factory: factory,
		db:      factory.db,
		userID:  userID,
		schema:  schema,
	}
	store.queue = &jobQueue{db: factory.db, schema: schema, userID: userID}
	return store
}

func (s *userStore) Queue() out.JobQueue { return s.queue }

func (s *userStore) Close() error {
	s.factory.Release(s.userID)
	return nil
}

// table qualifies a table name with the user schema.
func (s *userStore) table(name string) string {
	return s.schema + "." + name
}

var (
	_ out.UserStore = (*userStore)(nil)
	_ out.JobQueue  = (*jobQueue)(nil)
)

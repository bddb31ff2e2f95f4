// Package dbpool owns the per-tenant connection pools for externally hosted
// tenant databases. DSNs arrive at request time and are never persisted; each
// tenant gets at most one bounded pool, created lazily on first use.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/querydesk/querydesk/internal/observability"
)

var (
	// ErrPoolExhausted is returned when a connection acquire waits out the
	// configured timeout at the pool cap. Expected under load, not a bug.
	ErrPoolExhausted = errors.New("tenant connection pool exhausted")

	// ErrManagerClosed is returned for any use after CloseAll.
	ErrManagerClosed = errors.New("pool manager is closed")
)

type Config struct {
	MaxConnsPerTenant int
	AcquireTimeout    time.Duration
	ConnMaxIdleTime   time.Duration
	ConnMaxLifetime   time.Duration
}

type openFunc func(dsn string) (*sql.DB, error)

// Manager maps tenant IDs to live pools. It is the only state shared across
// concurrent requests; all map mutation happens under mu.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	open   openFunc

	mu     sync.Mutex
	pools  map[string]*sql.DB
	closed bool
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxConnsPerTenant <= 0 {
		cfg.MaxConnsPerTenant = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		open:   openTarget,
		pools:  map[string]*sql.DB{},
	}
}

// Pool returns the tenant's pool, creating it on first use. Creation is
// idempotent under concurrent first-use: the map insert happens under mu, so
// racing callers all observe the same pool.
func (m *Manager) Pool(tenantID, dsn string) (*sql.DB, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if db, ok := m.pools[tenantID]; ok {
		return db, nil
	}

	db, err := m.open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool for tenant %s (%s): %w", tenantID, RedactDSN(dsn), err)
	}
	db.SetMaxOpenConns(m.cfg.MaxConnsPerTenant)
	db.SetMaxIdleConns(m.cfg.MaxConnsPerTenant)
	if m.cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(m.cfg.ConnMaxIdleTime)
	}
	if m.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(m.cfg.ConnMaxLifetime)
	}

	m.pools[tenantID] = db
	observability.SetTenantPools(len(m.pools))
	m.logger.Info("created tenant pool",
		slog.String("tenant_id", tenantID),
		slog.String("target", RedactDSN(dsn)),
		slog.Int("max_conns", m.cfg.MaxConnsPerTenant),
	)
	return db, nil
}

// Acquire checks one connection out of the tenant's pool, waiting at most the
// configured acquire timeout when the pool is at its cap. Callers must close
// the returned connection to hand it back.
func (m *Manager) Acquire(ctx context.Context, tenantID, dsn string) (*sql.Conn, error) {
	db, err := m.Pool(tenantID, dsn)
	if err != nil {
		return nil, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	conn, err := db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			observability.IncrementPoolExhausted()
			m.logger.Warn("pool acquire timed out",
				slog.String("tenant_id", tenantID),
				slog.Duration("acquire_timeout", m.cfg.AcquireTimeout),
			)
			return nil, ErrPoolExhausted
		}
		return nil, err
	}
	return conn, nil
}

// ClosePool destroys the tenant's pool if one exists. database/sql drains
// gracefully: new acquires fail immediately, connections checked out by
// in-flight requests are destroyed as they are released.
func (m *Manager) ClosePool(tenantID string) bool {
	m.mu.Lock()
	db, ok := m.pools[tenantID]
	if ok {
		delete(m.pools, tenantID)
		observability.SetTenantPools(len(m.pools))
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := db.Close(); err != nil {
		m.logger.Warn("tenant pool close failed",
			slog.String("tenant_id", tenantID),
			slog.Any("error", err),
		)
	}
	return true
}

// CloseAll terminates every pool. It is the mandatory shutdown hook; skipping
// it leaks open connections to tenant databases. Individual close failures are
// collected, the sweep never aborts. Safe to call more than once.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = map[string]*sql.DB{}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for tenantID, db := range pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool for tenant %s: %w", tenantID, err))
		}
	}
	observability.SetTenantPools(0)
	if len(errs) > 0 {
		m.logger.Warn("pool shutdown completed with errors", slog.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}

// PoolCount reports the number of live pools, for diagnostics.
func (m *Manager) PoolCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

func openTarget(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

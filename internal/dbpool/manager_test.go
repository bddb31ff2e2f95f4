package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *int32, *[]sqlmock.Sqlmock) {
	t.Helper()
	manager := NewManager(cfg, nil)
	opens := new(int32)
	mocks := new([]sqlmock.Sqlmock)
	// open runs under the manager mutex, so the slice append needs no lock.
	manager.open = func(string) (*sql.DB, error) {
		atomic.AddInt32(opens, 1)
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New() error = %v", err)
		}
		mock.ExpectClose()
		*mocks = append(*mocks, mock)
		return db, nil
	}
	t.Cleanup(func() { _ = manager.CloseAll() })
	return manager, opens, mocks
}

func TestPoolCreatedOnceUnderConcurrentFirstUse(t *testing.T) {
	manager, opens, _ := newTestManager(t, Config{})

	const callers = 16
	results := make([]*sql.DB, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			db, err := manager.Pool("tenant-1", "postgres://u:p@db.example.com/app")
			if err != nil {
				t.Errorf("Pool() error = %v", err)
				return
			}
			results[slot] = db
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(opens); got != 1 {
		t.Fatalf("pool opened %d times, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent callers observed different pools for one tenant")
		}
	}
	if manager.PoolCount() != 1 {
		t.Fatalf("PoolCount() = %d", manager.PoolCount())
	}
}

func TestPoolPerTenantIsolation(t *testing.T) {
	manager, opens, _ := newTestManager(t, Config{})

	first, err := manager.Pool("tenant-1", "postgres://u:p@one.example.com/app")
	if err != nil {
		t.Fatalf("Pool(tenant-1) error = %v", err)
	}
	second, err := manager.Pool("tenant-2", "postgres://u:p@two.example.com/app")
	if err != nil {
		t.Fatalf("Pool(tenant-2) error = %v", err)
	}
	if first == second {
		t.Fatal("tenants share a pool")
	}
	if got := atomic.LoadInt32(opens); got != 2 {
		t.Fatalf("pool opened %d times, want 2", got)
	}
}

func TestAcquireTimeoutReturnsPoolExhausted(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{
		MaxConnsPerTenant: 1,
		AcquireTimeout:    50 * time.Millisecond,
	})

	held, err := manager.Acquire(context.Background(), "tenant-1", "postgres://u:p@db.example.com/app")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = held.Close() }()

	start := time.Now()
	_, err = manager.Acquire(context.Background(), "tenant-1", "postgres://u:p@db.example.com/app")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("second Acquire() error = %v, want ErrPoolExhausted", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("acquire blocked for %v, bounded wait expected", elapsed)
	}
}

func TestAcquireAfterReleaseSucceeds(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{
		MaxConnsPerTenant: 1,
		AcquireTimeout:    time.Second,
	})

	conn, err := manager.Acquire(context.Background(), "tenant-1", "postgres://u:p@db.example.com/app")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("release error = %v", err)
	}

	again, err := manager.Acquire(context.Background(), "tenant-1", "postgres://u:p@db.example.com/app")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = again.Close()
}

func TestClosePool(t *testing.T) {
	manager, _, mocks := newTestManager(t, Config{})

	if _, err := manager.Pool("tenant-1", "postgres://u:p@db.example.com/app"); err != nil {
		t.Fatalf("Pool() error = %v", err)
	}
	if !manager.ClosePool("tenant-1") {
		t.Fatal("ClosePool() = false for existing pool")
	}
	if manager.ClosePool("tenant-1") {
		t.Fatal("ClosePool() = true for already-closed pool")
	}
	if manager.ClosePool("never-seen") {
		t.Fatal("ClosePool() = true for unknown tenant")
	}
	for _, mock := range *mocks {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("pool not closed cleanly: %v", err)
		}
	}
}

func TestCloseAllIsIdempotentAndTerminal(t *testing.T) {
	manager, _, mocks := newTestManager(t, Config{})

	if _, err := manager.Pool("tenant-1", "postgres://u:p@db.example.com/app"); err != nil {
		t.Fatalf("Pool() error = %v", err)
	}
	if _, err := manager.Pool("tenant-2", "postgres://u:p@db.example.com/app"); err != nil {
		t.Fatalf("Pool() error = %v", err)
	}

	if err := manager.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if err := manager.CloseAll(); err != nil {
		t.Fatalf("second CloseAll() error = %v", err)
	}
	for _, mock := range *mocks {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("pool not closed cleanly: %v", err)
		}
	}
	if _, err := manager.Pool("tenant-3", "postgres://u:p@db.example.com/app"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("Pool() after CloseAll error = %v, want ErrManagerClosed", err)
	}
}

package orderstate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"smartdine/config"
	"smartdine/orders"
	"smartdine/store"
)

func setup(t *testing.T) (*miniredis.Miniredis, *Manager, *store.DB) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db, err := store.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return mr, NewManager(db, NewRedisStore(client, time.Hour)), db
}

func createOrder(t *testing.T, db *store.DB, number string) *store.Order {
	t.Helper()
	tbl := &store.Table{Number: len(number), Name: "T", Capacity: 2, IsActive: true}
	if err := db.CreateTable(tbl); err != nil {
		t.Fatalf("create table: %v", err)
	}
	o := &store.Order{OrderNumber: number, TableID: tbl.ID}
	if err := db.CreateOrder(o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestSetOrderStatusWritesThrough(t *testing.T) {
	mr, m, db := setup(t)
	ctx := context.Background()
	o := createOrder(t, db, "ORD1")

	if err := m.SetOrderStatus(ctx, o.ID, orders.StatusPreparing, "kitchen"); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := db.GetOrderStatus(ctx, o.ID)
	if err != nil || got != orders.StatusPreparing {
		t.Fatalf("sql status = %q, %v", got, err)
	}
	e, err := m.redis.GetStatus(ctx, o.ID)
	if err != nil || e == nil {
		t.Fatalf("cache entry = %v, %v", e, err)
	}
	if e.Status != orders.StatusPreparing {
		t.Errorf("cached status = %q, want PREPARING", e.Status)
	}
	if ttl := mr.TTL(statusKey(o.ID)); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
}

func TestSetOrderStatusUnknownOrderLeavesCacheAlone(t *testing.T) {
	mr, m, _ := setup(t)
	ctx := context.Background()

	err := m.SetOrderStatus(ctx, 77, orders.StatusReady, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if mr.Exists(statusKey(77)) {
		t.Error("cache should not hold an entry for a failed write")
	}
}

func TestCachedStatusFallsBackAndRepopulates(t *testing.T) {
	mr, m, db := setup(t)
	ctx := context.Background()
	o := createOrder(t, db, "ORD2")

	if mr.Exists(statusKey(o.ID)) {
		t.Fatal("cache should start empty")
	}
	got, err := m.CachedStatus(ctx, o.ID)
	if err != nil {
		t.Fatalf("cached status: %v", err)
	}
	if got != orders.StatusPending {
		t.Errorf("status = %q, want PENDING", got)
	}
	if !mr.Exists(statusKey(o.ID)) {
		t.Error("miss should repopulate the cache")
	}

	if _, err := m.CachedStatus(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCachedStatusSurvivesRedisOutage(t *testing.T) {
	mr, m, db := setup(t)
	ctx := context.Background()
	o := createOrder(t, db, "ORD3")

	mr.Close()
	got, err := m.CachedStatus(ctx, o.ID)
	if err != nil {
		t.Fatalf("cached status with redis down: %v", err)
	}
	if got != orders.StatusPending {
		t.Errorf("status = %q, want PENDING", got)
	}
	if err := m.SetOrderStatus(ctx, o.ID, orders.StatusPreparing, ""); err != nil {
		t.Errorf("write should not fail on cache outage: %v", err)
	}
}

func TestTerminalStatusLeavesActiveSet(t *testing.T) {
	_, m, db := setup(t)
	ctx := context.Background()
	o := createOrder(t, db, "ORD4")
	m.Prime(ctx, o)

	ids, _ := m.redis.ActiveOrderIDs(ctx)
	if len(ids) != 1 || ids[0] != o.ID {
		t.Fatalf("active = %v, want [%d]", ids, o.ID)
	}
	if err := m.SetOrderStatus(ctx, o.ID, orders.StatusCancelled, ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	ids, _ = m.redis.ActiveOrderIDs(ctx)
	if len(ids) != 0 {
		t.Errorf("active = %v, want empty", ids)
	}
}

func TestSyncRedisFromSQL(t *testing.T) {
	mr, m, db := setup(t)
	ctx := context.Background()
	a := createOrder(t, db, "ORD5")
	b := createOrder(t, db, "ORD66")
	db.SetOrderStatus(ctx, b.ID, orders.StatusCompleted, "")

	mr.Set(statusKey(12345), "stale")
	mr.SAdd(activeOrdersKey, "12345")

	if err := m.SyncRedisFromSQL(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if mr.Exists(statusKey(12345)) {
		t.Error("stale entry should be flushed")
	}
	ids, _ := m.redis.ActiveOrderIDs(ctx)
	if len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("active = %v, want [%d]", ids, a.ID)
	}
}

func TestNilRedisDisablesCache(t *testing.T) {
	_, withCache, db := setup(t)
	m := NewManager(db, nil)
	ctx := context.Background()
	o := createOrder(t, db, "ORD7")

	if err := m.SetOrderStatus(ctx, o.ID, orders.StatusPreparing, ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.CachedStatus(ctx, o.ID)
	if err != nil || got != orders.StatusPreparing {
		t.Errorf("status = %q, %v", got, err)
	}
	if e, _ := withCache.redis.GetStatus(ctx, o.ID); e != nil {
		t.Error("nil redis manager must not write the cache")
	}
	if err := m.SyncRedisFromSQL(ctx); err != nil {
		t.Errorf("sync without redis: %v", err)
	}
}

func TestCacheHealth(t *testing.T) {
	mr, m, db := setup(t)
	ctx := context.Background()

	enabled, err := m.CacheHealth(ctx)
	if !enabled || err != nil {
		t.Fatalf("healthy cache: enabled=%v err=%v", enabled, err)
	}
	mr.Close()
	if _, err := m.CacheHealth(ctx); err == nil {
		t.Fatal("expected error with redis down")
	}

	enabled, err = NewManager(db, nil).CacheHealth(ctx)
	if enabled || err != nil {
		t.Fatalf("disabled cache: enabled=%v err=%v", enabled, err)
	}
}

func TestCachedStatusAfterFailedCacheWrite(t *testing.T) {
	mr, m, db := setup(t)
	ctx := context.Background()
	o := createOrder(t, db, "ORD8")
	m.Prime(ctx, o)

	mr.SetError("READONLY You can't write against a read only replica.")
	if err := m.SetOrderStatus(ctx, o.ID, orders.StatusPreparing, ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.SetError("")

	got, err := m.CachedStatus(ctx, o.ID)
	if err != nil {
		t.Fatalf("cached status: %v", err)
	}
	if got != orders.StatusPreparing {
		t.Fatalf("status = %q, want PREPARING", got)
	}
	if m.isStale(o.ID) {
		t.Error("successful repopulate should clear the stale mark")
	}
	e, err := m.redis.GetStatus(ctx, o.ID)
	if err != nil || e == nil || e.Status != orders.StatusPreparing {
		t.Errorf("cache entry = %+v, %v; want PREPARING", e, err)
	}
}

func TestSetOrderStatusEvictsBeforeCommit(t *testing.T) {
	mr, m, db := setup(t)
	ctx := context.Background()
	o := createOrder(t, db, "ORD9")
	m.Prime(ctx, o)

	// A failed commit must not leave the old entry behind either.
	db.Close()
	if err := m.SetOrderStatus(ctx, o.ID, orders.StatusPreparing, ""); err == nil {
		t.Fatal("expected error with database closed")
	}
	if mr.Exists(statusKey(o.ID)) {
		t.Error("cached entry should be evicted before the commit")
	}
}

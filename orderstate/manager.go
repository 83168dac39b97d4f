package orderstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smartdine/logging"
	"smartdine/orders"
	"smartdine/store"
)

// Manager provides write-through order status: SQL first, then Redis.
// SQL stays authoritative; a Redis failure is logged and never fails a write.
// A nil RedisStore disables caching.
//
// Orders whose cache write failed are tracked as stale and read from SQL
// until a later write succeeds, so a cached status never lags a commit.
type Manager struct {
	db    *store.DB
	redis *RedisStore
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	stale map[int64]struct{}
}

func NewManager(db *store.DB, redis *RedisStore) *Manager {
	return &Manager{
		db:    db,
		redis: redis,
		log:   logging.WithComponent("orderstate"),
		now:   time.Now,
		stale: make(map[int64]struct{}),
	}
}

// GetOrderStatus reads the committed status from SQL.
func (m *Manager) GetOrderStatus(ctx context.Context, orderID int64) (orders.Status, error) {
	return m.db.GetOrderStatus(ctx, orderID)
}

// SetOrderStatus commits the status to SQL and then refreshes the cache.
// The cached entry is dropped before the commit so other readers of the
// same Redis fall through to SQL if the refresh fails.
func (m *Manager) SetOrderStatus(ctx context.Context, orderID int64, status orders.Status, detail string) error {
	m.evict(ctx, orderID)
	if err := m.db.SetOrderStatus(ctx, orderID, status, detail); err != nil {
		return err
	}
	m.cache(ctx, orderID, status)
	return nil
}

// CachedStatus reads the status from Redis, falling back to SQL and
// repopulating the cache on a miss or when the entry is known stale.
func (m *Manager) CachedStatus(ctx context.Context, orderID int64) (orders.Status, error) {
	if m.redis != nil && !m.isStale(orderID) {
		e, err := m.redis.GetStatus(ctx, orderID)
		if err != nil {
			m.log.Warn().Err(err).Int64("order_id", orderID).Msg("redis read failed, using sql")
		} else if e != nil {
			return e.Status, nil
		}
	}
	status, err := m.db.GetOrderStatus(ctx, orderID)
	if err != nil {
		return "", err
	}
	m.cache(ctx, orderID, status)
	return status, nil
}

// Prime seeds the cache for a freshly created order.
func (m *Manager) Prime(ctx context.Context, o *store.Order) {
	m.cache(ctx, o.ID, o.Status)
}

// SyncRedisFromSQL rebuilds the cache from the active orders. Called on startup.
func (m *Manager) SyncRedisFromSQL(ctx context.Context) error {
	if m.redis == nil {
		return nil
	}
	if err := m.redis.FlushAll(ctx); err != nil {
		return err
	}
	active, err := m.db.ListActiveOrders()
	if err != nil {
		return err
	}
	for _, o := range active {
		m.cache(ctx, o.ID, o.Status)
	}
	m.log.Info().Int("orders", len(active)).Msg("synced order statuses to redis")
	return nil
}

// CacheHealth pings Redis. It returns false for enabled when caching is off.
func (m *Manager) CacheHealth(ctx context.Context) (enabled bool, err error) {
	if m.redis == nil {
		return false, nil
	}
	return true, m.redis.Ping(ctx)
}

func (m *Manager) cache(ctx context.Context, orderID int64, status orders.Status) {
	if m.redis == nil {
		return
	}
	e := &Entry{OrderID: orderID, Status: status, UpdatedAt: m.now()}
	if err := m.redis.SetStatus(ctx, e); err != nil {
		m.log.Warn().Err(err).Int64("order_id", orderID).Msg("redis write failed")
		m.markStale(orderID, true)
		m.evict(ctx, orderID)
		return
	}
	m.markStale(orderID, false)
}

// evict removes the cached entry, best effort.
func (m *Manager) evict(ctx context.Context, orderID int64) {
	if m.redis == nil {
		return
	}
	if err := m.redis.DeleteStatus(ctx, orderID); err != nil {
		m.log.Debug().Err(err).Int64("order_id", orderID).Msg("redis evict failed")
	}
}

func (m *Manager) markStale(orderID int64, stale bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stale {
		m.stale[orderID] = struct{}{}
	} else {
		delete(m.stale, orderID)
	}
}

func (m *Manager) isStale(orderID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stale[orderID]
	return ok
}

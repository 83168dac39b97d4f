package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smartdine/config"
	"smartdine/messaging"
	"smartdine/orders"
	"smartdine/orderstate"
	"smartdine/realtime"
	"smartdine/store"
)

type Config struct {
	AppConfig  *config.Config
	DB         *store.DB
	OrderState *orderstate.Manager
	MsgClient  *messaging.Client // nil when downstream messaging is disabled
	Publisher  Publisher
	Metrics    *realtime.Metrics
	Logger     zerolog.Logger
}

type Engine struct {
	cfg          *config.Config
	db           *store.DB
	orderState   *orderstate.Manager
	msgClient    *messaging.Client
	pub          Publisher
	coord        *Coordinator
	Events       *EventBus
	log          zerolog.Logger
	now          func() time.Time
	stopOnce     sync.Once
	stopChan     chan struct{}
	msgConnected bool
}

func New(c Config) *Engine {
	log := c.Logger.With().Str("component", "engine").Logger()
	bus := NewEventBus(log)
	return &Engine{
		cfg:        c.AppConfig,
		db:         c.DB,
		orderState: c.OrderState,
		msgClient:  c.MsgClient,
		pub:        c.Publisher,
		coord:      NewCoordinator(c.OrderState, c.Publisher, bus, c.Metrics, c.Logger),
		Events:     bus,
		log:        log,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

func (e *Engine) Start() {
	e.wireEventHandlers()

	if e.msgClient != nil {
		e.checkConnectionStatus()
		go e.connectionHealthLoop()
	}
	e.log.Info().Msg("engine started")
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.log.Info().Msg("engine stopped")
}

// Accessors
func (e *Engine) DB() *store.DB                   { return e.db }
func (e *Engine) AppConfig() *config.Config       { return e.cfg }
func (e *Engine) OrderState() *orderstate.Manager { return e.orderState }
func (e *Engine) Coordinator() *Coordinator       { return e.coord }
func (e *Engine) MsgClient() *messaging.Client    { return e.msgClient }
func (e *Engine) MessagingEnabled() bool          { return e.cfg.Messaging.Backend != "" }

// CurrentStatus returns the committed status from SQL.
func (e *Engine) CurrentStatus(ctx context.Context, orderID int64) (orders.Status, error) {
	return e.coord.CurrentStatus(ctx, orderID)
}

// ChangeStatus validates, commits and broadcasts a status change.
func (e *Engine) ChangeStatus(ctx context.Context, orderID int64, status orders.Status) (orders.Status, error) {
	return e.coord.ChangeStatus(ctx, orderID, status)
}

// ResyncStatus serves reconnecting clients from the status cache.
func (e *Engine) ResyncStatus(ctx context.Context, orderID int64) (orders.Status, error) {
	st, err := e.orderState.CachedStatus(ctx, orderID)
	if err != nil {
		return "", storeError(orderID, err)
	}
	return st, nil
}

func (e *Engine) checkConnectionStatus() {
	if e.msgClient.IsConnected() {
		if !e.msgConnected {
			e.msgConnected = true
			e.Events.Emit(Event{Type: EventMessagingConnected, Payload: ConnectionEvent{Detail: e.msgClient.Backend() + " connected"}})
		}
	} else if e.msgConnected {
		e.msgConnected = false
		e.Events.Emit(Event{Type: EventMessagingDisconnected, Payload: ConnectionEvent{Detail: e.msgClient.Backend() + " disconnected"}})
	}
}

func (e *Engine) connectionHealthLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.checkConnectionStatus()
		}
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"smartdine/orders"
	"smartdine/realtime"
	"smartdine/store"
)

// StatusStore is the storage boundary the coordinator consumes.
// *orderstate.Manager and *store.DB both satisfy it.
type StatusStore interface {
	GetOrderStatus(ctx context.Context, orderID int64) (orders.Status, error)
	SetOrderStatus(ctx context.Context, orderID int64, status orders.Status, detail string) error
}

// Publisher fans an event out to channels. *realtime.Broadcaster satisfies it.
type Publisher interface {
	Publish(evt realtime.Event, channels ...realtime.ChannelID) int
}

// Coordinator applies status changes in a fixed sequence: validate against
// the transition table, commit to storage, then broadcast what was committed.
// Nothing is broadcast for a change that was not committed.
type Coordinator struct {
	store   StatusStore
	pub     Publisher
	bus     *EventBus
	metrics *realtime.Metrics
	tracer  trace.Tracer
	log     zerolog.Logger
	now     func() time.Time
}

func NewCoordinator(st StatusStore, pub Publisher, bus *EventBus, m *realtime.Metrics, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   st,
		pub:     pub,
		bus:     bus,
		metrics: m,
		tracer:  otel.Tracer("smartdine/engine"),
		log:     log.With().Str("component", "coordinator").Logger(),
		now:     time.Now,
	}
}

// CurrentStatus returns the committed status of an order.
func (c *Coordinator) CurrentStatus(ctx context.Context, orderID int64) (orders.Status, error) {
	st, err := c.store.GetOrderStatus(ctx, orderID)
	if err != nil {
		return "", storeError(orderID, err)
	}
	return st, nil
}

// ChangeStatus moves an order to requested and returns the committed status.
// Errors are *orders.Error with kind NotFound, InvalidTransition or
// PersistenceError. Requesting the current status is an InvalidTransition.
func (c *Coordinator) ChangeStatus(ctx context.Context, orderID int64, requested orders.Status) (orders.Status, error) {
	ctx, span := c.tracer.Start(ctx, "order.change_status", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.String("order.status.requested", string(requested)),
	))
	defer span.End()

	committed, from, err := c.changeStatus(ctx, orderID, requested)
	outcome := "ok"
	if err != nil {
		outcome = string(orders.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("order.status.outcome", outcome))
	c.metrics.ObserveStatusChange(outcome)

	var ev *zerolog.Event
	if err != nil {
		ev = c.log.Debug().Err(err)
	} else {
		ev = c.log.Info()
	}
	ev.Int64("order_id", orderID).
		Str("from", string(from)).
		Str("status", string(requested)).
		Str("actor", orders.ActorFrom(ctx)).
		Str("outcome", outcome).
		Msg("status change")
	return committed, err
}

func (c *Coordinator) changeStatus(ctx context.Context, orderID int64, requested orders.Status) (orders.Status, orders.Status, error) {
	if !requested.Valid() {
		return "", "", orders.Malformed(fmt.Sprintf("unknown status %q", requested))
	}
	current, err := c.store.GetOrderStatus(ctx, orderID)
	if err != nil {
		return "", "", storeError(orderID, err)
	}
	if !orders.CanTransition(current, requested) {
		return "", current, orders.InvalidTransition(orderID, current, requested)
	}

	actor := orders.ActorFrom(ctx)
	if err := c.store.SetOrderStatus(ctx, orderID, requested, "by "+actor); err != nil {
		return "", current, storeError(orderID, err)
	}

	// The broadcaster stamps the event so timestamps follow delivery order.
	c.pub.Publish(realtime.StatusChanged(orderID, requested, time.Time{}),
		realtime.OrderChannel(orderID), realtime.AdminChannel)

	at := c.now().UTC()

	if c.bus != nil {
		c.bus.Emit(Event{Type: EventOrderStatusChanged, Timestamp: at, Payload: OrderStatusChangedEvent{
			OrderID:   orderID,
			OldStatus: current,
			NewStatus: requested,
			Actor:     actor,
			ChangedAt: at,
		}})
	}
	return requested, current, nil
}

// storeError classifies a storage failure. A row vanishing between read and
// write still reads as NotFound.
func storeError(orderID int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return orders.NotFound(orderID)
	}
	return orders.Persistence(orderID, err)
}

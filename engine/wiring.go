package engine

import (
	"fmt"
	"strconv"

	"smartdine/messaging"
)

func (e *Engine) wireEventHandlers() {
	// Status changes: audit, then hand downstream through the outbox.
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(OrderStatusChangedEvent)
		if err := e.db.AppendAudit("order", ev.OrderID, "status_changed", string(ev.OldStatus), string(ev.NewStatus), ev.Actor); err != nil {
			e.log.Error().Err(err).Int64("order_id", ev.OrderID).Msg("audit status change")
		}
		e.enqueue(e.cfg.Messaging.StatusTopic, messaging.TypeStatusChanged, ev.OrderID, messaging.StatusChanged{
			OrderID:   ev.OrderID,
			OldStatus: ev.OldStatus,
			NewStatus: ev.NewStatus,
			Actor:     ev.Actor,
			ChangedAt: ev.ChangedAt,
		})
	}, EventOrderStatusChanged)

	// New orders: audit and forward to the kitchen.
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(OrderPlacedEvent)
		detail := fmt.Sprintf("%s table=%d items=%d total=%.2f", ev.OrderNumber, ev.TableID, ev.ItemCount, ev.TotalAmount)
		if err := e.db.AppendAudit("order", ev.OrderID, "placed", "", detail, ev.Actor); err != nil {
			e.log.Error().Err(err).Int64("order_id", ev.OrderID).Msg("audit order placed")
		}
		e.enqueue(e.cfg.Messaging.OrdersTopic, messaging.TypeOrderPlaced, ev.OrderID, messaging.OrderPlaced{
			OrderID:     ev.OrderID,
			OrderNumber: ev.OrderNumber,
			TableID:     ev.TableID,
			TotalAmount: ev.TotalAmount,
			ItemCount:   ev.ItemCount,
		})
	}, EventOrderPlaced)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(PaymentRecordedEvent)
		if err := e.db.AppendAudit("order", ev.OrderID, "payment", "", ev.Method+" "+ev.PaymentID, ev.Actor); err != nil {
			e.log.Error().Err(err).Int64("order_id", ev.OrderID).Msg("audit payment")
		}
	}, EventPaymentRecorded)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(ConnectionEvent)
		if evt.Type == EventMessagingConnected {
			e.log.Info().Str("detail", ev.Detail).Msg("messaging connected")
		} else {
			e.log.Warn().Str("detail", ev.Detail).Msg("messaging disconnected")
		}
	}, EventMessagingConnected, EventMessagingDisconnected)
}

// enqueue writes a downstream message to the outbox, keyed by order id.
// It is a no-op when messaging is disabled.
func (e *Engine) enqueue(topic, msgType string, orderID int64, payload any) {
	if !e.MessagingEnabled() || topic == "" {
		return
	}
	env, err := messaging.NewEnvelope(msgType, payload)
	if err != nil {
		e.log.Error().Err(err).Str("type", msgType).Msg("build envelope")
		return
	}
	data, err := env.Encode()
	if err != nil {
		e.log.Error().Err(err).Str("type", msgType).Msg("encode envelope")
		return
	}
	if err := e.db.EnqueueOutbox(topic, data, msgType, strconv.FormatInt(orderID, 10)); err != nil {
		e.log.Error().Err(err).Int64("order_id", orderID).Str("type", msgType).Msg("enqueue outbox")
	}
}

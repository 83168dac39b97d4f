package messaging

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"smartdine/logging"
	"smartdine/store"
)

// OutboxStore is the slice of store.DB the drainer uses.
type OutboxStore interface {
	ListPendingOutbox(limit int) ([]*store.OutboxMessage, error)
	AckOutbox(id int64) error
	IncrementOutboxRetries(id int64) error
}

// Publisher sends one message downstream. *Client implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

const drainBatch = 50

// OutboxDrainer periodically sends pending outbox messages.
type OutboxDrainer struct {
	db       OutboxStore
	pub      Publisher
	interval time.Duration
	log      zerolog.Logger
}

func NewOutboxDrainer(db OutboxStore, pub Publisher, interval time.Duration) *OutboxDrainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxDrainer{
		db:       db,
		pub:      pub,
		interval: interval,
		log:      logging.WithComponent("outbox"),
	}
}

// Run drains on every tick until ctx is cancelled.
func (d *OutboxDrainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// drain publishes one batch in id order. After a failure, later messages
// with the same key wait for the next pass so they are not sent out of order.
func (d *OutboxDrainer) drain(ctx context.Context) int {
	msgs, err := d.db.ListPendingOutbox(drainBatch)
	if err != nil {
		d.log.Error().Err(err).Msg("list pending")
		return 0
	}
	blocked := make(map[string]struct{})
	sent := 0
	for _, msg := range msgs {
		if _, ok := blocked[msg.Key]; ok {
			continue
		}
		if err := d.pub.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			d.log.Warn().Err(err).
				Str("topic", msg.Topic).
				Int64("outbox_id", msg.ID).
				Int("retries", msg.Retries).
				Msg("publish failed")
			d.db.IncrementOutboxRetries(msg.ID)
			blocked[msg.Key] = struct{}{}
			continue
		}
		if err := d.db.AckOutbox(msg.ID); err != nil {
			d.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("ack")
		}
		sent++
	}
	return sent
}

package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Broadcaster fans events out to the members of channels.
//
// Publishes are serialized, so two events published in order are queued to
// every common member in that order. Queuing never blocks: a member whose
// queue is full is dropped and disconnected, and it recovers by reconnecting
// and re-fetching order state.
//
// An event with a zero Timestamp is stamped inside the serialized section,
// so stamped timestamps never decrease in delivery order.
type Broadcaster struct {
	mu       sync.Mutex
	registry *Registry
	metrics  *Metrics
	log      zerolog.Logger
	now      func() time.Time
	last     time.Time
}

func NewBroadcaster(reg *Registry, m *Metrics, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		metrics:  m,
		log:      log.With().Str("component", "broadcaster").Logger(),
		now:      time.Now,
	}
}

// Publish queues evt to every session subscribed to any of channels and
// returns the number of sessions it reached. A session on several of the
// channels gets the event once.
func (b *Broadcaster) Publish(evt Event, channels ...ChannelID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.stamp()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.Error().Err(err).Str("type", evt.Type).Msg("encode event")
		return 0
	}
	out := outbound{typ: evt.Type, data: data}

	b.metrics.eventPublished(evt.Type)
	seen := make(map[*Session]struct{})
	sent := 0
	for _, ch := range channels {
		for _, s := range b.registry.MembersOf(ch) {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			if b.deliver(s, ch, evt, out) {
				sent++
			}
		}
	}
	return sent
}

// stamp returns the current UTC time, clamped so it never goes behind the
// previous stamp when the wall clock steps back. Callers hold b.mu.
func (b *Broadcaster) stamp() time.Time {
	t := b.now().UTC()
	if t.Before(b.last) {
		t = b.last
	}
	b.last = t
	return t
}

func (b *Broadcaster) deliver(s *Session, ch ChannelID, evt Event, out outbound) bool {
	switch err := s.enqueue(out); err {
	case nil:
		b.metrics.delivered()
		return true
	case ErrQueueFull:
		b.metrics.dropped("queue_full")
		b.log.Warn().
			Str("session_id", s.ID()).
			Str("channel", string(ch)).
			Int64("order_id", evt.OrderID).
			Msg("session queue full, dropping event and disconnecting")
		s.Close("slow consumer")
	default:
		b.metrics.dropped("closed")
		b.log.Debug().
			Str("session_id", s.ID()).
			Str("channel", string(ch)).
			Int64("order_id", evt.OrderID).
			Msg("session closed, event dropped")
	}
	return false
}

package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrQueueFull     = errors.New("session queue full")
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// outbound is one encoded frame waiting for the transport writer.
type outbound struct {
	typ  string
	data []byte
}

// SessionOptions configures a new Session.
type SessionOptions struct {
	Transport    string // "ws" or "sse"
	QueueSize    int
	InboundRate  float64
	InboundBurst int
	Staff        bool
}

// Session is the handle for one live client connection. The transport
// goroutines own the connection; the Registry and Broadcaster only ever
// touch a Session through Subscribe and enqueue.
type Session struct {
	id        string
	transport string
	staff     bool
	opened    time.Time

	registry *Registry
	metrics  *Metrics
	log      zerolog.Logger

	state   atomic.Int32
	send    chan outbound
	done    chan struct{}
	once    sync.Once
	reason  atomic.Value
	limiter *rate.Limiter
}

func newSession(reg *Registry, m *Metrics, log zerolog.Logger, opts SessionOptions) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	limit := rate.Inf
	if opts.InboundRate > 0 {
		limit = rate.Limit(opts.InboundRate)
	}
	burst := opts.InboundBurst
	if burst <= 0 {
		burst = 1
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		transport: opts.Transport,
		staff:     opts.Staff,
		opened:    time.Now(),
		registry:  reg,
		metrics:   m,
		log:       log.With().Str("session_id", id).Str("transport", opts.Transport).Logger(),
		send:      make(chan outbound, opts.QueueSize),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(limit, burst),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) IsStaff() bool     { return s.staff }
func (s *Session) State() State      { return State(s.state.Load()) }
func (s *Session) Transport() string { return s.transport }

// Done is closed once the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason is empty until the session closes.
func (s *Session) CloseReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// markConnected moves CONNECTING to CONNECTED. It fails if the session was
// closed during the handshake.
func (s *Session) markConnected() bool {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return false
	}
	s.metrics.sessionOpened(s.transport)
	s.log.Debug().Msg("session connected")
	return true
}

// enqueue hands a frame to the writer without blocking.
func (s *Session) enqueue(o outbound) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- o:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close moves the session to CLOSED and removes every subscription before
// returning, so no later publish can reach it. Only the first call has an
// effect.
func (s *Session) Close(reason string) {
	s.once.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		s.reason.Store(reason)
		n := s.registry.UnsubscribeAll(s)
		close(s.done)
		if prev == StateConnected {
			s.metrics.sessionClosed(s.transport)
		}
		s.log.Debug().
			Str("reason", reason).
			Int("channels", n).
			Dur("age", time.Since(s.opened)).
			Msg("session closed")
	})
}

// allow applies the per-session inbound rate limit.
func (s *Session) allow() bool {
	return s.limiter.Allow()
}

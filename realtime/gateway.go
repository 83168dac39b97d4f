package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"smartdine/config"
	"smartdine/orders"
)

// Coordinator is the part of the order engine the gateway forwards to.
type Coordinator interface {
	CurrentStatus(ctx context.Context, orderID int64) (orders.Status, error)
	ChangeStatus(ctx context.Context, orderID int64, status orders.Status) (orders.Status, error)
}

// StaffAuthorizer reports whether the handshake request carries a staff
// login. It returns the staff user name, or "" when not staff.
type StaffAuthorizer func(r *http.Request) string

// Options tunes the gateway's sessions.
type Options struct {
	QueueSize        int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	MaxMessageSize   int64
	InboundRate      float64
	InboundBurst     int
	RequireStaffAuth bool
	AllowedOrigins   []string
}

func OptionsFromConfig(c config.RealtimeConfig) Options {
	return Options{
		QueueSize:        c.QueueSize,
		WriteTimeout:     c.WriteTimeout,
		PingInterval:     c.PingInterval,
		PongWait:         c.PongWait,
		MaxMessageSize:   c.MaxMessageSize,
		InboundRate:      c.InboundRate,
		InboundBurst:     c.InboundBurst,
		RequireStaffAuth: c.RequireStaffAuth,
		AllowedOrigins:   c.AllowedOrigins,
	}
}

func (o *Options) setDefaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
}

// Gateway accepts WebSocket connections and runs one Session per connection.
type Gateway struct {
	registry *Registry
	coord    Coordinator
	staff    StaffAuthorizer
	opts     Options
	metrics  *Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

func NewGateway(reg *Registry, coord Coordinator, staff StaffAuthorizer, opts Options, m *Metrics, log zerolog.Logger) *Gateway {
	opts.setDefaults()
	g := &Gateway{
		registry: reg,
		coord:    coord,
		staff:    staff,
		opts:     opts,
		metrics:  m,
		log:      log.With().Str("component", "gateway").Logger(),
		sessions: make(map[*Session]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// checkOrigin allows same-host requests, plus any origin listed in
// AllowedOrigins ("*" allows all).
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// staffName resolves the staff identity for a handshake. With staff auth
// disabled every session may act as staff.
func (g *Gateway) staffName(r *http.Request) string {
	if g.staff != nil {
		if name := g.staff(r); name != "" {
			return name
		}
	}
	if !g.opts.RequireStaffAuth {
		return "anonymous"
	}
	return ""
}

// track registers a live session. It fails once Shutdown has started.
func (g *Gateway) track(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[s] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
	g.wg.Done()
}

// SessionCount is the number of live sessions across both transports.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// ServeHTTP upgrades the request and runs the session until disconnect.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	staff := g.staffName(r)
	s := newSession(g.registry, g.metrics, g.log, SessionOptions{
		Transport:    "ws",
		QueueSize:    g.opts.QueueSize,
		InboundRate:  g.opts.InboundRate,
		InboundBurst: g.opts.InboundBurst,
		Staff:        staff != "",
	})
	if !g.track(s) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.untrack(s)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.Close("handshake failed")
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	if !s.markConnected() {
		conn.Close()
		return
	}

	actor := staff
	if actor == "" {
		actor = "customer"
	}
	ctx := orders.WithActor(context.Background(), actor)

	g.reply(s, helloFrame{Type: TypeHello, SessionID: s.ID()})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writePump(s, conn)
	}()

	reason := g.readPump(ctx, s, conn)
	s.Close(reason)
	<-writerDone
	conn.Close()
}

// readPump reads requests until the transport fails or the session closes.
// It returns the close reason.
func (g *Gateway) readPump(ctx context.Context, s *Session, conn *websocket.Conn) string {
	conn.SetReadLimit(g.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return closeReason(err, s)
		}
		if msgType != websocket.TextMessage {
			g.reply(s, errorFrameFor("", orders.Malformed("binary frames are not supported")))
			continue
		}
		g.handle(ctx, s, data)
	}
}

func closeReason(err error, s *Session) string {
	if s.State() == StateClosed {
		return s.CloseReason()
	}
	var ne interface{ Timeout() bool }
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "client closed"
	case errors.Is(err, websocket.ErrReadLimit):
		return "message too large"
	case errors.As(err, &ne) && ne.Timeout():
		return "pong timeout"
	}
	return "connection lost"
}

// writePump is the only goroutine that writes to conn. It drains the
// session's queue in order and keeps the connection alive with pings.
func (g *Gateway) writePump(s *Session, conn *websocket.Conn) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				s.Close("write failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close("ping failed")
				conn.Close()
				return
			}
		case <-s.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.CloseReason())
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			// Unblock the reader when the close was initiated server-side.
			conn.SetReadDeadline(time.Now())
			return
		}
	}
}

// handle processes one inbound request. Failures are answered to this
// session only and never close it.
func (g *Gateway) handle(ctx context.Context, s *Session, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		g.fail(s, "", "", orders.Malformed("invalid JSON"))
		return
	}
	if !s.allow() {
		g.fail(s, req.RequestID, knownType(req.Type), orders.RateLimited())
		return
	}

	switch req.Type {
	case ReqSubscribeToOrder:
		g.subscribeToOrder(ctx, s, &req)
	case ReqUnsubscribeFromOrder:
		id, err := req.orderID()
		if err != nil {
			g.fail(s, req.RequestID, req.Type, err)
			return
		}
		ch := OrderChannel(id)
		g.registry.Unsubscribe(ch, s)
		g.ok(s, req.RequestID, req.Type, ackResult{OrderID: id, Channel: ch})
	case ReqSubscribeAdmin:
		if !s.IsStaff() {
			g.fail(s, req.RequestID, req.Type, orders.Forbidden("staff login required"))
			return
		}
		if err := g.registry.Subscribe(AdminChannel, s); err != nil {
			return
		}
		g.ok(s, req.RequestID, req.Type, ackResult{Channel: AdminChannel})
	case ReqStatusChange:
		g.requestStatusChange(ctx, s, &req)
	default:
		g.fail(s, req.RequestID, "", orders.Malformed("unknown request type "+quote(req.Type)))
	}
}

// subscribeToOrder joins the order channel and acks with the current status,
// read after joining so no change can fall between the read and the join.
// A failed read only undoes a membership this request created.
func (g *Gateway) subscribeToOrder(ctx context.Context, s *Session, req *Request) {
	id, err := req.orderID()
	if err != nil {
		g.fail(s, req.RequestID, req.Type, err)
		return
	}
	ch := OrderChannel(id)
	joined := !g.registry.IsMember(ch, s)
	if err := g.registry.Subscribe(ch, s); err != nil {
		return
	}
	status, err := g.coord.CurrentStatus(ctx, id)
	if err != nil {
		if joined {
			g.registry.Unsubscribe(ch, s)
		}
		g.fail(s, req.RequestID, req.Type, err)
		return
	}
	g.ok(s, req.RequestID, req.Type, ackResult{OrderID: id, Status: status, Channel: ch})
}

// requestStatusChange forwards a staff change to the coordinator. The change
// runs to completion even if the session drops mid-request.
func (g *Gateway) requestStatusChange(ctx context.Context, s *Session, req *Request) {
	if !s.IsStaff() {
		g.fail(s, req.RequestID, req.Type, orders.Forbidden("staff login required"))
		return
	}
	id, err := req.orderID()
	if err != nil {
		g.fail(s, req.RequestID, req.Type, err)
		return
	}
	status, err := req.status()
	if err != nil {
		g.fail(s, req.RequestID, req.Type, err)
		return
	}
	committed, err := g.coord.ChangeStatus(context.WithoutCancel(ctx), id, status)
	if err != nil {
		g.fail(s, req.RequestID, req.Type, err)
		return
	}
	g.ok(s, req.RequestID, req.Type, ackResult{OrderID: id, Status: committed})
}

func (g *Gateway) ok(s *Session, requestID, typ string, res ackResult) {
	g.metrics.request(typ, "ok")
	g.reply(s, ackFrame{Type: TypeAck, RequestID: requestID, Result: res})
}

func (g *Gateway) fail(s *Session, requestID, typ string, err error) {
	frame := errorFrameFor(requestID, err)
	g.metrics.request(typ, string(frame.Kind))
	level := zerolog.DebugLevel
	if frame.Kind == orders.KindPersistence {
		level = zerolog.ErrorLevel
	}
	g.log.WithLevel(level).
		Str("session_id", s.ID()).
		Str("request", typ).
		Str("kind", string(frame.Kind)).
		Err(err).
		Msg("request rejected")
	g.reply(s, frame)
}

// reply queues a direct response. Replies share the session queue with
// broadcasts, so a full queue drops the reply like any other frame.
func (g *Gateway) reply(s *Session, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		g.log.Error().Err(err).Msg("encode reply")
		return
	}
	if err := s.enqueue(outbound{data: data}); err == ErrQueueFull {
		g.metrics.dropped("queue_full")
		s.Close("slow consumer")
	}
}

// Shutdown closes every session and waits for their goroutines to exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	live := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		live = append(live, s)
	}
	g.mu.Unlock()

	for _, s := range live {
		s.Close("server shutdown")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.log.Info().Int("sessions", len(live)).Msg("gateway stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// knownType keeps client-chosen strings out of metric labels.
func knownType(t string) string {
	switch t {
	case ReqSubscribeToOrder, ReqUnsubscribeFromOrder, ReqSubscribeAdmin, ReqStatusChange:
		return t
	}
	return ""
}

func quote(s string) string {
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return `"` + s + `"`
}

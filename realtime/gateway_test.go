package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"smartdine/orders"
)

// fakeCoordinator validates, commits to a map, then publishes.
type fakeCoordinator struct {
	mu       sync.Mutex
	statuses map[int64]orders.Status
	b        *Broadcaster
	failSet  bool
	failGet  bool
}

func (f *fakeCoordinator) setFailGet(fail bool) {
	f.mu.Lock()
	f.failGet = fail
	f.mu.Unlock()
}

func (f *fakeCoordinator) CurrentStatus(_ context.Context, id int64) (orders.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return "", orders.Persistence(id, errors.New("sql: connection refused on 10.0.0.5"))
	}
	st, ok := f.statuses[id]
	if !ok {
		return "", orders.NotFound(id)
	}
	return st, nil
}

func (f *fakeCoordinator) ChangeStatus(_ context.Context, id int64, to orders.Status) (orders.Status, error) {
	f.mu.Lock()
	from, ok := f.statuses[id]
	if !ok {
		f.mu.Unlock()
		return "", orders.NotFound(id)
	}
	if !orders.CanTransition(from, to) {
		f.mu.Unlock()
		return "", orders.InvalidTransition(id, from, to)
	}
	if f.failSet {
		f.mu.Unlock()
		return "", orders.Persistence(id, assert.AnError)
	}
	f.statuses[id] = to
	f.mu.Unlock()
	f.b.Publish(StatusChanged(id, to, time.Now()), OrderChannel(id), AdminChannel)
	return to, nil
}

type harness struct {
	reg   *Registry
	coord *fakeCoordinator
	gw    *Gateway
	srv   *httptest.Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg := NewRegistry(nil)
	b := NewBroadcaster(reg, nil, zerolog.Nop())
	coord := &fakeCoordinator{
		statuses: map[int64]orders.Status{
			1: orders.StatusPending,
			2: orders.StatusPending,
			3: orders.StatusPreparing,
			9: orders.StatusCompleted,
		},
		b: b,
	}
	staff := func(r *http.Request) string { return r.Header.Get("X-Staff") }
	gw := NewGateway(reg, coord, staff, opts, nil, zerolog.Nop())

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("/events", gw.ServeSSE)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
		srv.Close()
	})
	return &harness{reg: reg, coord: coord, gw: gw, srv: srv}
}

func defaultOpts() Options {
	return Options{QueueSize: 16, RequireStaffAuth: true, PingInterval: time.Second, PongWait: 2 * time.Second}
}

type frame struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId"`
	SessionID string        `json:"sessionId"`
	OrderID   int64         `json:"orderId"`
	Status    orders.Status `json:"status"`
	Kind      orders.Kind   `json:"kind"`
	Message   string        `json:"message"`
	Result    ackResult     `json:"result"`
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T, staff string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	hdr := http.Header{}
	if staff != "" {
		hdr.Set("X-Staff", staff)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &client{t: t, conn: conn}
	hello := c.read()
	require.Equal(t, TypeHello, hello.Type)
	require.NotEmpty(t, hello.SessionID)
	return c
}

func (c *client) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (c *client) read() frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// expectSilence asserts nothing arrives within a short window.
func (c *client) expectSilence() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := c.conn.ReadMessage()
	require.Error(c.t, err, "unexpected frame %s", data)
}

func TestGateway_ScenarioA_StatusChangeReachesOrderAndAdmin(t *testing.T) {
	h := newHarness(t, defaultOpts())
	customer := h.dial(t, "")
	admin := h.dial(t, "alice")
	staff := h.dial(t, "bob")

	customer.send(map[string]any{"type": ReqSubscribeToOrder, "requestId": "c1", "orderId": 1})
	ack := customer.read()
	require.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, "c1", ack.RequestID)
	assert.Equal(t, orders.StatusPending, ack.Result.Status)
	assert.Equal(t, OrderChannel(1), ack.Result.Channel)

	admin.send(map[string]any{"type": ReqSubscribeAdmin, "requestId": "a1"})
	require.Equal(t, TypeAck, admin.read().Type)

	staff.send(map[string]any{"type": ReqStatusChange, "requestId": "s1", "orderId": 1, "status": "PREPARING"})
	res := staff.read()
	require.Equal(t, TypeAck, res.Type)
	assert.Equal(t, "s1", res.RequestID)
	assert.Equal(t, orders.StatusPreparing, res.Result.Status)

	for _, c := range []*client{customer, admin} {
		evt := c.read()
		assert.Equal(t, TypeStatusChanged, evt.Type)
		assert.Equal(t, int64(1), evt.OrderID)
		assert.Equal(t, orders.StatusPreparing, evt.Status)
		c.expectSilence()
	}
	staff.expectSilence()
}

func TestGateway_ScenarioB_InvalidTransitionNoBroadcast(t *testing.T) {
	h := newHarness(t, defaultOpts())
	admin := h.dial(t, "alice")
	customer := h.dial(t, "")

	admin.send(map[string]any{"type": ReqSubscribeAdmin})
	admin.read()
	customer.send(map[string]any{"type": ReqSubscribeToOrder, "orderId": 9})
	customer.read()

	admin.send(map[string]any{"type": ReqStatusChange, "requestId": "r", "orderId": 9, "status": "PREPARING"})
	res := admin.read()
	assert.Equal(t, TypeError, res.Type)
	assert.Equal(t, "r", res.RequestID)
	assert.Equal(t, orders.KindInvalidTransition, res.Kind)

	admin.expectSilence()
	customer.expectSilence()
}

func TestGateway_RepeatingCurrentStatusIsInvalid(t *testing.T) {
	h := newHarness(t, defaultOpts())
	admin := h.dial(t, "alice")
	admin.send(map[string]any{"type": ReqStatusChange, "orderId": 3, "status": "preparing"})
	assert.Equal(t, orders.KindInvalidTransition, admin.read().Kind)
}

func TestGateway_PersistenceErrorNoBroadcast(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.coord.failSet = true
	admin := h.dial(t, "alice")
	admin.send(map[string]any{"type": ReqSubscribeAdmin})
	admin.read()

	admin.send(map[string]any{"type": ReqStatusChange, "orderId": 1, "status": "PREPARING"})
	f := admin.read()
	assert.Equal(t, orders.KindPersistence, f.Kind)
	assert.Equal(t, "internal error", f.Message)
	assert.NotContains(t, f.Message, assert.AnError.Error())
	admin.expectSilence()
}

func TestGateway_MalformedRequestsKeepSessionOpen(t *testing.T) {
	h := newHarness(t, defaultOpts())
	c := h.dial(t, "alice")

	cases := []struct {
		name string
		msg  string
	}{
		{"invalid json", `{"type":`},
		{"unknown type", `{"type":"dance","requestId":"x"}`},
		{"missing order id", `{"type":"subscribeToOrder","requestId":"x"}`},
		{"non numeric order id", `{"type":"subscribeToOrder","requestId":"x","orderId":"abc"}`},
		{"negative order id", `{"type":"subscribeToOrder","requestId":"x","orderId":-4}`},
		{"missing status", `{"type":"requestStatusChange","requestId":"x","orderId":1}`},
		{"unknown status", `{"type":"requestStatusChange","requestId":"x","orderId":1,"status":"EATEN"}`},
	}
	for _, tc := range cases {
		c.sendRaw(tc.msg)
		f := c.read()
		assert.Equal(t, TypeError, f.Type, tc.name)
		assert.Equal(t, orders.KindMalformedRequest, f.Kind, tc.name)
	}

	// Still connected and usable.
	c.send(map[string]any{"type": ReqSubscribeToOrder, "requestId": "ok", "orderId": "2"})
	f := c.read()
	assert.Equal(t, TypeAck, f.Type)
	assert.Equal(t, int64(2), f.Result.OrderID)
}

func TestGateway_ResubscribeReadFailureKeepsSubscription(t *testing.T) {
	h := newHarness(t, defaultOpts())
	c := h.dial(t, "")
	staff := h.dial(t, "alice")

	c.send(map[string]any{"type": ReqSubscribeToOrder, "orderId": 2})
	require.Equal(t, TypeAck, c.read().Type)

	h.coord.setFailGet(true)
	c.send(map[string]any{"type": ReqSubscribeToOrder, "requestId": "again", "orderId": 2})
	f := c.read()
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, "again", f.RequestID)
	require.Len(t, h.reg.MembersOf(OrderChannel(2)), 1)
	h.coord.setFailGet(false)

	staff.send(map[string]any{"type": ReqStatusChange, "orderId": 2, "status": "PREPARING"})
	require.Equal(t, TypeAck, staff.read().Type)
	evt := c.read()
	assert.Equal(t, TypeStatusChanged, evt.Type)
	assert.Equal(t, orders.StatusPreparing, evt.Status)
}

func TestGateway_FirstSubscribeReadFailureLeavesNoMembership(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.coord.setFailGet(true)
	c := h.dial(t, "")

	c.send(map[string]any{"type": ReqSubscribeToOrder, "orderId": 1})
	f := c.read()
	assert.Equal(t, orders.KindPersistence, f.Kind)
	assert.NotContains(t, f.Message, "10.0.0.5")
	assert.Empty(t, h.reg.MembersOf(OrderChannel(1)))
}

func TestGateway_SubscribeUnknownOrder(t *testing.T) {
	h := newHarness(t, defaultOpts())
	c := h.dial(t, "")
	c.send(map[string]any{"type": ReqSubscribeToOrder, "requestId": "x", "orderId": 777})
	f := c.read()
	assert.Equal(t, orders.KindNotFound, f.Kind)
	assert.Empty(t, h.reg.MembersOf(OrderChannel(777)))
}

func TestGateway_StaffOnlyRequestsForbiddenForCustomers(t *testing.T) {
	h := newHarness(t, defaultOpts())
	c := h.dial(t, "")

	c.send(map[string]any{"type": ReqSubscribeAdmin, "requestId": "a"})
	assert.Equal(t, orders.KindForbidden, c.read().Kind)

	c.send(map[string]any{"type": ReqStatusChange, "requestId": "b", "orderId": 1, "status": "PREPARING"})
	assert.Equal(t, orders.KindForbidden, c.read().Kind)

	st, _ := h.coord.CurrentStatus(context.Background(), 1)
	assert.Equal(t, orders.StatusPending, st)
	assert.Empty(t, h.reg.MembersOf(AdminChannel))
}

func TestGateway_StaffAuthDisabled(t *testing.T) {
	opts := defaultOpts()
	opts.RequireStaffAuth = false
	h := newHarness(t, opts)
	c := h.dial(t, "")

	c.send(map[string]any{"type": ReqSubscribeAdmin})
	assert.Equal(t, TypeAck, c.read().Type)
}

func TestGateway_RateLimited(t *testing.T) {
	opts := defaultOpts()
	opts.InboundRate = 0.001
	opts.InboundBurst = 1
	h := newHarness(t, opts)
	c := h.dial(t, "")

	c.send(map[string]any{"type": ReqSubscribeToOrder, "orderId": 1})
	assert.Equal(t, TypeAck, c.read().Type)
	c.send(map[string]any{"type": ReqSubscribeToOrder, "orderId": 2})
	f := c.read()
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, orders.KindRateLimited, f.Kind)
}

func TestGateway_UnsubscribeFromOrder(t *testing.T) {
	h := newHarness(t, defaultOpts())
	c := h.dial(t, "")
	staff := h.dial(t, "alice")

	c.send(map[string]any{"type": ReqSubscribeToOrder, "orderId": 2})
	c.read()
	c.send(map[string]any{"type": ReqUnsubscribeFromOrder, "orderId": 2})
	assert.Equal(t, TypeAck, c.read().Type)

	staff.send(map[string]any{"type": ReqStatusChange, "orderId": 2, "status": "CANCELLED"})
	staff.read()
	c.expectSilence()
}

func TestGateway_ScenarioE_DisconnectCleansUp(t *testing.T) {
	h := newHarness(t, defaultOpts())
	c := h.dial(t, "")
	staff := h.dial(t, "alice")

	c.send(map[string]any{"type": ReqSubscribeToOrder, "orderId": 1})
	c.read()
	require.Len(t, h.reg.MembersOf(OrderChannel(1)), 1)

	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()

	require.Eventually(t, func() bool {
		return len(h.reg.MembersOf(OrderChannel(1))) == 0
	}, 2*time.Second, 10*time.Millisecond)

	staff.send(map[string]any{"type": ReqStatusChange, "orderId": 1, "status": "PREPARING"})
	assert.Equal(t, TypeAck, staff.read().Type)
	require.Eventually(t, func() bool { return h.gw.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_PongTimeoutClosesSession(t *testing.T) {
	opts := defaultOpts()
	opts.PingInterval = 50 * time.Millisecond
	opts.PongWait = 200 * time.Millisecond
	h := newHarness(t, opts)
	c := h.dial(t, "")
	c.send(map[string]any{"type": ReqSubscribeToOrder, "orderId": 1})
	c.read()

	// The client never reads again, so pings go unanswered.
	require.Eventually(t, func() bool {
		return len(h.reg.MembersOf(OrderChannel(1))) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGateway_ShutdownClosesSessionsWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := NewRegistry(nil)
	coord := &fakeCoordinator{statuses: map[int64]orders.Status{1: orders.StatusPending}, b: NewBroadcaster(reg, nil, zerolog.Nop())}
	gw := NewGateway(reg, coord, nil, defaultOpts(), nil, zerolog.Nop())
	srv := httptest.NewServer(gw)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": ReqSubscribeToOrder, "orderId": 1}))
	require.Eventually(t, func() bool { return len(reg.MembersOf(OrderChannel(1))) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))

	assert.Empty(t, reg.MembersOf(OrderChannel(1)))
	assert.Equal(t, 0, gw.SessionCount())

	// The server sent a close frame; the client sees it after the queued frames.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
			break
		}
	}
	conn.Close()
	srv.Close()

	// New connections are refused after shutdown.
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSSE_OrderStream(t *testing.T) {
	h := newHarness(t, defaultOpts())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/events?order=2", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan [2]string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		var name string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- [2]string{name, strings.TrimPrefix(line, "data: ")}
			}
		}
		close(events)
	}()

	next := func() [2]string {
		select {
		case e := <-events:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for sse event")
		}
		return [2]string{}
	}

	assert.Equal(t, TypeHello, next()[0])
	sub := next()
	require.Equal(t, TypeAck, sub[0])
	var ack frame
	require.NoError(t, json.Unmarshal([]byte(sub[1]), &ack))
	assert.Equal(t, orders.StatusPending, ack.Result.Status)

	_, err = h.coord.ChangeStatus(context.Background(), 2, orders.StatusPreparing)
	require.NoError(t, err)

	evt := next()
	assert.Equal(t, TypeStatusChanged, evt[0])
	var body Event
	require.NoError(t, json.Unmarshal([]byte(evt[1]), &body))
	assert.Equal(t, orders.StatusPreparing, body.Status)
}

func TestSSE_RejectsBadRequests(t *testing.T) {
	h := newHarness(t, defaultOpts())
	cases := []struct {
		query string
		code  int
	}{
		{"", http.StatusBadRequest},
		{"?order=abc", http.StatusBadRequest},
		{"?order=0", http.StatusBadRequest},
		{"?order=404", http.StatusNotFound},
		{"?admin=1", http.StatusForbidden},
	}
	for _, tc := range cases {
		resp, err := http.Get(h.srv.URL + "/events" + tc.query)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.code, resp.StatusCode, "query %q", tc.query)
	}
	assert.Equal(t, 0, h.reg.SessionCount())
}

package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"smartdine/orders"
)

// ServeSSE streams events to clients that cannot hold a WebSocket.
//
//	GET /events?order=<id>   follow one order
//	GET /events?admin=1      staff dashboard feed
//
// The stream is read-only; status changes still go through the WebSocket
// or the HTTP API.
func (g *Gateway) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var (
		ch      ChannelID
		orderID int64
	)
	q := r.URL.Query()
	switch {
	case q.Get("admin") != "":
		if g.staffName(r) == "" {
			http.Error(w, "staff login required", http.StatusForbidden)
			return
		}
		ch = AdminChannel
	case q.Get("order") != "":
		id, err := strconv.ParseInt(q.Get("order"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid order id", http.StatusBadRequest)
			return
		}
		orderID = id
		ch = OrderChannel(id)
	default:
		http.Error(w, "order or admin parameter required", http.StatusBadRequest)
		return
	}

	s := newSession(g.registry, g.metrics, g.log, SessionOptions{
		Transport: "sse",
		QueueSize: g.opts.QueueSize,
		Staff:     ch == AdminChannel,
	})
	if !g.track(s) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.untrack(s)
	defer s.Close("stream ended")

	if err := g.registry.Subscribe(ch, s); err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ack := ackResult{Channel: ch}
	if orderID != 0 {
		status, err := g.coord.CurrentStatus(r.Context(), orderID)
		if err != nil {
			if orders.KindOf(err) == orders.KindNotFound {
				http.Error(w, "order not found", http.StatusNotFound)
			} else {
				http.Error(w, "status unavailable", http.StatusServiceUnavailable)
			}
			return
		}
		ack.OrderID = orderID
		ack.Status = status
	}
	if !s.markConnected() {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(helloFrame{Type: TypeHello, SessionID: s.ID()})
	sub, _ := json.Marshal(ackFrame{Type: TypeAck, Result: ack})
	if writeSSE(w, TypeHello, hello) != nil || writeSSE(w, TypeAck, sub) != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(g.opts.PingInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.Close("client closed")
			return
		case <-s.Done():
			return
		case out := <-s.send:
			if err := writeSSE(w, out.typ, out.data); err != nil {
				s.Close("write failed")
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				s.Close("write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"smartdine/orders"
)

// ChannelID names a broadcast group in the Registry.
type ChannelID string

// AdminChannel is joined by every staff dashboard. It exists for the life of
// the process, even with no members.
const AdminChannel ChannelID = "admin"

// OrderChannel returns the channel a customer joins to follow one order.
func OrderChannel(orderID int64) ChannelID {
	return ChannelID(fmt.Sprintf("order-%d", orderID))
}

// Outbound frame types.
const (
	TypeHello         = "hello"
	TypeStatusChanged = "statusChanged"
	TypeNewOrder      = "newOrder"
	TypeAck           = "ack"
	TypeError         = "error"
)

// Inbound request types.
const (
	ReqSubscribeToOrder     = "subscribeToOrder"
	ReqUnsubscribeFromOrder = "unsubscribeFromOrder"
	ReqSubscribeAdmin       = "subscribeAdmin"
	ReqStatusChange         = "requestStatusChange"
)

// Event is an immutable notification fanned out by the Broadcaster. The
// timestamp is assigned by the server when the event is built.
type Event struct {
	Type        string        `json:"type"`
	OrderID     int64         `json:"orderId"`
	Status      orders.Status `json:"status,omitempty"`
	OrderNumber string        `json:"orderNumber,omitempty"`
	TableID     int64         `json:"tableId,omitempty"`
	TotalAmount float64       `json:"totalAmount,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// StatusChanged builds the event for a committed status change. A zero at
// leaves the timestamp to the Broadcaster.
func StatusChanged(orderID int64, status orders.Status, at time.Time) Event {
	return Event{Type: TypeStatusChanged, OrderID: orderID, Status: status, Timestamp: at}
}

// NewOrder builds the admin notification for a freshly placed order.
func NewOrder(orderID int64, number string, tableID int64, total float64, at time.Time) Event {
	return Event{
		Type:        TypeNewOrder,
		OrderID:     orderID,
		Status:      orders.StatusPending,
		OrderNumber: number,
		TableID:     tableID,
		TotalAmount: total,
		Timestamp:   at,
	}
}

// Request is one inbound client message. OrderID is kept raw so that both
// numeric and quoted ids can be accepted and bad ones reported precisely.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	OrderID   json.RawMessage `json:"orderId,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// orderID decodes the request's order id. Ids must be positive integers.
func (r *Request) orderID() (int64, error) {
	if len(r.OrderID) == 0 {
		return 0, orders.Malformed("missing orderId")
	}
	raw := strings.TrimSpace(string(r.OrderID))
	raw = strings.Trim(raw, `"`)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, orders.Malformed(fmt.Sprintf("invalid orderId %s", string(r.OrderID)))
	}
	return id, nil
}

func (r *Request) status() (orders.Status, error) {
	if r.Status == "" {
		return "", orders.Malformed("missing status")
	}
	st, err := orders.ParseStatus(r.Status)
	if err != nil {
		return "", orders.Malformed(err.Error())
	}
	return st, nil
}

type helloFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ackFrame struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	Result    ackResult `json:"result"`
}

type ackResult struct {
	OrderID int64         `json:"orderId,omitempty"`
	Status  orders.Status `json:"status,omitempty"`
	Channel ChannelID     `json:"channel,omitempty"`
}

type errorFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Kind      orders.Kind `json:"kind"`
	Message   string      `json:"message"`
}

// errorFrameFor classifies err for the requester. Storage failures carry
// driver text, so their message is replaced.
func errorFrameFor(requestID string, err error) errorFrame {
	kind := orders.KindOf(err)
	if kind == "" {
		kind = orders.KindPersistence
	}
	msg := err.Error()
	if kind == orders.KindPersistence {
		msg = "internal error"
	}
	return errorFrame{Type: TypeError, RequestID: requestID, Kind: kind, Message: msg}
}

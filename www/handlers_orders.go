package www

import (
	"context"
	"net/http"
	"strconv"

	"smartdine/engine"
	"smartdine/orders"
	"smartdine/store"
)

func (h *Handlers) apiPlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.PlaceOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	ctx := orders.WithActor(r.Context(), "customer")
	o, err := h.engine.PlaceOrder(ctx, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonCreated(w, o)
}

func (h *Handlers) apiGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	o, err := h.engine.DB().GetOrderWithItems(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, o)
}

// apiOrderStatus is the resync path for reconnecting clients. It answers
// from the status cache and falls back to the database.
func (h *Handlers) apiOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.engine.ResyncStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, map[string]any{"orderId": id, "status": st})
}

type paymentRequest struct {
	Method string `json:"method"`
}

func (h *Handlers) apiSelectPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	ctx := orders.WithActor(r.Context(), "customer")
	o, err := h.engine.SelectPayment(ctx, id, req.Method)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, o)
}

// apiListOrders filters by ?status=, ?table= or ?active=1.
func (h *Handlers) apiListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryLimit(r, 100)
	var (
		list []*store.Order
		err  error
	)
	switch {
	case q.Get("active") != "":
		list, err = h.engine.DB().ListActiveOrders()
	case q.Get("table") != "":
		tableID, perr := strconv.ParseInt(q.Get("table"), 10, 64)
		if perr != nil {
			h.writeError(w, orders.Malformed("invalid table"))
			return
		}
		list, err = h.engine.DB().ListOrdersByTable(tableID, limit)
	default:
		var status orders.Status
		if s := q.Get("status"); s != "" {
			if status, err = orders.ParseStatus(s); err != nil {
				h.writeError(w, orders.Malformed(err.Error()))
				return
			}
		}
		list, err = h.engine.DB().ListOrders(status, limit)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*store.Order{}
	}
	h.jsonOK(w, list)
}

func (h *Handlers) apiOrderHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if _, err := h.engine.DB().GetOrder(id); err != nil {
		h.writeError(w, err)
		return
	}
	history, err := h.engine.DB().ListOrderHistory(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	audit, err := h.engine.DB().ListEntityAudit("order", id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if history == nil {
		history = []*store.OrderHistory{}
	}
	if audit == nil {
		audit = []*store.AuditEntry{}
	}
	h.jsonOK(w, map[string]any{"history": history, "audit": audit})
}

type statusRequest struct {
	Status string `json:"status"`
}

// apiChangeStatus is the HTTP twin of the requestStatusChange message and
// goes through the same coordinator. The change runs to completion even if
// the client disconnects.
func (h *Handlers) apiChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	st, err := orders.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, orders.Malformed(err.Error()))
		return
	}
	committed, err := h.engine.ChangeStatus(context.WithoutCancel(r.Context()), id, st)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, map[string]any{"orderId": id, "status": committed})
}

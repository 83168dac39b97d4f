package www

import (
	"context"
	"net/http"
	"strings"
	"time"

	"smartdine/orders"
	"smartdine/store"
)

func (h *Handlers) apiHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	resp := map[string]any{
		"sessions": h.gateway.SessionCount(),
	}
	if err := h.engine.DB().PingContext(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		resp["database"] = err.Error()
	} else {
		resp["database"] = "ok"
	}
	if enabled, err := h.engine.OrderState().CacheHealth(ctx); enabled {
		if err != nil {
			// The cache is optional; reads fall back to SQL.
			resp["redis"] = err.Error()
		} else {
			resp["redis"] = "ok"
		}
	}
	if h.engine.MessagingEnabled() {
		resp["messaging"] = h.engine.MsgClient() != nil && h.engine.MsgClient().IsConnected()
	}
	resp["status"] = status
	h.jsonStatus(w, code, resp)
}

// apiListMenu returns available items; staff may pass ?all=1.
func (h *Handlers) apiListMenu(w http.ResponseWriter, r *http.Request) {
	availableOnly := r.URL.Query().Get("all") == "" || h.staffUser(r) == ""
	items, err := h.engine.DB().ListMenuItems(availableOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if items == nil {
		items = []*store.MenuItem{}
	}
	h.jsonOK(w, items)
}

func (h *Handlers) apiCreateMenuItem(w http.ResponseWriter, r *http.Request) {
	var m store.MenuItem
	if err := decodeJSON(r, &m); err != nil {
		h.writeError(w, err)
		return
	}
	if err := validMenuItem(&m); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.engine.DB().CreateMenuItem(&m); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "menu_item", m.ID, "created", "", m.Name)
	h.jsonCreated(w, m)
}

func (h *Handlers) apiUpdateMenuItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	old, err := h.engine.DB().GetMenuItem(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var m store.MenuItem
	if err := decodeJSON(r, &m); err != nil {
		h.writeError(w, err)
		return
	}
	m.ID = id
	if err := validMenuItem(&m); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.engine.DB().UpdateMenuItem(&m); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "menu_item", id, "updated", old.Name, m.Name)
	h.jsonOK(w, m)
}

type menuItemDetail struct {
	*store.MenuItem
	CanDelete        *bool            `json:"can_delete,omitempty"`
	ReferencedOrders []store.OrderRef `json:"referenced_orders,omitempty"`
}

// apiGetMenuItem returns one item. Staff also see whether it can be deleted.
func (h *Handlers) apiGetMenuItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.engine.DB().GetMenuItem(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	detail := menuItemDetail{MenuItem: m}
	if h.staffUser(r) != "" {
		refs, err := h.engine.DB().MenuItemReferences(id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		canDelete := len(refs) == 0
		detail.CanDelete = &canDelete
		detail.ReferencedOrders = refs
	}
	h.jsonOK(w, detail)
}

// apiDeleteMenuItem refuses items that orders still reference; those can
// only be marked unavailable.
func (h *Handlers) apiDeleteMenuItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.engine.DB().GetMenuItem(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	refs, err := h.engine.DB().MenuItemReferences(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(refs) > 0 {
		h.jsonStatus(w, http.StatusConflict, map[string]any{
			"error":                "menu item is referenced by existing orders, mark it unavailable instead",
			"referenced_orders":    refs,
			"can_mark_unavailable": true,
		})
		return
	}
	if err := h.engine.DB().DeleteMenuItem(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "menu_item", id, "deleted", m.Name, "")
	h.jsonOK(w, map[string]bool{"success": true})
}

func validMenuItem(m *store.MenuItem) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return orders.Malformed("name is required")
	}
	if m.Price < 0 {
		return orders.Malformed("price must not be negative")
	}
	return nil
}

func (h *Handlers) apiListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.engine.DB().ListTables()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if tables == nil {
		tables = []*store.Table{}
	}
	h.jsonOK(w, tables)
}

func (h *Handlers) apiCreateTable(w http.ResponseWriter, r *http.Request) {
	var t store.Table
	if err := decodeJSON(r, &t); err != nil {
		h.writeError(w, err)
		return
	}
	if t.Number <= 0 {
		h.writeError(w, orders.Malformed("table number is required"))
		return
	}
	if err := h.engine.DB().CreateTable(&t); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "table", t.ID, "created", "", t.Name)
	h.jsonCreated(w, t)
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (h *Handlers) apiSetTableActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req activeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.engine.DB().SetTableActive(id, req.Active); err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.engine.DB().GetTable(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, t)
}

type tableUpdate struct {
	Number   *int    `json:"number"`
	Name     *string `json:"name"`
	Capacity *int    `json:"capacity"`
	IsActive *bool   `json:"is_active"`
}

// apiUpdateTable applies the fields present in the body.
func (h *Handlers) apiUpdateTable(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.engine.DB().GetTable(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req tableUpdate
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	oldName := t.Name
	if req.Number != nil {
		t.Number = *req.Number
	}
	if req.Name != nil {
		t.Name = strings.TrimSpace(*req.Name)
	}
	if req.Capacity != nil {
		t.Capacity = *req.Capacity
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	if t.Number <= 0 {
		h.writeError(w, orders.Malformed("table number is required"))
		return
	}
	if t.Capacity < 0 {
		h.writeError(w, orders.Malformed("capacity must not be negative"))
		return
	}
	if err := h.engine.DB().UpdateTable(t); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "table", id, "updated", oldName, t.Name)
	h.jsonOK(w, t)
}

// apiDeleteTable refuses tables that have orders.
func (h *Handlers) apiDeleteTable(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.engine.DB().GetTable(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.engine.DB().CountOrdersForTable(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if n > 0 {
		h.jsonStatus(w, http.StatusConflict, map[string]any{
			"error":       "table has existing orders",
			"order_count": n,
		})
		return
	}
	if err := h.engine.DB().DeleteTable(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "table", id, "deleted", t.Name, "")
	h.jsonOK(w, map[string]bool{"success": true})
}

func (h *Handlers) audit(r *http.Request, entity string, id int64, action, oldValue, newValue string) {
	if err := h.engine.DB().AppendAudit(entity, id, action, oldValue, newValue, orders.ActorFrom(r.Context())); err != nil {
		h.log.Error().Err(err).Str("entity", entity).Int64("id", id).Msg("audit")
	}
}

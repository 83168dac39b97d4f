package www

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"smartdine/orders"
	"smartdine/store"
)

var errRateLimited = orders.RateLimited()

func (h *Handlers) jsonOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) jsonCreated(w http.ResponseWriter, data any) {
	h.jsonStatus(w, http.StatusCreated, data)
}

func (h *Handlers) jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeError maps an engine error to its HTTP status. Persistence failures
// are logged and reported without detail.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	kind := orders.KindOf(err)
	code := statusForKind(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	h.jsonStatus(w, code, map[string]string{"error": msg, "kind": string(kind)})
}

func statusForKind(k orders.Kind) int {
	switch k {
	case orders.KindNotFound:
		return http.StatusNotFound
	case orders.KindInvalidTransition:
		return http.StatusConflict
	case orders.KindMalformedRequest:
		return http.StatusBadRequest
	case orders.KindForbidden:
		return http.StatusForbidden
	case orders.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// pathID parses the {id} URL parameter as a positive integer.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, orders.Malformed("invalid id")
	}
	return id, nil
}

func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return orders.Malformed("invalid request body")
	}
	return nil
}

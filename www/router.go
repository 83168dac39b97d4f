package www

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"smartdine/engine"
	"smartdine/logging"
	"smartdine/realtime"
)

type Handlers struct {
	engine   *engine.Engine
	sessions *sessions.CookieStore
	gateway  *realtime.Gateway
	log      zerolog.Logger
}

// Deps are the collaborators the router serves.
type Deps struct {
	Engine   *engine.Engine
	Registry *realtime.Registry
	Metrics  *realtime.Metrics
	Gatherer prometheus.Gatherer // nil disables /metrics
}

// NewRouter builds the HTTP surface. The returned stop function closes every
// live realtime session and waits for their goroutines.
func NewRouter(d Deps) (http.Handler, func(context.Context) error) {
	eng := d.Engine
	cfg := eng.AppConfig()

	h := &Handlers{
		engine:   eng,
		sessions: newSessionStore(cfg.Web.SessionSecret),
		log:      logging.WithComponent("www"),
	}
	h.gateway = realtime.NewGateway(d.Registry, eng, h.staffUser,
		realtime.OptionsFromConfig(cfg.Realtime), d.Metrics, logging.WithComponent("realtime"))

	h.ensureDefaultAdmin(eng.DB())

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Realtime transports
	r.Get("/ws", h.gateway.ServeHTTP)
	r.Get("/events", h.gateway.ServeSSE)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	// Customer routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.apiHealthCheck)
		r.Get("/menu", h.apiListMenu)
		r.Get("/menu/{id}", h.apiGetMenuItem)
		r.Get("/orders/{id}", h.apiGetOrder)
		r.Get("/orders/{id}/status", h.apiOrderStatus)
		r.Post("/orders/{id}/payment", h.apiSelectPayment)
		r.With(h.orderRateLimit(cfg.Web.OrderRateLimit)).Post("/orders", h.apiPlaceOrder)

		// Staff routes
		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/me", h.apiMe)
			r.Get("/orders", h.apiListOrders)
			r.Get("/orders/{id}/history", h.apiOrderHistory)
			r.Post("/orders/{id}/status", h.apiChangeStatus)
			r.Get("/tables", h.apiListTables)
			r.Post("/tables", h.apiCreateTable)
			r.Put("/tables/{id}", h.apiUpdateTable)
			r.Delete("/tables/{id}", h.apiDeleteTable)
			r.Post("/tables/{id}/active", h.apiSetTableActive)
			r.Post("/menu", h.apiCreateMenuItem)
			r.Put("/menu/{id}", h.apiUpdateMenuItem)
			r.Delete("/menu/{id}", h.apiDeleteMenuItem)
		})
	})

	return r, h.gateway.Shutdown
}

// orderRateLimit caps order placement per client IP. perMinute <= 0 disables it.
func (h *Handlers) orderRateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.writeError(w, errRateLimited)
		}),
	)
}

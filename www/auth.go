package www

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"smartdine/orders"
	"smartdine/store"
)

const sessionName = "smartdine-session"

func newSessionStore(secret string) *sessions.CookieStore {
	if secret == "" {
		secret = "smartdine-default-secret-change-me"
	}
	s := sessions.NewCookieStore([]byte(secret))
	s.Options.HttpOnly = true
	s.Options.SameSite = http.SameSiteLaxMode
	return s
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// staffUser returns the logged-in staff user name, or "".
func (h *Handlers) staffUser(r *http.Request) string {
	session, err := h.sessions.Get(r, sessionName)
	if err != nil {
		return ""
	}
	if auth, ok := session.Values["authenticated"].(bool); !ok || !auth {
		return ""
	}
	username, _ := session.Values["username"].(string)
	return username
}

// requireAuth admits staff only and tags the request context with the
// staff user as actor. With staff auth disabled everyone is "anonymous".
func (h *Handlers) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := h.staffUser(r)
		if user == "" {
			if h.engine.AppConfig().Realtime.RequireStaffAuth {
				h.jsonError(w, "login required", http.StatusUnauthorized)
				return
			}
			user = "anonymous"
		}
		next.ServeHTTP(w, r.WithContext(orders.WithActor(r.Context(), user)))
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	user, err := h.engine.DB().GetAdminUser(req.Username)
	if err != nil || !checkPassword(user.PasswordHash, req.Password) {
		h.log.Info().Str("username", req.Username).Str("remote", r.RemoteAddr).Msg("login failed")
		h.jsonError(w, "invalid username or password", http.StatusUnauthorized)
		return
	}

	session, _ := h.sessions.Get(r, sessionName)
	session.Values["authenticated"] = true
	session.Values["username"] = user.Username
	if err := session.Save(r, w); err != nil {
		h.log.Error().Err(err).Msg("session save")
		h.jsonError(w, "session error", http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, map[string]string{"username": user.Username})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, _ := h.sessions.Get(r, sessionName)
	session.Values["authenticated"] = false
	session.Values["username"] = ""
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		h.log.Error().Err(err).Msg("session save")
	}
	h.jsonOK(w, map[string]string{"status": "logged out"})
}

func (h *Handlers) apiMe(w http.ResponseWriter, r *http.Request) {
	h.jsonOK(w, map[string]string{"username": orders.ActorFrom(r.Context())})
}

// ensureDefaultAdmin creates admin/admin when no staff user exists yet.
func (h *Handlers) ensureDefaultAdmin(db *store.DB) {
	exists, err := db.AdminUserExists()
	if err != nil || exists {
		return
	}
	hash, err := hashPassword("admin")
	if err != nil {
		return
	}
	if err := db.CreateAdminUser("admin", hash); err != nil {
		h.log.Error().Err(err).Msg("create default admin")
		return
	}
	h.log.Warn().Msg("created default admin user admin/admin; change the password")
}

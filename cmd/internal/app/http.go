package app

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
	v1 "parley/shared/contracts/realtime/v1"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes builds the full handler tree:
//
//	GET    /healthz, /readyz, /metrics
//	GET    /ws                          realtime gateway
//	GET    /media/*                     stored attachments
//	GET    /api/contacts                sidebar with last-message previews (authenticated)
//	*      /api/messages/...            conversation operations (authenticated)
//	GET    /api/presence                current presence snapshot (authenticated)
//	DELETE /admin/presence/{userID}     force a user offline (PARLEY_ADMIN_TOKEN)
func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.readyz)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Handle("/ws", a.ws)

	media := http.StripPrefix("/media/", http.FileServer(http.Dir(a.media.Dir())))
	r.Handle("/media/*", media)

	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Require(a.resolver))
		chat.NewHandler(a.svc, a.log).Mount(r)
		r.Get("/presence", a.presence)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.requireAdmin)
		r.Delete("/presence/{userID}", a.removePresence)
	})

	return WithRequestLogging(WithSecurityHeaders(WithCORS(r, a.cfg, a.log)), a.log)
}

func (a *App) readyz(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && !a.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if a.dbEnabled && a.dbPool != nil {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "relay not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.redis.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (a *App) presence(w http.ResponseWriter, _ *http.Request) {
	snap := a.pres.Snapshot()
	users := make([]v1.PresenceEntry, 0, len(snap))
	for _, e := range snap {
		users = append(users, v1.PresenceEntry{UserID: e.UserID, OnlineSince: e.OnlineSince})
	}
	writeJSON(w, http.StatusOK, v1.PresenceSnapshotPayload{Users: users})
}

func (a *App) removePresence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "user id required")
		return
	}
	n := a.mgr.RemoveUser(userID)
	a.log.Info("admin.presence.remove", "user_id", userID, "connections", n)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "removed": n})
}

// requireAdmin guards /admin with a static bearer token. An unset token
// disables the routes entirely.
func (a *App) requireAdmin(next http.Handler) http.Handler {
	token := a.cfg.AdminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			http.NotFound(w, r)
			return
		}
		got := identity.BearerToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			a.log.Warn("admin.denied", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError uses the same {"error":{"code","message"}} body as the chat API.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, struct {
		Error v1.ErrorPayload `json:"error"`
	}{Error: v1.ErrorPayload{Code: code, Message: msg}})
}

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kite-server/internal/group"
	"kite-server/internal/middleware"
	"kite-server/internal/websocket"
)

// RouterConfig carries everything the HTTP surface is built from.
type RouterConfig struct {
	Service     *group.Service
	Hub         *websocket.Hub
	Auth        *middleware.Authenticator
	RateLimit   *middleware.RateLimitStore
	Log         *zap.Logger
	CORSOrigins []string
	// Ping checks the backing store for /health. Optional.
	Ping func(ctx context.Context) error
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := NewHandler(cfg.Service, cfg.Log)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.TrackOutboundData(cfg.Log))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public
	r.Method(http.MethodGet, "/health", NewHealthHandler(cfg.Ping, func() int {
		return len(cfg.Hub.GetOnlineUsers())
	}))
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated
	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.RequireAuth)
		r.Use(middleware.RateLimit(cfg.RateLimit))
		r.Use(middleware.NoCache)

		r.Get("/ws", cfg.Hub.ServeWS)

		r.Route("/groups", func(r chi.Router) {
			r.Post("/", h.CreateGroupHandler)

			r.Route("/{groupID}", func(r chi.Router) {
				r.Get("/", h.GetGroupHandler)
				r.Patch("/", h.UpdateGroupHandler)
				r.Get("/permissions/{action}", h.HasPermissionHandler)

				r.Get("/members", h.ListMembersHandler)
				r.Post("/members", h.AddMemberHandler)
				r.Delete("/members/{userID}", h.RemoveMemberHandler)
				r.Patch("/members/{userID}/role", h.UpdateRoleHandler)
				r.Put("/members/{userID}/permissions", h.SetPermissionsHandler)
				r.Get("/members/{userID}/permissions", h.EffectivePermissionsHandler)
			})
		})
	})

	return r
}

package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

var (
	// Set during build time using ldflags
	Version   = "dev"
	GitCommit = "unknown"
)

type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	GitCommit   string `json:"git_commit"`
	GoVersion   string `json:"go_version"`
	Uptime      string `json:"uptime"`
	OnlineUsers int    `json:"online_users"`
	Error       string `json:"error,omitempty"`
}

// HealthHandler reports liveness of the server and its store.
type HealthHandler struct {
	ping    func(ctx context.Context) error
	online  func() int
	started time.Time
}

func NewHealthHandler(ping func(ctx context.Context) error, online func() int) *HealthHandler {
	return &HealthHandler{ping: ping, online: online, started: time.Now()}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   Version,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}
	if h.online != nil {
		resp.OnlineUsers = h.online()
	}

	status := http.StatusOK
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

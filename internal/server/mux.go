// Package server provides HTTP server construction for chat-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/push"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.KeyStore
	MCPHandler http.Handler
	Logger     *slog.Logger

	// State reports the push connection state for /healthz.
	State func() push.State
}

type health struct {
	Status     string `json:"status"`
	Connection string `json:"connection"`
}

// NewMux builds the HTTP mux with the health and MCP endpoints. The MCP
// endpoint is protected by Bearer API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.State))

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

// handleHealth always answers 200 while the process is up. A dropped
// push channel is reported as degraded rather than failing the check.
func handleHealth(state func() push.State) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := health{Status: "ok", Connection: string(push.StateIdle)}

		if state != nil {
			s := state()
			h.Connection = string(s)

			if s != push.StateOpen {
				h.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(h)
	}
}

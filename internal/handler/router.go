package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/avatar-bridge/backend/internal/handler/control"
	"github.com/zhouzirui/avatar-bridge/backend/internal/handler/socket"
	middlewarePkg "github.com/zhouzirui/avatar-bridge/backend/internal/middleware"
)

// Orchestrator serves both the avatar socket and the control endpoints.
type Orchestrator interface {
	socket.Dispatcher
	control.Controller
}

// NewRouter wires HTTP routes to the orchestrator.
func NewRouter(orch Orchestrator) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	// Avatar front end connects to the root path.
	socket.New(orch).RegisterRoutes(r)

	// Session control and health check
	control.New(orch).RegisterRoutes(r)

	return r
}

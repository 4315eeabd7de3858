// Package httpapi is the minimal ambient HTTP surface the matcher process
// exposes: liveness/readiness probes, a Prometheus scrape endpoint, and a
// demonstration websocket upgrade that bridges into the notification bus.
// The real-time request/response transport for ride requests (REST, auth)
// is out of scope — callers reach the engine through internal/dispatch
// directly, whatever transport wires that up.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/airport-cabpool/internal/dispatch"
	"github.com/example/airport-cabpool/internal/notifybridge"
	"github.com/example/airport-cabpool/internal/notifybus"
)

// Server serves health, readiness, metrics, and the demo notification
// websocket endpoints.
type Server struct {
	Redis      *redis.Client
	Dispatcher *dispatch.Pool
	logger     *slog.Logger
	mux        *mux.Router
	upgrader   websocket.Upgrader
	sessions   *notifybridge.Registry
}

func NewServer(redisClient *redis.Client, dispatcher *dispatch.Pool, bus *notifybus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Redis:      redisClient,
		Dispatcher: dispatcher,
		logger:     logger,
		mux:        mux.NewRouter(),
		sessions:   notifybridge.NewRegistry(bus, logger),
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
}

// handleWS upgrades a rider's connection and bridges their notification
// topic into it for the lifetime of the socket (spec's "subscriber-side
// delivery" ambient concern; production push fan-out is out of scope).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("httpapi: websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	// r.Context() ends when this handler returns, so the bridge gets its own
	// context, cancelled once reading from the socket fails (it was closed).
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	s.sessions.Add(ctx, userID, conn)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.Redis != nil {
		if err := s.Redis.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "pool store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

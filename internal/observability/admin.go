package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Health is the /healthz body.
type Health struct {
	Status            string `json:"status"`
	ListenAddr        string `json:"listen_addr"`
	ActiveConnections int64  `json:"active_connections"`
	MaxClients        int    `json:"max_clients"`
}

// HealthSource reports live server state. Implementations must be safe to
// call from the admin goroutine.
type HealthSource interface {
	Health() Health
}

// NewAdminRouter serves /metrics and /healthz.
func NewAdminRouter(src HealthSource) http.Handler {
	RegisterMetrics()
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log.Logger))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.Health())
	})
	return r
}

// ServeAdmin runs the admin HTTP surface on ln until ctx is done.
func ServeAdmin(ctx context.Context, ln net.Listener, src HealthSource) error {
	srv := &http.Server{
		Handler:           NewAdminRouter(src),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin.listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

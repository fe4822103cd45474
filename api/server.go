// Package api exposes the session core over a local HTTP admin interface:
// catalog listing, session control, history, a server-sent event stream
// of status transitions and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/events"
	"github.com/yllada/veilvpn/history"
	"github.com/yllada/veilvpn/metrics"
	"github.com/yllada/veilvpn/vpn"
)

const (
	defaultRequestsPerMinute = 120
	defaultConnectWait       = 30 * time.Second
	maxConnectWait           = 2 * time.Minute
	shutdownTimeout          = 5 * time.Second
	keepAliveInterval        = 15 * time.Second
)

// Session is the session control surface served by the API.
type Session interface {
	SelectServerByID(id string) error
	Selected() (catalog.ServerDescriptor, bool)
	Connect(ctx context.Context) (vpn.Snapshot, error)
	WaitSettled(ctx context.Context) (vpn.Snapshot, error)
	Disconnect(ctx context.Context) error
	Retry(ctx context.Context) (vpn.Snapshot, error)
	Status() vpn.Snapshot
	KillSwitchEngaged() bool
}

// Servers is the catalog view served by the API.
type Servers interface {
	List(f catalog.Filter) iter.Seq[catalog.ServerDescriptor]
	Get(id string) (catalog.ServerDescriptor, error)
	UpdatedAt() time.Time
}

// History is the session history served by the API.
type History interface {
	List(ctx context.Context, limit int) ([]history.Record, error)
	Summary(ctx context.Context) (history.Summary, error)
}

// Subscriber hands out event bus subscriptions.
type Subscriber interface {
	Subscribe() *events.Subscription
}

// Options wires a Server. Session and Servers are required.
type Options struct {
	Session Session
	Servers Servers
	// History is nil when history is disabled.
	History History
	Events  Subscriber
	// RequestsPerMinute limits each client IP. Zero uses the default.
	RequestsPerMinute int
}

// Server is the admin HTTP adapter.
type Server struct {
	opts   Options
	router chi.Router
	logger zerolog.Logger
	now    func() time.Time
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = defaultRequestsPerMinute
	}
	s := &Server{
		opts:   opts,
		logger: common.WithComponent("api"),
		now:    time.Now,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The event stream is long-lived and stays outside the rate limiter.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(rateLimit(s.opts.RequestsPerMinute, time.Minute))

			r.Get("/servers", s.handleListServers)
			r.Get("/servers/{id}", s.handleGetServer)

			r.Get("/status", s.handleStatus)
			r.Post("/select", s.handleSelect)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/retry", s.handleRetry)

			r.Get("/history", s.handleHistory)
		})
	})
	return r
}

// rateLimit limits each client IP with a sliding window.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error: "too many requests, please try again later",
				Code:  CodeRateLimited,
			})
		}),
	)
}

// requestLogger logs each request and records its latency under the
// route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, path, status, elapsed)

		ev := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request")
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin API listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"LubaLedger/internal/clock"
	"LubaLedger/internal/core"
	"LubaLedger/internal/credential"
	"LubaLedger/internal/observability"
	"LubaLedger/internal/query"
	"LubaLedger/internal/token"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps holds everything the HTTP API needs. Query may be nil when no
// database is configured; Faucet is nil when minting is disabled.
type Deps struct {
	Engine        *core.Engine
	Query         *query.QueryService
	Token         token.Token
	Authority     *credential.Authority
	Faucet        *FaucetLimiter
	HealthChecker *observability.HealthChecker

	// Clock should be the engine's clock so issued expiries match what
	// verification sees. Nil means the system clock.
	Clock clock.Clock

	// CredentialTTL is the default validity offered by the typed-data
	// route. Zero means credential.DefaultValidity.
	CredentialTTL time.Duration
}

// HTTPServer serves the JSON API, health endpoints and metrics.
type HTTPServer struct {
	addr       string
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewRouter builds the chi router: health and metrics at the root, API
// routes on a gateway ServeMux mounted at /v1.
func NewRouter(deps Deps) (http.Handler, error) {
	logger := observability.NewLogger("http")

	gwmux := runtime.NewServeMux()
	api := &API{
		engine:    deps.Engine,
		query:     deps.Query,
		token:     deps.Token,
		authority: deps.Authority,
		faucet:    deps.Faucet,
		ttl:       deps.CredentialTTL,
		clock:     deps.Clock,
	}
	if api.clock == nil {
		api.clock = clock.System{}
	}
	if api.ttl <= 0 {
		api.ttl = credential.DefaultValidity
	}
	if err := api.register(gwmux); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	if deps.HealthChecker != nil {
		r.Get("/healthz", deps.HealthChecker.LivenessHandler)
		r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/v1", gwmux)

	return r, nil
}

func NewHTTPServer(addr string, deps Deps) (*HTTPServer, error) {
	handler, err := NewRouter(deps)
	if err != nil {
		return nil, err
	}
	return &HTTPServer{
		addr: addr,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: observability.NewLogger("http"),
	}, nil
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// Package server exposes the rewards daemon's HTTP API: user and
// position registration, reward queries, claim authorizations,
// analytics, lifecycle operations and the admin configuration surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lprewards/analytics"
	"lprewards/claims"
	"lprewards/lifecycle"
	"lprewards/oracle"
	"lprewards/recon"
	"lprewards/storage"
)

// Registrar enrolls wallet positions and previews eligibility.
type Registrar interface {
	RegisterAll(ctx context.Context, address string) (lifecycle.RegisterReport, error)
	Preview(ctx context.Context, address string) (lifecycle.EligibilityPreview, error)
}

// Reconciler reports lifecycle loop health and runs on-demand checks.
type Reconciler interface {
	Status() lifecycle.Status
	CheckUser(ctx context.Context, address string) (lifecycle.UserReport, error)
}

// Authorizer issues signed claim authorizations.
type Authorizer interface {
	Authorize(ctx context.Context, address string) (claims.Authorization, error)
}

// Analytics serves the cached program and trading figures.
type Analytics interface {
	Program(ctx context.Context) (analytics.ProgramSnapshot, error)
	Trading(ctx context.Context) (analytics.TradingSnapshot, error)
	UserAPR(ctx context.Context, userID uuid.UUID) (float64, error)
}

// SyncReporter summarises the sync validator's findings.
type SyncReporter interface {
	HealthReport(ctx context.Context) (recon.Report, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Listen        string
	Store         *storage.Store
	Registrar     Registrar
	Reconciler    Reconciler
	Authorizer    Authorizer
	Analytics     Analytics
	Sync          SyncReporter
	Auth          *Authenticator
	Logger        *slog.Logger
	Now           func() time.Time
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
}

// Server hosts the HTTP API.
type Server struct {
	cfg        Config
	store      *storage.Store
	registrar  Registrar
	reconciler Reconciler
	authorizer Authorizer
	analytics  Analytics
	sync       SyncReporter
	auth       *Authenticator
	log        *slog.Logger
	now        func() time.Time
	router     http.Handler
}

// New constructs a configured HTTP server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: store required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: admin authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	srv := &Server{
		cfg:        cfg,
		store:      cfg.Store,
		registrar:  cfg.Registrar,
		reconciler: cfg.Reconciler,
		authorizer: cfg.Authorizer,
		analytics:  cfg.Analytics,
		sync:       cfg.Sync,
		auth:       cfg.Auth,
		log:        cfg.Logger,
		now:        cfg.Now,
	}
	srv.router = otelhttp.NewHandler(srv.buildRouter(), "lprewards.http")
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API until context cancellation, then drains in-flight
// requests within the shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server listening", "addr", s.cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/users", s.handleCreateUser)
	r.Get("/users/{address}", s.handleGetUser)

	r.Route("/positions", func(pr chi.Router) {
		pr.Post("/register/bulk", s.handleRegisterBulk)
		pr.Get("/eligible/{address}", s.handleEligibility)
		pr.Get("/user/{userID}", s.handleUserPositions)
	})

	r.Route("/rewards", func(rr chi.Router) {
		rr.Get("/user/{userID}", s.handleUserAccruals)
		rr.Get("/user/{userID}/stats", s.handleUserStats)
		rr.Get("/user/{userID}/claimable", s.handleClaimable)
		rr.Post("/claim/{userID}", s.handleClaim)
		rr.Get("/program-analytics", s.handleProgramAnalytics)
	})

	r.Get("/trading-fees/pool-apr", s.handleTradingAPR)

	r.Route("/position-lifecycle", func(lr chi.Router) {
		lr.Get("/status", s.handleLifecycleStatus)
		lr.Post("/check-user/{address}", s.handleCheckUser)
		lr.Get("/sync-report", s.handleSyncReport)
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(s.auth.Middleware)
		ar.Put("/program-settings", s.handleUpdateSettings)
		ar.Put("/treasury-config", s.handleUpdateTreasury)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a typed failure onto its status code and an opaque
// message. Internal detail goes to the log, keyed by the request id.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := mapError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			"requestId", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	} else {
		s.log.Debug("request rejected",
			"requestId", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrInvalidAddress):
		return http.StatusBadRequest, "malformed address"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, claims.ErrNonceReplay):
		return http.StatusConflict, "authorization pending at current nonce"
	case errors.Is(err, claims.ErrStaleNonce):
		return http.StatusConflict, "claim state changed, retry"
	case errors.Is(err, claims.ErrNothingToClaim):
		return http.StatusTooManyRequests, "nothing to claim"
	case errors.Is(err, claims.ErrCalculatorUnauthorized):
		return http.StatusServiceUnavailable, "claim signing temporarily unavailable"
	case errors.Is(err, analytics.ErrUnavailable):
		return http.StatusServiceUnavailable, "analytics unavailable"
	case errors.Is(err, oracle.ErrPriceUnavailable), errors.Is(err, oracle.ErrStatsUnavailable):
		return http.StatusServiceUnavailable, "pricing unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// userFromPath resolves the {userID} path parameter to a stored user.
func (s *Server) userFromPath(w http.ResponseWriter, r *http.Request) (storage.User, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return storage.User{}, false
	}
	user, err := s.store.UserByID(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return storage.User{}, false
	}
	return user, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

// Package server exposes the identity cache over HTTP: identity activation,
// snapshot reads and patches, transaction recording, cache administration and
// performance reporting.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	identitycache "github.com/walletkit/identity-cache"
	"github.com/walletkit/identity-cache/bench"
	"github.com/walletkit/identity-cache/cache"
	"github.com/walletkit/identity-cache/history"
	"github.com/walletkit/identity-cache/perf"
	"github.com/walletkit/identity-cache/registry"
	"github.com/walletkit/identity-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// UpstreamURL is the wallet API base URL the fetchers call.
	UpstreamURL string

	// UpstreamToken is the bearer token for the wallet API (optional).
	UpstreamToken string

	// AuthToken protects the server's own endpoints (optional).
	// /healthz and /metrics stay open.
	AuthToken string

	// CacheMaxEntries bounds the cache. Zero means the cache default.
	CacheMaxEntries int

	// CacheTTL is the default per-entry TTL. Zero means the cache default.
	CacheTTL time.Duration

	// EvictionStrategy is one of lru, lfu, ttl. Default lru.
	EvictionStrategy string

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration

	// SweepBatchSize bounds the work of one sweep cycle.
	SweepBatchSize int

	// StaleAfter is how long a preloaded snapshot stays fresh.
	StaleAfter time.Duration

	// HistoryPath is the path of the transaction history database.
	// Empty disables persistent history.
	HistoryPath string

	// Logger for the server
	Logger *slog.Logger

	// Telemetry instance, constructed by the caller. Optional.
	Telemetry *telemetry.Telemetry
}

// Server is the HTTP server for the identity cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	cache     *cache.Cache[any]
	sweeper   *cache.Sweeper
	catalog   *bench.Catalog
	recorder  *perf.Recorder
	registry  *registry.Registry
	histStore *history.Store

	sweepCancel context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.EvictionStrategy == "" {
		cfg.EvictionStrategy = "lru"
	}

	strategy, err := cache.StrategyFor(cfg.EvictionStrategy)
	if err != nil {
		return nil, err
	}

	c := cache.New[any](cache.Config{
		MaxEntries: cfg.CacheMaxEntries,
		TTL:        cfg.CacheTTL,
		Strategy:   strategy,
		Logger:     cfg.Logger.With("component", "cache"),
		Telemetry:  cfg.Telemetry,
	})

	sweeperOpts := []cache.SweeperOption{
		cache.WithSweepLogger(cfg.Logger.With("component", "sweeper")),
		cache.WithSweepTelemetry(cfg.Telemetry),
	}
	if cfg.SweepInterval > 0 {
		sweeperOpts = append(sweeperOpts, cache.WithSweepInterval(cfg.SweepInterval))
	}
	if cfg.SweepBatchSize > 0 {
		sweeperOpts = append(sweeperOpts, cache.WithSweepBatchSize(cfg.SweepBatchSize))
	}
	sweeper := cache.NewSweeper(c, sweeperOpts...)

	catalog := bench.Default()
	recorder := perf.New(catalog,
		perf.WithLogger(cfg.Logger.With("component", "perf")),
		perf.WithTelemetry(cfg.Telemetry),
	)

	upstreamOpts := []UpstreamOption{WithBaseURL(cfg.UpstreamURL)}
	if cfg.UpstreamToken != "" {
		upstreamOpts = append(upstreamOpts, WithBearerToken(cfg.UpstreamToken))
	}
	upstream := NewUpstream(upstreamOpts...)

	var histStore *history.Store
	registryOpts := []registry.RegistryOption{
		registry.WithLogger(cfg.Logger.With("component", "registry")),
		registry.WithTelemetry(cfg.Telemetry),
	}
	if cfg.StaleAfter > 0 {
		registryOpts = append(registryOpts, registry.WithStaleAfter(cfg.StaleAfter))
	}
	if cfg.HistoryPath != "" {
		histStore, err = history.Open(cfg.HistoryPath,
			history.WithLogger(cfg.Logger.With("component", "history")),
		)
		if err != nil {
			return nil, fmt.Errorf("opening history store: %w", err)
		}
		registryOpts = append(registryOpts, registry.WithHistory(histStore))
	}

	// The registry goes through the measured wrapper so cache reads and
	// writes count against the cache_get and cache_set benchmarks.
	measured := cache.NewMeasured(c, recorder)
	reg := registry.New(upstream.Fetchers(), measured, recorder, registryOpts...)

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		cache:     c,
		sweeper:   sweeper,
		catalog:   catalog,
		recorder:  recorder,
		registry:  reg,
		histStore: histStore,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", s.config.Telemetry.PrometheusHandler())

	mux.HandleFunc("GET /identities/active", s.handleActive)
	mux.HandleFunc("POST /identities/deactivate", s.handleDeactivate)
	mux.HandleFunc("POST /identities/{id}/activate", s.handleActivate)
	mux.HandleFunc("GET /identities/{id}/snapshot", s.handleGetSnapshot)
	mux.HandleFunc("GET /identities/{id}/balances", s.handleCachedBalances)
	mux.HandleFunc("GET /identities/{id}/permissions", s.handleCachedPermissions)
	mux.HandleFunc("GET /identities/{id}/risk", s.handleCachedRisk)
	mux.HandleFunc("PATCH /identities/{id}/snapshot", s.handlePatchSnapshot)
	mux.HandleFunc("POST /identities/{id}/transactions", s.handlePostTransaction)
	mux.HandleFunc("GET /identities/{id}/transactions", s.handleGetTransactions)
	mux.HandleFunc("DELETE /identities/{id}/cache", s.handleInvalidate)

	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /perf/report", s.handlePerfReport)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type activateRequest struct {
	Category string `json:"category"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := identitycache.IdentityID(r.PathValue("id"))

	category := identitycache.CategoryStandard
	if r.ContentLength != 0 {
		var req activateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Category != "" {
			var err error
			if category, err = identitycache.ParseCategory(req.Category); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
	}

	if err := s.registry.SetActive(r.Context(), id, category); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": id.String()})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.SetActive(r.Context(), "", identitycache.CategoryStandard); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	id, ok := s.registry.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"active": id.String(),
		"set":    ok,
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := identitycache.IdentityID(r.PathValue("id"))

	snap, ok := s.registry.GetSnapshot(id)
	if !ok {
		http.Error(w, "unknown identity", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCachedBalances(w http.ResponseWriter, r *http.Request) {
	id := identitycache.IdentityID(r.PathValue("id"))
	b, ok := s.registry.CachedBalances(r.Context(), id)
	if !ok {
		http.Error(w, "not cached", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCachedPermissions(w http.ResponseWriter, r *http.Request) {
	id := identitycache.IdentityID(r.PathValue("id"))
	p, ok := s.registry.CachedPermissions(r.Context(), id)
	if !ok {
		http.Error(w, "not cached", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCachedRisk(w http.ResponseWriter, r *http.Request) {
	id := identitycache.IdentityID(r.PathValue("id"))
	a, ok := s.registry.CachedRisk(r.Context(), id)
	if !ok {
		http.Error(w, "not cached", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type patchSnapshotRequest struct {
	Balances    *identitycache.Balances             `json:"balances"`
	Permissions *identitycache.Permissions          `json:"permissions"`
	Risk        *identitycache.RiskAssessment       `json:"risk"`
	External    *identitycache.ExternalWalletStatus `json:"external"`
	Error       *string                             `json:"error"`
}

func (s *Server) handlePatchSnapshot(w http.ResponseWriter, r *http.Request) {
	id := identitycache.IdentityID(r.PathValue("id"))

	var req patchSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.registry.UpdateSnapshot(r.Context(), id, registry.Partial{
		Balances:    req.Balances,
		Permissions: req.Permissions,
		Risk:        req.Risk,
		External:    req.External,
		Error:       req.Error,
	})
	switch {
	case errors.Is(err, registry.ErrUnknownIdentity):
		http.Error(w, "unknown identity", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		snap, _ := s.registry.GetSnapshot(id)
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handlePostTransaction(w http.ResponseWriter, r *http.Request) {
	id := identitycache.IdentityID(r.PathValue("id"))

	var txn identitycache.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.registry.RecordTransaction(r.Context(), id, txn)
	switch {
	case errors.Is(err, registry.ErrUnknownIdentity):
		http.Error(w, "unknown identity", http.StatusNotFound)
	case errors.Is(err, history.ErrDuplicate):
		http.Error(w, "duplicate transaction", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	if s.histStore == nil {
		http.Error(w, "history not enabled", http.StatusNotFound)
		return
	}
	id := identitycache.IdentityID(r.PathValue("id"))

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	txns, err := s.histStore.Recent(id, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []identitycache.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := identitycache.IdentityID(r.PathValue("id"))
	removed := s.registry.Invalidate(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handlePerfReport(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Report(from, to))
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// Start starts the background sweep and the HTTP listener. It blocks until
// the listener stops.
func (s *Server) Start() error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.sweeper.Run(sweepCtx)

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server: stops the sweep, waits for
// in-flight preloads, closes the history store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.sweepCancel != nil {
		s.sweepCancel()
	}

	err := s.httpServer.Shutdown(ctx)

	s.registry.Wait()
	if s.histStore != nil {
		if cerr := s.histStore.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

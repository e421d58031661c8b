// ABOUTME: Gateway orchestrator that wires the store, conversation service and HTTP server
// ABOUTME: Owns the listener lifecycle, health endpoints and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/generator"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/store"
)

// DBPathEnv overrides database.path when set.
const DBPathEnv = "COVEN_CHAT_DB_PATH"

// Gateway serves the conversation API over HTTP.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	broadcaster  *conversation.Broadcaster
	metrics      *metrics.Metrics
	verifier     auth.TokenVerifier
	logger       *slog.Logger

	// dedupe remembers Idempotency-Key headers per principal
	dedupe *dedupe.Cache

	// limiter is nil when sends are not rate limited
	limiter *limiterPool

	router     *mux.Router
	httpServer *http.Server

	// baseCtx is the parent of every request context; cancelling it ends
	// long-lived watch streams on shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// Deps lets callers supply components instead of building them from config.
// Nil fields are built from config.
type Deps struct {
	Store     store.Store
	Generator generator.Generator
	Verifier  auth.TokenVerifier
}

// initStore opens the SQLite store named by config or the environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(DBPathEnv); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildVerifier chains every configured credential type. API keys are
// tried before bearer tokens.
func buildVerifier(cfg config.AuthConfig) (auth.TokenVerifier, error) {
	var chain auth.Chain

	if len(cfg.APIKeys) > 0 {
		keys := make([]auth.APIKey, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, auth.APIKey{Principal: k.Principal, Hash: k.Hash})
		}
		kv, err := auth.NewKeyVerifier(keys)
		if err != nil {
			return nil, fmt.Errorf("creating API key verifier: %w", err)
		}
		chain = append(chain, kv)
	}

	if cfg.JWTSecret != "" {
		jv, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		chain = append(chain, jv)
	}

	if len(chain) == 0 {
		return nil, errors.New("no credentials configured: set auth.jwt_secret or auth.api_keys")
	}
	return chain, nil
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithDeps(cfg, Deps{}, logger)
}

// NewWithDeps creates a Gateway, using any components given in deps.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	gen := deps.Generator
	if gen == nil {
		var err error
		gen, err = generator.New(generator.Config{
			Kind:       cfg.Generation.Kind,
			TokenDelay: cfg.Generation.TokenDelay,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating generator: %w", err)
		}
	}

	verifier := deps.Verifier
	if verifier == nil {
		var err error
		verifier, err = buildVerifier(cfg.Auth)
		if err != nil {
			return nil, err
		}
	}

	st := deps.Store
	if st == nil {
		var err error
		st, err = initStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	m := metrics.New()
	broadcaster := conversation.NewBroadcaster(logger)
	svc := conversation.New(st, gen, conversation.Options{
		GenerationTimeout: cfg.Generation.Timeout,
		PersistTimeout:    cfg.Generation.PersistTimeout,
		TitleMaxLen:       cfg.Conversations.TitleMaxLen,
		Metrics:           m,
		Broadcaster:       broadcaster,
	}, logger)

	baseCtx, cancelBase := context.WithCancel(context.Background())

	gw := &Gateway{
		config:       cfg,
		store:        st,
		conversation: svc,
		broadcaster:  broadcaster,
		metrics:      m,
		verifier:     verifier,
		logger:       logger,
		dedupe:       dedupe.New(cfg.Sending.IdempotencyTTL, cfg.Sending.IdempotencyMaxKeys),
		baseCtx:      baseCtx,
		cancelBase:   cancelBase,
	}
	if cfg.Sending.RatePerSecond > 0 {
		gw.limiter = newLimiterPool(cfg.Sending.RatePerSecond, cfg.Sending.Burst)
	}

	m.GaugeFunc("watchers", "Open watch subscriptions.", func() float64 {
		return float64(broadcaster.Subscribers())
	})
	m.GaugeFunc("idempotency_keys", "Idempotency keys currently remembered.", func() float64 {
		return float64(gw.dedupe.Len())
	})
	if gw.limiter != nil {
		m.GaugeFunc("rate_limiters", "Principals with a send limiter.", func() float64 {
			return float64(gw.limiter.Len())
		})
	}

	gw.router = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gw.baseCtx },
	}

	return gw, nil
}

// routes builds the HTTP router.
func (g *Gateway) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(g.instrument)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		g.writeEnvelope(w, http.StatusNotFound, Envelope{
			Error: &ErrorBody{Message: "route not found", Kind: "not_found"},
		})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		g.writeEnvelope(w, http.StatusMethodNotAllowed, Envelope{
			Error: &ErrorBody{Message: "method not allowed", Kind: "method_not_allowed"},
		})
	})

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.HTTPAuthMiddleware(g.verifier, g.logger))

	api.HandleFunc("/conversations", g.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", g.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", g.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", g.handleUpdateConversation).Methods(http.MethodPatch)
	api.HandleFunc("/conversations/{id}", g.handleDeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/messages", g.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/watch", g.handleWatch).Methods(http.MethodGet)

	send := g.rateLimit(http.HandlerFunc(g.handleSendMessage))
	api.Handle("/conversations/{id}/messages", send).Methods(http.MethodPost)
	api.Handle("/conversations/{id}/userMessages", send).Methods(http.MethodPost)

	return r
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Run listens on the configured address and serves until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		// The parent context is already done; shutdown gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown ends watch streams, interrupts running generations and waits up
// to ctx's deadline for their replies to be stored, then stops the HTTP
// server and releases every resource. The store is closed last.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.cancelBase()

	var errs []error
	errs = appendCloseError(errs, "conversation close", g.conversation.Close(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "broadcaster close", g.broadcaster.Close())
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

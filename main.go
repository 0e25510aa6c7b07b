package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/example/momento/internal/canvas"
	cfg "github.com/example/momento/internal/config"
	"github.com/example/momento/internal/identity"
	"github.com/example/momento/internal/metrics"
	"github.com/example/momento/internal/oauth"
	"github.com/example/momento/internal/tokens"
)

type App struct {
	log            logrus.FieldLogger
	storage        *Storage
	oauth          *oauth.Controller
	canvas         *canvas.Service
	bridge         *oauth.Bridge
	verifier       *identity.Verifier
	rateLimiter    *RateLimiter
	relayCallbacks bool
	trustProxy     bool
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("write json")
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	log.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown LOG_LEVEL, using info")
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// newApp wires the services on top of already opened storage.
func newApp(c *cfg.Config, storage *Storage, dir identity.Directory, log logrus.FieldLogger) (*App, error) {
	bridge, err := oauth.NewBridge(c.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	var verifier *identity.Verifier
	if c.SupabaseJWTSecret != "" {
		if verifier, err = identity.NewVerifier(c.SupabaseJWTSecret); err != nil {
			return nil, err
		}
	} else {
		log.Warn("SUPABASE_JWT_SECRET is not set, authenticated routes will be unavailable")
	}

	controller := oauth.NewController(oauth.ControllerConfig{
		Providers: []oauth.Provider{
			oauth.DefaultProvider(tokens.Notion, c.Notion.ClientID, c.Notion.ClientSecret),
			oauth.DefaultProvider(tokens.Figma, c.Figma.ClientID, c.Figma.ClientSecret),
			oauth.DefaultProvider(tokens.Claude, c.Claude.ClientID, c.Claude.ClientSecret),
		},
		SiteURL:    c.SiteURL,
		HTTPClient: &http.Client{Timeout: c.ProviderTimeout},
		Observer: func(integration tokens.Integration, state oauth.FlowState) {
			metrics.RecordOAuthTransition(string(integration), string(state))
		},
	}, oauth.NewStateManager(storage.States, log), storage.Tokens, log)

	svc, err := canvas.NewService(storage.KV, dir, c.SiteURL, log)
	if err != nil {
		return nil, fmt.Errorf("canvas service: %w", err)
	}

	return &App{
		log:            log,
		storage:        storage,
		oauth:          controller,
		canvas:         svc,
		bridge:         bridge,
		verifier:       verifier,
		rateLimiter:    NewRateLimiter(c.RateLimitPerMinute),
		relayCallbacks: c.OAuthCallbackMode == "relay",
		trustProxy:     c.TrustProxyHeaders,
	}, nil
}

func newDirectory(c *cfg.Config, log logrus.FieldLogger) (identity.Directory, error) {
	if c.SupabaseConfigured() {
		return identity.NewSupabaseDirectory(c.SupabaseURL, c.SupabaseServiceKey, &http.Client{Timeout: c.ProviderTimeout})
	}
	if c.Production() {
		return nil, errors.New("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set in production")
	}
	log.Warn("Supabase admin API is not configured, using an in-memory user directory")
	return identity.NewMemoryDirectory(), nil
}

func (a *App) routes() *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(metrics.Middleware)
	r.Use(a.CORS)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := a.storage.ping(r.Context()); err != nil {
			a.log.WithError(err).Warn("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.Handle("/static/oauth-bridge.js", oauth.ScriptHandler()).Methods("GET")

	// Provider redirect target, reached by top-level navigation in the popup.
	r.HandleFunc("/auth/callback/{integration}", a.HandleCallback).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.OptionalAuth)
	api.Use(a.RateLimit)
	api.HandleFunc("/{integration}/auth", a.HandleConnect).Methods("POST", "OPTIONS")
	api.HandleFunc("/{integration}/exchange", a.HandleExchange).Methods("POST", "OPTIONS")

	authed := r.NewRoute().Subrouter()
	authed.Use(a.BearerAuth)
	authed.Use(a.RateLimit)

	authed.HandleFunc("/{integration:[a-z]+}-api/auth/status", a.HandleIntegrationStatus).Methods("GET", "OPTIONS")
	authed.HandleFunc("/{integration:[a-z]+}-api/auth/disconnect", a.HandleDisconnect).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/{integration:[a-z]+}-api/auth/refresh", a.HandleRefresh).Methods("POST", "OPTIONS")

	authed.HandleFunc("/projects", a.HandleListProjects).Methods("GET", "OPTIONS")
	authed.HandleFunc("/projects", a.HandleCreateProject).Methods("POST")
	authed.HandleFunc("/projects/{id}", a.HandleGetProject).Methods("GET", "OPTIONS")
	authed.HandleFunc("/projects/{id}", a.HandleUpdateProject).Methods("PUT")
	authed.HandleFunc("/projects/{id}", a.HandleDeleteProject).Methods("DELETE")
	authed.HandleFunc("/projects/{id}/canvas", a.HandleGetCanvas).Methods("GET", "OPTIONS")
	authed.HandleFunc("/projects/{id}/canvas", a.HandleSaveCanvas).Methods("PUT")
	authed.HandleFunc("/projects/{id}/blocks", a.HandleListBlocks).Methods("GET", "OPTIONS")
	authed.HandleFunc("/projects/{id}/blocks", a.HandleCreateBlock).Methods("POST")
	authed.HandleFunc("/projects/{id}/blocks/positions", a.HandleUpdateBlockPositions).Methods("PATCH", "OPTIONS")
	authed.HandleFunc("/projects/{id}/blocks/{blockId}", a.HandleUpdateBlock).Methods("PUT", "OPTIONS")
	authed.HandleFunc("/projects/{id}/blocks/{blockId}", a.HandleDeleteBlock).Methods("DELETE")
	authed.HandleFunc("/projects/{id}/relations", a.HandleListRelations).Methods("GET", "OPTIONS")
	authed.HandleFunc("/projects/{id}/relations", a.HandleCreateRelation).Methods("POST")
	authed.HandleFunc("/projects/{id}/relations/{relationId}", a.HandleDeleteRelation).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/projects/{id}/members", a.HandleListMembers).Methods("GET", "OPTIONS")
	authed.HandleFunc("/projects/{id}/invite", a.HandleInviteMember).Methods("POST", "OPTIONS")
	authed.HandleFunc("/invitations/{token}/accept", a.HandleAcceptInvitation).Methods("POST", "OPTIONS")

	return r
}

func main() {
	c, err := cfg.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := newLogger(c.LogLevel)

	ctx := context.Background()
	storage, err := OpenStorage(ctx, c, log)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	dir, err := newDirectory(c, log)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	app, err := newApp(c, storage, dir, log)
	if err != nil {
		log.Fatalf("app: %v", err)
	}

	srv := &http.Server{
		Handler:      app.routes(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: c.ProviderTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"port": c.Port, "db_adapter": c.DBAdapter, "state_store": c.StateStore}).Info("starting momento server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown failed: %v", err)
	}
	if err := storage.close(); err != nil {
		log.WithError(err).Warn("closing storage")
	}
	log.Info("server exited properly")
}

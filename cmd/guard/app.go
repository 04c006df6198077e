// Copyright 2025 Sentinel
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"sentinel/platform/security/backend"
	"sentinel/platform/security/config"
	"sentinel/platform/security/crypto"
	"sentinel/platform/security/gateway"
	"sentinel/platform/security/keystore"
	"sentinel/platform/security/monitor"
	"sentinel/platform/security/ratelimit"
	"sentinel/platform/security/threat"
	"sentinel/platform/security/token"
	"sentinel/platform/shared/logger"
)

const envAPIClients = "SENTINEL_API_CLIENTS"

// purgeInterval paces the event-store retention sweep.
const purgeInterval = 24 * time.Hour

type app struct {
	cfg config.Config
	log *logger.Logger

	state   *backend.RedisStore
	keys    *keystore.Store
	tokens  *token.Handler
	limiter *ratelimit.Limiter
	proxies *ratelimit.ProxyTrust
	vault   *crypto.Service
	checker *threat.Validator
	mon     *monitor.Monitor
	gate    *gateway.Gate

	db      *sql.DB
	events  monitor.EventStore
	clients map[string]string

	ready atomic.Bool
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{
		cfg: cfg,
		log: logger.New("guard"),
	}

	keys, err := loadKeystore(ctx, cfg.Keystore)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	a.keys = keys

	state, err := backend.NewRedisStore(cfg.Backend.RedisURL,
		backend.WithKeyPrefix(cfg.Backend.KeyPrefix),
		backend.WithOpTimeout(cfg.Backend.OpTimeout.Std()))
	if err != nil {
		return nil, fmt.Errorf("redis backend: %w", err)
	}
	a.state = state

	a.events = monitor.NopStore{}
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("event database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("event database ping: %w", err)
		}
		store := monitor.NewPostgresStore(db, cfg.Database.Retention.Std())
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("event store migration: %w", err)
		}
		a.db = db
		a.events = store
		a.log.Info("system", "", "security event persistence enabled", nil)
	} else {
		a.log.Warn("system", "", "database url not set, security events will not be persisted", nil)
	}

	mon, err := monitor.New(a.log, monitor.Options{
		Store:        a.events,
		SLOs:         cfg.Monitor.ToSLOs(),
		Rules:        cfg.Monitor.ToRules(),
		Routing:      buildRouting(cfg.Monitor.Webhooks, a.log),
		AckDeadlines: cfg.Monitor.ToAckDeadlines(),
		QueueSize:    cfg.Monitor.QueueSize,
		Workers:      cfg.Monitor.Workers,
		FallbackPath: cfg.Monitor.FallbackPath,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	a.mon = mon

	limiterOpts := []ratelimit.Option{
		ratelimit.WithLimits(cfg.Rate.ToLimits()),
		ratelimit.WithOutageNotifier(func(ctx context.Context, err error) {
			event := monitor.NewEvent(monitor.EventBackendUnavailable, monitor.SeverityHigh, "ratelimit").
				WithMetadata("error", err.Error())
			if recordErr := mon.RecordEvent(ctx, event); recordErr != nil {
				a.log.Error("system", event.ID, "failed to record backend outage",
					map[string]interface{}{"error": recordErr.Error()})
			}
		}),
	}
	if cfg.Rate.FailureWindow.Std() > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithFailureWindow(cfg.Rate.FailureWindow.Std()))
	}
	a.limiter = ratelimit.New(state, limiterOpts...)

	proxies, err := ratelimit.NewProxyTrust(cfg.Rate.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	a.proxies = proxies

	tokens, err := token.NewHandler(keys, state, cfg.Token.Issuer, cfg.Token.Audience,
		token.WithAccessTTL(cfg.Token.AccessTTL.Std()),
		token.WithRefreshTTL(cfg.Token.RefreshTTL.Std()))
	if err != nil {
		return nil, fmt.Errorf("token handler: %w", err)
	}
	a.tokens = tokens

	a.vault = crypto.NewService(keys)
	a.checker = threat.NewValidator()
	a.gate = gateway.New(a.limiter, tokens, a.checker, mon, proxies, a.log)
	a.clients = parseAPIClients(os.Getenv(envAPIClients))
	if len(a.clients) == 0 {
		a.log.Warn("system", "", "no api clients configured, login endpoint will reject all credentials", nil)
	}

	return a, nil
}

func loadKeystore(ctx context.Context, cfg config.KeystoreConfig) (*keystore.Store, error) {
	switch cfg.Source {
	case config.KeystoreSourceSecretsManager:
		awsCfg, err := keystore.LoadAWSConfig(ctx, cfg.AWSRegion, "", "")
		if err != nil {
			return nil, err
		}
		return keystore.NewFromSecretsManager(ctx, awsCfg, cfg.SecretName)
	default:
		return keystore.FromEnv()
	}
}

// buildRouting turns the configured webhook chains into notifier chains.
// The structured log is always the final link so an alert is never
// silently dropped when every webhook fails.
func buildRouting(webhooks map[string][]string, log *logger.Logger) monitor.Routing {
	if len(webhooks) == 0 {
		return nil
	}
	routing := make(monitor.Routing, len(webhooks))
	for tier, urls := range webhooks {
		severity := monitor.Severity(tier)
		chain := make([]monitor.Notifier, 0, len(urls)+1)
		for i, url := range urls {
			name := fmt.Sprintf("%s-webhook-%d", tier, i+1)
			chain = append(chain, monitor.NewWebhookNotifier(name, url))
		}
		chain = append(chain, &monitor.LogNotifier{Log: log})
		routing[severity] = chain
	}
	return routing
}

// parseAPIClients reads "id:secret[,id:secret...]" pairs.
func parseAPIClients(raw string) map[string]string {
	clients := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, secret, ok := strings.Cut(entry, ":")
		if !ok || id == "" || secret == "" {
			continue
		}
		clients[id] = secret
	}
	return clients
}

func (a *app) routes() http.Handler {
	r := mux.NewRouter()

	// Health and metrics bypass the gate so probes and scrapers work
	// during initialization and backend outages.
	r.HandleFunc("/health", a.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	classify := gateway.PrefixClassifier(map[string]ratelimit.EndpointClass{
		"/auth/":  ratelimit.ClassAuth,
		"/admin/": ratelimit.ClassAdmin,
	}, []string{"/auth/", "/admin/"})

	gated := r.PathPrefix("/").Subrouter()
	gated.Use(a.gate.Middleware(classify))

	gated.HandleFunc("/auth/login", a.loginHandler).Methods(http.MethodPost)
	gated.HandleFunc("/auth/refresh", a.refreshHandler).Methods(http.MethodPost)
	gated.HandleFunc("/auth/logout", a.logoutHandler).Methods(http.MethodPost)

	gated.HandleFunc("/api/query", a.queryHandler).Methods(http.MethodPost)
	gated.HandleFunc("/api/seal", a.sealHandler).Methods(http.MethodPost)
	gated.HandleFunc("/api/unseal", a.unsealHandler).Methods(http.MethodPost)

	gated.HandleFunc("/admin/budgets", a.budgetsHandler).Methods(http.MethodGet)
	gated.HandleFunc("/admin/alerts/{id}/ack", a.ackAlertHandler).Methods(http.MethodPost)

	origins := a.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (a *app) run(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("system", "", "guard listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	a.ready.Store(true)

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	go a.purgeLoop(purgeCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.ready.Store(false)
	a.log.Info("system", "", "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("system", "", "http shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := a.mon.Shutdown(shutdownCtx); err != nil {
		a.log.Error("system", "", "monitor drain incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := a.state.Close(); err != nil {
		a.log.Error("system", "", "redis close failed", map[string]interface{}{"error": err.Error()})
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("system", "", "database close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// purgeLoop enforces event retention. One sweep at startup, then daily.
func (a *app) purgeLoop(ctx context.Context) {
	retention := a.cfg.Database.Retention.Std()
	if retention <= 0 {
		retention = monitor.DefaultRetention
	}

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-retention)
		purged, err := a.events.Purge(ctx, cutoff)
		if err != nil {
			a.log.Error("system", "", "event retention sweep failed",
				map[string]interface{}{"error": err.Error()})
		} else if purged > 0 {
			a.log.Info("system", "", "purged expired security events",
				map[string]interface{}{"count": purged})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

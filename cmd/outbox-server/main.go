// Command outbox-server runs the durable intake and delivery core: the
// intake HTTP endpoint, admin API, and the background delivery worker.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Ap3pp3rs94/outbox-intake/internal/server/audit"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/auth"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/httpapi"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/intake"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/ratelimit"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/store"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/worker"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/config"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/telemetry"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadOutboxConfigFromEnv()
	if err != nil {
		logJSON("error", "config_load_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	db, err := sql.Open(sqlDriverName(cfg.StoreDriver), cfg.StoreDSN)
	if err != nil {
		logJSON("error", "store_open_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.Open(db, cfg.StoreDriver)
	if err != nil {
		logJSON("error", "store_init_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		logJSON("error", "store_schema_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	auditLog, err := audit.NewSQLLog(db, cfg.StoreDriver)
	if err != nil {
		logJSON("error", "audit_init_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	if err := auditLog.EnsureSchema(ctx); err != nil {
		logJSON("error", "audit_schema_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	meter := telemetry.NewInMemoryMeter()
	logger := telemetry.NewLogger(os.Stdout, telemetry.Options{Timestamp: true, Level: telemetry.LevelInfo})

	tokens := auth.NewMemoryTokenStore()
	var jwtSigner *auth.JWTSigner
	jwtKey := cfg.AuthJWTSecret
	if cfg.AuthJWTPublicKey != "" {
		jwtKey = cfg.AuthJWTPublicKey
	}
	if jwtKey != "" {
		jwtSigner, err = auth.NewJWTSigner([]byte(jwtKey))
		if err != nil {
			logJSON("error", "jwt_signer_init_failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}
	authenticator := auth.New(jwtSigner, tokens, cfg.AuthStaticTokens)

	limiter := ratelimit.New(ratelimit.NewMemoryCounter(), cfg.RateLimitWindow, cfg.RateLimitMax).
		WithErrorHook(func(err error) {
			logger.Error(ctx, "ratelimit: counter failed", map[string]any{"error": err.Error()})
		})

	staticFlags, err := config.LoadAdminFlags(ctx, cfg)
	if err != nil {
		logJSON("error", "static_flags_load_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	intakeHandler := intake.New(st, intake.Options{
		MaxBodyBytes: cfg.IntakeMaxBodyBytes,
		Meter:        meter,
		Logger:       logger,
	})

	var sink worker.Sink = worker.NoopSink{}
	if cfg.WorkerUpstreamURL != "" {
		sink = worker.NewHTTPSink(cfg.WorkerUpstreamURL)
	}
	w := worker.New(st, sink, worker.Options{
		PollInterval: cfg.WorkerPollInterval,
		MaxAttempts:  cfg.WorkerMaxAttempts,
		Meter:        meter,
		Logger:       logger,
		Audit:        auditLog,
	})

	router := httpapi.New(httpapi.Options{
		Authenticator: authenticator,
		Limiter:       limiter,
		Intake:        intakeHandler,
		Tokens:        tokens,
		JWTSigner:     jwtSigner,
		AuditLog:      auditLog,
		StaticFlags:   staticFlags,
		Meter:         meter,
		Logger:        logger,
		Service:       cfg.Service,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	workerErrCh := make(chan error, 1)
	go func() { workerErrCh <- w.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		logJSON("info", "outbox_server_start", map[string]any{
			"addr":         srv.Addr,
			"env":          cfg.Env,
			"storeDriver":  cfg.StoreDriver,
			"buildVersion": buildVersion,
			"buildCommit":  buildCommit,
		})
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	workerExited := false
	select {
	case sig := <-sigCh:
		logJSON("info", "shutdown_signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logJSON("error", "server_error", map[string]any{"error": err.Error()})
		}
	case err := <-workerErrCh:
		workerExited = true
		if err != nil {
			logJSON("error", "worker_error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	w.Stop()
	cancelWorker()
	if !workerExited {
		<-workerErrCh
	}

	logJSON("info", "outbox_server_stopped", map[string]any{"addr": srv.Addr})
}

func sqlDriverName(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

func logJSON(level, event string, fields map[string]any) {
	type kv struct {
		K string `json:"k"`
		V any    `json:"v"`
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	arr := make([]kv, 0, len(keys)+2)
	arr = append(arr, kv{K: "level", V: level})
	arr = append(arr, kv{K: "event", V: event})
	for _, k := range keys {
		arr = append(arr, kv{K: k, V: fields[k]})
	}
	b, err := json.Marshal(arr)
	if err != nil {
		log.Printf("logJSON: marshal failed: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, string(b))
}

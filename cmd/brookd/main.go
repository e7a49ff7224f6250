// brookd is the Brook pipeline manager: the control plane that stores SQL
// programs and pipeline definitions, compiles programs to executables, and
// supervises the pipeline processes running them.
//
// Three long-lived tasks share the process: the REST API, the compile
// scheduler, and the runner supervisor. The background workers only run on the
// replica holding the leader advisory lock; every replica serves the API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "embed"

	"golang.org/x/sync/errgroup"

	"github.com/brook-data/brook/manager/internal/api"
	"github.com/brook-data/brook/manager/internal/auth"
	"github.com/brook-data/brook/manager/internal/compiler"
	"github.com/brook-data/brook/manager/internal/config"
	"github.com/brook-data/brook/manager/internal/leader"
	"github.com/brook-data/brook/manager/internal/postgres"
	"github.com/brook-data/brook/manager/internal/runner"
)

//go:embed openapi.yaml
var openapiDoc []byte

func main() {
	configPath := flag.String("config", "", "path to brook.yaml (default: $BROOK_CONFIG, then ./brook.yaml)")
	precompile := flag.Bool("precompile", false, "build the baseline dependency workspace and exit")
	dumpOpenAPI := flag.Bool("dump-openapi", false, "write the OpenAPI document to stdout and exit")
	flag.Parse()

	if *dumpOpenAPI {
		os.Stdout.Write(openapiDoc)
		return
	}

	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /brookd healthcheck
	if flag.Arg(0) == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/healthz")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		return
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(api.NewContextHandler(baseHandler)))

	path := *configPath
	if path == "" {
		path = config.ResolvePath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	if path != "" {
		slog.Info("config loaded", "path", path)
	}

	if *precompile {
		comp := compiler.New(nil, cfg.Compiler)
		if err := comp.Precompile(context.Background()); err != nil {
			slog.Error("precompile failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("brookd failed", "error", err)
		os.Exit(1)
	}
	slog.Info("brookd shutdown complete")
}

func run(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	programs := postgres.NewProgramStore(pool)
	pipelines := postgres.NewPipelineStore(pool)
	connectors := postgres.NewConnectorStore(pool)
	slog.Info("postgres stores initialized")

	srv := &api.Server{
		Programs:    programs,
		Pipelines:   pipelines,
		Connectors:  connectors,
		DBHealth:    postgres.NewHealthChecker(pool),
		CORSOrigins: cfg.CORSOrigins,
	}
	if corsEnv := os.Getenv("BROOK_CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	if cfg.APIKey != "" {
		srv.Auth = auth.APIKey(cfg.APIKey)
		slog.Info("API key authentication enabled")
	} else {
		srv.Auth = auth.Noop()
		if strings.HasPrefix(cfg.ListenAddr, "0.0.0.0") {
			slog.Warn("listening on 0.0.0.0 without an API key, the API is open to the network")
		}
	}

	// Background workers run only on the leader. The compile lease and the
	// process handles both assume a single active instance.
	comp := compiler.New(programs, cfg.Compiler)
	janitor, err := compiler.NewJanitor(programs, cfg.Compiler.WorkingDir, cfg.Compiler.GCSchedule)
	if err != nil {
		return err
	}
	supervisor := runner.New(pipelines, programs, connectors, cfg.Runner)

	elector := leader.New(leader.PgTryLock(pool), leader.RetryInterval, func(ctx context.Context) func() {
		if err := comp.Start(ctx); err != nil {
			slog.Error("failed to start compiler", "error", err)
		}
		janitor.Start()
		if err := supervisor.Start(ctx); err != nil {
			slog.Error("failed to start supervisor", "error", err)
		}
		return func() {
			supervisor.Stop()
			janitor.Stop()
			comp.Stop()
		}
	})
	elector.Start(ctx)
	defer elector.Stop()
	slog.Info("leader election started (advisory lock)")

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(srv),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// Egress streams run until the client disconnects.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting brookd", "addr", cfg.ListenAddr, "version", api.Version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

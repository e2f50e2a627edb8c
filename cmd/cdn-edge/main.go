package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"screaming-eagle/pkg/adminapi"
	"screaming-eagle/pkg/cache"
	"screaming-eagle/pkg/circuitbreaker"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/edge"
	"screaming-eagle/pkg/healthcheck"
	"screaming-eagle/pkg/logging"
	"screaming-eagle/pkg/origin"
	"screaming-eagle/pkg/pipeline"
	"screaming-eagle/pkg/ratelimit"
	"screaming-eagle/pkg/telemetry"
)

var (
	configPath     = flag.String("config", "", "Path to configuration file (default: $CDN_CONFIG or config/cdn.toml)")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")

	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		runHashPassword(os.Args[2:])
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("screaming-eagle edge CDN\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Git Commit:  %s\n", gitCommit)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = config.PathFromEnv()
	}

	if *validateConfig {
		if _, err := config.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration valid.")
		return
	}

	ctx := context.Background()

	cfgWatcher, err := config.NewWatcher(path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgWatcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go func() {
		if err := cfgWatcher.Start(watcherCtx); err != nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	logger.Info("screaming-eagle starting", "version", version, "build_time", buildTime)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	cdnCache, err := cache.New(&cfg.Cache, logger, metrics, nil, cfg.Cache.ShardCount)
	if err != nil {
		logger.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}

	breakers := circuitbreaker.NewRegistry(cfg.CircuitBreaker)
	breakers.SetMetrics(metrics)
	origins := origin.NewRegistry(cfg.Origins, breakers, logger)
	healthChecker := healthcheck.New(cfg.Origins, logger)

	healthCtx, healthCancel := context.WithCancel(ctx)
	defer healthCancel()
	go healthChecker.Run(healthCtx)

	rewrites, err := edge.NewRewriteEngine(cfg.Edge.Rewrites)
	if err != nil {
		logger.Error("failed to compile edge rewrites", "error", err)
		os.Exit(1)
	}
	headers := edge.NewHeaderTransformer(cfg.Edge.HeaderTransforms)
	routes, err := edge.NewRouteEvaluator(cfg.Edge.Routes)
	if err != nil {
		logger.Error("failed to compile edge routes", "error", err)
		os.Exit(1)
	}

	rateLimiter := ratelimit.NewManager(cfg.RateLimit, logger, nil)

	proxy := pipeline.New(cfg, cdnCache, origins, rateLimiter, rewrites, headers, routes, nil, logger, metrics)

	admin, err := adminapi.New(cfg, cdnCache, breakers, origins, healthChecker, telem, proxy, logger)
	if err != nil {
		logger.Error("failed to initialize admin server", "error", err)
		os.Exit(1)
	}

	cfgWatcher.OnChange(func(newCfg *config.Config) {
		logger.Info("configuration reloaded", "addr", newCfg.Server.Addr())
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 1)
	go func() {
		if err := admin.Start(serverCtx); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	logger.Info("screaming-eagle is running", "addr", cfg.Server.Addr())

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
		serverCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during server shutdown", "error", err)
		}
		healthChecker.Stop()
		if err := cdnCache.Close(); err != nil {
			logger.Error("error closing cache", "error", err)
		}
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during telemetry shutdown", "error", err)
		}
		logger.Info("screaming-eagle stopped")

	case err := <-errChan:
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func runHashPassword(args []string) {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	cost := fs.Int("cost", 12, "Bcrypt cost parameter (10-14 recommended)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cdn-edge hash-password [OPTIONS] [TOKEN]\n\n")
		fmt.Fprintf(os.Stderr, "Generate a bcrypt hash for an admin bearer token, for admin.auth_token_hash.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var token string
	if fs.NArg() > 0 {
		token = fs.Arg(0)
	} else {
		fmt.Fprintf(os.Stderr, "Enter token: ")
		if _, err := fmt.Scanln(&token); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read token: %v\n", err)
			os.Exit(1)
		}
	}
	if token == "" {
		fmt.Fprintf(os.Stderr, "Error: token cannot be empty\n")
		fs.Usage()
		os.Exit(1)
	}
	if *cost < 4 || *cost > 31 {
		fmt.Fprintf(os.Stderr, "Error: cost must be between 4 and 31\n")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate hash: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("# Add this to your cdn.toml:\n")
	fmt.Printf("[admin]\n")
	fmt.Printf("auth_enabled = true\n")
	fmt.Printf("auth_token_hash = \"%s\"\n", string(hash))
}

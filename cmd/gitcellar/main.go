package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brineport/gitcellar/internal/api"
	"github.com/brineport/gitcellar/internal/authz"
	"github.com/brineport/gitcellar/internal/config"
	"github.com/brineport/gitcellar/internal/smarthttp"
)

func main() {
	fs := flag.NewFlagSet("gitcellar", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	configureLogging(cfg)

	if err := os.MkdirAll(cfg.Repository.Root, 0o755); err != nil {
		log.Fatalf("create repository root: %v", err)
	}

	ctx := context.Background()
	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer shutdownTracing(ctx)

	authorize, err := buildAuthorizer(cfg)
	if err != nil {
		log.Fatalf("configure auth: %v", err)
	}

	registry := prometheus.NewRegistry()
	smartMetrics := smarthttp.NewMetrics(registry)

	smartSvc := smarthttp.New(smarthttp.Options{
		RepositoryRoot:    cfg.Repository.Root,
		Agent:             cfg.Protocol.Agent,
		EnableUploadPack:  cfg.Protocol.EnableUploadPack,
		EnableReceivePack: cfg.Protocol.EnableReceivePack,
		Authorize:         authorize,
		Metrics:           smartMetrics,
		OnReceivePackDone: logPostReceive,
	})

	var smartHandler http.Handler = smartSvc
	if prefix := strings.TrimSuffix(cfg.Protocol.RoutePrefix, "/"); prefix != "" {
		smartHandler = http.StripPrefix(prefix, smartSvc)
	}

	handler := api.NewServer(api.ServerOptions{
		SmartHTTP:          smartHandler,
		MetricsRegisterer:  registry,
		MetricsGatherer:    registry,
		CORSAllowedOrigins: cfg.Listen.CORSAllowedOrigins,
		TrustedProxyCIDRs:  trustedProxyCIDRs(cfg),
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)

	go func() {
		slog.Info("gitcellar listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-done
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func configureLogging(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// buildAuthorizer constructs the Authorizer named by cfg.Auth.Mode.
// ValidateServe has already rejected incomplete "basic"/"jwt" configs by
// the time this runs.
func buildAuthorizer(cfg *config.Config) (authz.Authorizer, error) {
	switch cfg.Auth.Mode {
	case "", "none":
		return authz.Allow, nil
	case "basic":
		return authz.NewBasicAuthorizer(cfg.Auth.BasicUsers), nil
	case "jwt":
		return authz.NewJWTAuthorizer([]byte(cfg.Auth.JWTSecret)), nil
	default:
		return nil, fmt.Errorf("unsupported auth.mode: %s", cfg.Auth.Mode)
	}
}

func logPostReceive(ctx context.Context, repoName string, updatedRefs []string) error {
	slog.Info("receive-pack complete", "repository", repoName, "refs", updatedRefs)
	return nil
}

// trustedProxyCIDRs resolves the CIDR list used to decide whether a
// peer's X-Forwarded-For header may be trusted. An explicit
// listen.trusted_proxies list always wins; with none configured,
// GITCELLAR_TRUST_PROXY=true trusts every peer (0.0.0.0/0, ::/0) as a
// development convenience and must not be set in production.
func trustedProxyCIDRs(cfg *config.Config) []string {
	if len(cfg.Listen.TrustedProxies) > 0 {
		return cfg.Listen.TrustedProxies
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("GITCELLAR_TRUST_PROXY"))); v == "1" || v == "true" || v == "yes" {
		return []string{"0.0.0.0/0", "::/0"}
	}
	return nil
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/liamcoop/history/history"
	"github.com/liamcoop/history/internal/config"
	"github.com/liamcoop/history/internal/logger"
	"github.com/liamcoop/history/resultcache"
	"github.com/liamcoop/history/rules"
)

// defaultRules seeds the in-memory rule store with the same rules the
// first migration inserts
var defaultRules = []rules.CreateRuleRequest{
	{Pattern: `https://example\.com/video/(\d+).*`, Replacement: "https://example.com/video/$1", OrderIndex: intPtr(1)},
	{Pattern: `https://blog\.example\.com/(\d+).*`, Replacement: "https://blog.example.com/$1", OrderIndex: intPtr(2)},
	{Pattern: `https://shop\.example\.com/product/([^/?#]+).*`, Replacement: "https://shop.example.com/product/$1", OrderIndex: intPtr(3)},
}

func intPtr(v int) *int { return &v }

// deps holds everything the server needs plus the resources to release on
// shutdown
type deps struct {
	engine  *rules.Engine
	history *history.Service
	closers []func() error
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.Error("failed to release resource", "error", err)
		}
	}
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}

	var (
		store rules.RuleStore
		index history.Index
	)

	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		d.closers = append(d.closers, db.Close)

		if err := db.PingContext(ctx); err != nil {
			d.close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		store = rules.NewPostgresRuleStore(db)
		index = history.NewPostgresIndex(db)
		logger.Info("using postgres stores")
	} else {
		mem := rules.NewInMemoryRuleStore()
		for _, req := range defaultRules {
			if _, err := mem.Create(ctx, req); err != nil {
				return nil, fmt.Errorf("failed to seed rules: %w", err)
			}
		}
		store = mem
		index = history.NewMemoryIndex()
		logger.Warn("no database configured, visits and rules are kept in memory")
	}

	d.engine = rules.NewEngine(store, rules.EngineOptions{
		Cache:            rules.CacheConfig{TTL: cfg.Rules.CacheTTL},
		BatchConcurrency: cfg.Rules.BatchConcurrency,
		Logger:           logger.Component("rules"),
	})

	cache, err := buildResultCache(ctx, cfg, d)
	if err != nil {
		d.close()
		return nil, err
	}

	opts := history.ServiceOptions{
		CacheTTL: cfg.ResultCache.TTL,
		Logger:   logger.Component("history"),
	}
	if cache != nil {
		opts.Cache = cache
		opts.Writer = resultcache.NewWriter(cache, resultcache.WriterOptions{
			MaxInFlight: cfg.ResultCache.MaxInFlightWrites,
			Timeout:     cfg.ResultCache.WriteTimeout,
			Logger:      logger.Component("resultcache"),
		})
	}
	d.history = history.NewService(d.engine, index, opts)

	return d, nil
}

// buildResultCache prefers Redis and degrades to the in-process cache when
// Redis cannot be reached at startup. It returns nil when caching is off.
func buildResultCache(ctx context.Context, cfg *config.Config, d *deps) (resultcache.Cache, error) {
	if !cfg.ResultCache.Enabled {
		logger.Info("search result cache disabled")
		return nil, nil
	}

	if cfg.Redis.URL != "" {
		redisCache, err := resultcache.NewRedisCache(ctx, resultcache.RedisConfig{
			URL:          cfg.Redis.URL,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			Logger:       logger.Component("resultcache"),
		})
		if err == nil {
			d.closers = append(d.closers, redisCache.Close)
			logger.Info("using redis result cache")
			return redisCache, nil
		}
		logger.WarnCacheDegraded("redis unavailable, falling back to in-memory result cache", "error", err)
	}

	memCache, err := resultcache.NewMemoryCache(cfg.ResultCache.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return memCache, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	server := NewServer(d.engine, d.history, ServerOptions{
		RequestTimeout:       cfg.Server.RequestTimeout,
		SlowRequestThreshold: cfg.Server.SlowRequestThreshold,
		Logger:               logger.Component("http"),
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Searches are done; let queued cache writes land before closing Redis
	d.history.Wait()

	logger.Info("server stopped")
	return nil
}

func logOptions(c config.LogConfig) logger.Options {
	return logger.Options{
		Level:       c.Level,
		SampleRate:  c.SampleRate,
		OTEL:        c.OTELEnabled,
		ServiceName: c.ServiceName,
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "history-server",
		Short:         "Browser history service with URL canonicalization",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logger.Setup(cmd.Context(), logOptions(cfg.Log)); err != nil {
				logger.Warn("logger setup incomplete", "error", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", os.Getenv("APP_CONFIG"), "path to a YAML config file")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger.Fatal("server exited", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
	}
}

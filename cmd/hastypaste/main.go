package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hastypaste/cfg"
	"hastypaste/pkg/secrets"
	"hastypaste/svc/api"
	"hastypaste/svc/cache"
	"hastypaste/svc/lim"
	"hastypaste/svc/render"
	"hastypaste/svc/store"
	"hastypaste/svc/svc"
	"hastypaste/svc/util"

	"github.com/pkg/errors"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(util.LogOpts{
		Level:      c.LogLevel,
		Dev:        c.IsDev(),
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sp, err := secrets.New(ctx, secrets.Opts{
		Provider:   c.SecretsProvider,
		VaultAddr:  c.VaultAddr,
		VaultToken: c.VaultToken.Value(),
		VaultPath:  c.VaultSecretPath,
		AWSRegion:  c.AWSRegion,
	})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize secrets provider")
		os.Exit(1)
	}
	if err := c.ResolveSecrets(ctx, sp); err != nil {
		util.Fatal().Err(err).Msg("failed to resolve secrets")
		os.Exit(1)
	}

	st, err := openStore(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StorageBackend).Msg("failed to open paste store")
		os.Exit(1)
	}
	defer st.Close()

	// -health is used by container health checks.
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		defer pingCancel()
		if err := st.Ping(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	util.Info().Str("backend", c.StorageBackend).Msg("paste store ready")

	if sq, ok := st.(*store.SQLite); ok && c.SQLite.WALInterval > 0 {
		sq.StartWALMaintenance(ctx, c.SQLite.WALInterval)
		util.Info().Dur("interval", c.SQLite.WALInterval).Msg("WAL maintenance worker started")
	}

	chain, err := buildCache(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to build cache chain")
		os.Exit(1)
	}
	defer chain.Close()
	util.Info().Strs("levels", chain.Names()).Msg("cache chain ready")

	renderer := render.New(c.RenderStyle)
	pasteSvc := svc.NewPaste(st, chain, renderer, svc.Opts{
		MaxBodySize:   c.MaxBodySize,
		Workers:       c.BackgroundWorkers,
		QueueSize:     c.BackgroundQueue,
		RenderWorkers: c.RenderWorkers,
		RenderTimeout: c.RenderTimeout,
	})
	util.Info().
		Int("workers", c.BackgroundWorkers).
		Int("render_workers", c.RenderWorkers).
		Msg("paste service initialized")

	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize rate limiter")
		os.Exit(1)
	}
	limiter.Start()
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	if c.CleanupInterval > 0 {
		if err := pasteSvc.StartCleaner(ctx, c.CleanupInterval); err != nil {
			util.Error().Err(err).Msg("failed to start cleaner")
		}
	}

	server := api.NewServer(c, pasteSvc, limiter, renderer)
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	if err := pasteSvc.Shutdown(shutdownCtx); err != nil {
		util.Warn().Err(err).Msg("background tasks abandoned")
	}
	util.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, c *cfg.Cfg) (store.Store, error) {
	switch c.StorageBackend {
	case cfg.BackendDisk:
		return store.NewDisk(c.PasteRoot)
	case cfg.BackendSQLite:
		return store.NewSQLite(store.SQLiteOpts{
			Path:         c.SQLite.Path,
			MaxOpenConns: c.SQLite.MaxOpenConns,
			QueryTimeout: c.SQLite.QueryTimeout,
		})
	case cfg.BackendS3:
		return store.NewS3(ctx, store.S3Opts{
			Bucket:          c.S3.Bucket,
			Region:          c.S3.Region,
			Endpoint:        c.S3.Endpoint,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey.Value(),
			UsePathStyle:    c.S3.UsePathStyle,
		})
	}
	return nil, errors.Errorf("unknown storage backend %q", c.StorageBackend)
}

// buildCache orders the levels nearest first: process memory, then redis.
// With neither configured the chain holds a single noop level.
func buildCache(ctx context.Context, c *cfg.Cfg) (*cache.Chain, error) {
	var levels []cache.Level
	if c.CacheEnable {
		lru, err := cache.NewLRU(c.CacheMaxEntries)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lru)
	}
	if c.CacheEnable && c.RedisURL != "" {
		rdb, err := cache.NewRedis(ctx, cache.RedisOpts{
			URL:             c.RedisURL,
			Password:        c.RedisPassword.Value(),
			CACert:          c.RedisCACert,
			Timeout:         c.RedisTimeout,
			TTL:             c.RedisCacheTTL,
			ConnectAttempts: c.RedisConnectAttempts,
		})
		if err != nil {
			return nil, err
		}
		levels = append(levels, rdb)
	}
	if len(levels) == 0 {
		levels = append(levels, cache.Noop{})
	}
	return cache.NewChain(levels...), nil
}

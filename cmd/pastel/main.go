package main

import (
	"context"
	"os"
	"os/signal"
	"pastel/cfg"
	"pastel/metrics"
	"pastel/pkg/secrets"
	"pastel/svc/api"
	"pastel/svc/cache"
	"pastel/svc/db"
	"pastel/svc/lim"
	"pastel/svc/sim"
	"pastel/svc/store"
	"pastel/svc/svc"
	"pastel/svc/util"
	"sync"
	"syscall"
	"time"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

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
	util.InitLog(c.LogLevel, c.IsDevelopment())
	util.Info().Str("environment", c.Environment).Msg("starting pastel API")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.EmbeddingKeyFromSecrets {
		chain, err := secrets.NewChain(ctx)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize secrets provider")
			os.Exit(1)
		}
		key, err := chain.GetSecret(ctx, c.EmbeddingSecretName)
		if err != nil {
			util.Fatal().Err(err).Str("secret", c.EmbeddingSecretName).Msg("failed to load embedding API key")
			os.Exit(1)
		}
		c.Embedding.APIKey = cfg.NewSecret(key)
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing without it")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}

	pasteStore, err := store.New(ctx, sqlDB, store.Options{Cache: lruCache, PublicCap: c.PublicIndexCap})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to start paste store")
		os.Exit(1)
	}
	defer pasteStore.Close()
	util.Info().Int("public_cap", c.PublicIndexCap).Int("cache_size", c.LRUCacheSize).Msg("paste store started")

	var embedder sim.Embedder = sim.NewOpenAIEmbedder(sim.OpenAIConfig{
		APIKey:     c.Embedding.APIKey.Value(),
		BaseURL:    c.Embedding.BaseURL,
		Model:      c.Embedding.Model,
		Dimensions: c.Vector.Dimensions,
		Timeout:    c.Embedding.Timeout,
	})
	if rdb != nil && c.Embedding.CacheTTL > 0 {
		embedder = sim.NewCachedEmbedder(embedder, rdb, c.Embedding.Model, c.Embedding.CacheTTL)
		util.Info().Dur("ttl", c.Embedding.CacheTTL).Msg("embedding cache enabled")
	}

	var index sim.Index
	if len(c.Vector.Addrs) > 0 {
		redisIndex, err := sim.NewRedisIndex(sim.RedisIndexConfig{
			Addrs:      c.Vector.Addrs,
			Password:   c.Vector.Password.Value(),
			Index:      c.Vector.Index,
			Dimensions: c.Vector.Dimensions,
		})
		if err != nil {
			util.Fatal().Err(err).Msg("failed to connect to vector index")
			os.Exit(1)
		}
		defer redisIndex.Close()
		ensureCtx, ensureCancel := context.WithTimeout(ctx, 10*time.Second)
		err = redisIndex.EnsureIndex(ensureCtx)
		ensureCancel()
		if err != nil {
			util.Fatal().Err(err).Str("index", c.Vector.Index).Msg("failed to create vector index")
			os.Exit(1)
		}
		index = redisIndex
		util.Info().Str("index", c.Vector.Index).Int("dimensions", c.Vector.Dimensions).Msg("vector index ready")
	} else {
		index = sim.NewMemoryIndex()
		util.Warn().Msg("VECTOR_ADDRS not set, using in-memory vector index")
	}
	similarity := sim.NewService(embedder, index)

	pasteSvc := svc.NewPaste(pasteStore, similarity, c)
	util.Info().
		Int("workers", c.Reindex.Workers).
		Int("queue", c.Reindex.QueueSize).
		Msg("paste service initialized")

	var counter lim.Counter
	if rdb != nil {
		counter = rdb
	}
	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, counter, c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize rate limiter")
		os.Exit(1)
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, api.Deps{
		Paste:   pasteSvc,
		Limiter: limiter,
		SQLite:  sqlDB,
		Redis:   rdb,
		Vectors: index,
	})

	walCtx, walCancel := context.WithCancel(ctx)
	var walWg sync.WaitGroup
	walWg.Add(1)
	go func() {
		defer walWg.Done()
		sqlDB.RunWALMaintenance(walCtx, 5*time.Minute)
	}()
	util.Info().Msg("WAL maintenance worker started")

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()

	walCancel()
	walDone := make(chan struct{})
	go func() {
		walWg.Wait()
		close(walDone)
	}()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(10 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

// healthcheck backs the container HEALTHCHECK: it only verifies that the
// database opens and answers.
func healthcheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "pastel.db"
	}
	sqlDB, err := db.NewSQLite(dbPath)
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(ctx); err != nil {
		return 1
	}
	return 0
}

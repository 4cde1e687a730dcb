package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/growledge/trading-engine/internal/config"
	"github.com/growledge/trading-engine/internal/quotecache"
	"github.com/growledge/trading-engine/internal/store"
)

// portfolioCacheTTL is how long the Redis read-through cache keeps a
// portfolio or trade list.
const portfolioCacheTTL = 30 * time.Second

// openStore picks the ledger store: PostgreSQL, then MongoDB, then memory.
// With REDIS_URL set the chosen store is wrapped in a read-through cache.
// The returned cleanup closes every connection opened here.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var st store.Store
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.MongoURL != "":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return nil, nil, fmt.Errorf("mongodb connection failed: %w", err)
		}
		cleanup = append(cleanup, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(dctx)
		})
		ms := store.NewMongoStore(client, cfg.MongoDatabase)
		if err := ms.EnsureIndexes(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("mongodb indexes: %w", err)
		}
		st = ms
		slog.Info("connected to MongoDB", "database", cfg.MongoDatabase)

	default:
		slog.Warn("DATABASE_URL and MONGODB_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		rdb, err := newRedis(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, portfolioCacheTTL)
		slog.Info("Redis portfolio cache enabled")
	}
	return st, closeAll, nil
}

// openQuoteBackend returns the market data cache backend: Redis when
// configured so replicas share quotes, process memory otherwise.
func openQuoteBackend(cfg *config.Config) (quotecache.Backend, func(), error) {
	if cfg.RedisURL == "" {
		return quotecache.NewMemoryBackend(), func() {}, nil
	}
	rdb, err := newRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Redis market data cache enabled")
	return quotecache.NewRedisBackend(rdb, "md:"), func() { rdb.Close() }, nil
}

func newRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

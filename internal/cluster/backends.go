package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/config"
	"github.com/djlord-it/clustercron/internal/logging"
	etcdmembership "github.com/djlord-it/clustercron/internal/membership/etcd"
	"github.com/djlord-it/clustercron/internal/store"
	"github.com/djlord-it/clustercron/internal/store/memory"
	"github.com/djlord-it/clustercron/internal/store/postgres"
	storeredis "github.com/djlord-it/clustercron/internal/store/redis"

	_ "github.com/lib/pq"
)

const etcdDialTimeout = 5 * time.Second

// Backends holds the shared map, the membership view and the connections
// behind them.
type Backends struct {
	Map        store.Map
	Membership store.Membership

	// DB is set when DATABASE_URL is configured. Leader election uses it.
	DB *sql.DB
	// Redis is set when REDIS_ADDR is configured. Fire analytics use it.
	Redis redis.UniversalClient

	closers []func() error
}

// Open connects the backends selected by cfg. Connections opened before a
// failure are closed.
func Open(ctx context.Context, cfg config.Config, clock clockwork.Clock, logger *zap.SugaredLogger) (_ *Backends, err error) {
	logger = logging.OrNop(logger).Named("backends")
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := &Backends{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Close())
		}
	}()

	if cfg.DatabaseURL != "" {
		if err := b.openPostgres(ctx, cfg); err != nil {
			return nil, err
		}
		logger.Infow("db pool configured",
			"max_open", cfg.DBMaxOpenConns, "max_idle", cfg.DBMaxIdleConns,
			"max_lifetime", cfg.DBConnMaxLifetime, "max_idle_time", cfg.DBConnMaxIdleTime)
	}
	if cfg.RedisAddr != "" {
		if err := b.openRedis(ctx, cfg); err != nil {
			return nil, err
		}
		logger.Infow("redis connected", "addr", cfg.RedisAddr)
	}

	if err := b.check(cfg.MapBackend); err != nil {
		return nil, err
	}
	if err := b.check(cfg.MembershipBackend); err != nil {
		return nil, err
	}

	switch cfg.MapBackend {
	case config.BackendMemory, "":
		b.Map = memory.NewMap()
	case config.BackendRedis:
		b.Map = storeredis.NewMap(b.Redis, cfg.RedisPrefix)
	case config.BackendPostgres:
		pg := postgres.New(b.DB)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate trigger map: %w", err)
		}
		b.Map = pg
	default:
		return nil, fmt.Errorf("unknown map backend %q", cfg.MapBackend)
	}

	switch cfg.MembershipBackend {
	case config.BackendMemory, "":
		b.Membership = memory.NewMembership(clock)
	case config.BackendRedis:
		b.Membership = storeredis.NewMembership(b.Redis, cfg.RedisPrefix, clock)
	case config.BackendPostgres:
		pg, ok := b.Map.(*postgres.Store)
		if !ok {
			pg = postgres.New(b.DB)
			if err := pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate membership: %w", err)
			}
		}
		b.Membership = pg
	case config.BackendEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: etcdDialTimeout,
			Logger:      logger.Desugar().Named("etcd"),
		})
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.Membership = etcdmembership.New(client, cfg.EtcdPrefix)
	default:
		return nil, fmt.Errorf("unknown membership backend %q", cfg.MembershipBackend)
	}

	logger.Infow("backends ready", "map", cfg.MapBackend, "membership", cfg.MembershipBackend)
	return b, nil
}

func (b *Backends) check(backend string) error {
	switch {
	case backend == config.BackendRedis && b.Redis == nil:
		return fmt.Errorf("%s backend: REDIS_ADDR is not set", backend)
	case backend == config.BackendPostgres && b.DB == nil:
		return fmt.Errorf("%s backend: DATABASE_URL is not set", backend)
	}
	return nil
}

func (b *Backends) openPostgres(ctx context.Context, cfg config.Config) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	b.closers = append(b.closers, db.Close)

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	b.DB = db
	return nil
}

func (b *Backends) openRedis(ctx context.Context, cfg config.Config) error {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	b.closers = append(b.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	b.Redis = client
	return nil
}

// Close releases every connection, in reverse order of opening.
func (b *Backends) Close() error {
	var errs error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, b.closers[i]())
	}
	b.closers = nil
	return errs
}

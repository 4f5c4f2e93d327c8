package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/api"
	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/auth"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/db"
	"github.com/hackgods/telehealth-booking/internal/notify"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

// UserStore is implemented by every repository; only seeding writes users.
type UserStore interface {
	UpsertUser(ctx context.Context, u appointment.User) error
}

// Container holds the dependencies shared by the executables.
type Container struct {
	Config config.Config
	Logger *zap.Logger

	PgPool *pgxpool.Pool
	Mongo  *mongo.Client
	Redis  *redis.Client

	Repo  appointment.Repository
	Users UserStore

	Locker        redisclient.Locker
	Inbox         notify.Inbox
	Publisher     notify.Publisher
	Dispatcher    *appointment.Dispatcher
	Service       *appointment.Service
	Authenticator *auth.Authenticator

	closers []func()
}

func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	c := &Container{Config: cfg, Logger: logger}

	if err := c.openStore(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.openRedis(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.openPublisher()

	breakers := notify.DefaultBreakerConfig()
	notifier := notify.NewBreakerNotifier(c.Inbox, breakers, logger)
	mailer := notify.NewBreakerMailer(notify.NewQueueMailer(c.Publisher), breakers, logger)

	c.Dispatcher = appointment.NewDispatcher(c.Repo, notifier, mailer, cfg.DispatchTimeout, logger)
	c.Service = appointment.NewService(c.Repo, c.Locker, c.Dispatcher, cfg, logger)
	c.Authenticator = auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)

	return c, nil
}

func (c *Container) openStore(ctx context.Context) error {
	switch c.Config.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.ConnectPostgres(ctx, c.Config.PostgresDSN, db.PoolOptions{MaxConns: int32(c.Config.PostgresMaxConn)})
		if err != nil {
			return fmt.Errorf("postgres connection error: %w", err)
		}
		c.PgPool = pool
		c.closers = append(c.closers, func() {
			pool.Close()
			c.Logger.Info("postgres connection closed")
		})
		c.Logger.Info("connected to postgres")

		if c.Config.RunMigrations {
			if err := c.migrate(ctx); err != nil {
				return err
			}
		}

		repo := appointment.NewPgRepository(pool)
		c.Repo, c.Users = repo, repo

	case config.DriverMongo:
		client, err := db.ConnectMongo(ctx, c.Config.MongoURI)
		if err != nil {
			return fmt.Errorf("mongo connection error: %w", err)
		}
		c.Mongo = client
		c.closers = append(c.closers, func() {
			if err := client.Disconnect(context.Background()); err != nil {
				c.Logger.Warn("error closing mongo", zap.Error(err))
			}
		})
		c.Logger.Info("connected to mongo", zap.String("database", c.Config.MongoDatabase))

		database := client.Database(c.Config.MongoDatabase)
		if err := db.EnsureMongoIndexes(ctx, database); err != nil {
			return err
		}

		repo := appointment.NewMongoRepository(database)
		c.Repo, c.Users = repo, repo

	default:
		c.Logger.Warn("using in-memory store, data is lost on restart")
		repo := appointment.NewMemoryRepository()
		c.Repo, c.Users = repo, repo
	}
	return nil
}

func (c *Container) migrate(ctx context.Context) error {
	m, err := db.NewMigrator(c.PgPool, c.Logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up(ctx)
}

func (c *Container) openRedis(ctx context.Context) error {
	if c.Config.RedisAddr == "" {
		c.Logger.Warn("REDIS_ADDR not set, using process-local locks and inbox")
		c.Locker = redisclient.NewLocalLocker()
		c.Inbox = notify.NewMemoryInbox()
		return nil
	}

	rdb, err := redisclient.NewRedisClient(ctx, c.Config)
	if err != nil {
		return fmt.Errorf("redis connection error: %w", err)
	}
	c.Redis = rdb
	c.closers = append(c.closers, func() {
		if err := rdb.Close(); err != nil {
			c.Logger.Warn("error closing redis", zap.Error(err))
		}
	})
	c.Logger.Info("connected to redis", zap.String("addr", c.Config.RedisAddr))

	c.Locker = redisclient.NewRedisLocker(rdb, c.Config.LockTTL)
	c.Inbox = notify.NewRedisInbox(rdb, c.Logger)
	return nil
}

func (c *Container) openPublisher() {
	if c.Config.AMQPURL == "" {
		c.Publisher = notify.NewLogPublisher(c.Logger)
		return
	}

	pub, err := notify.NewRabbitMQPublisher(c.Config.AMQPURL, c.Logger)
	if err != nil {
		// emails fall back to the log
		c.Logger.Warn("rabbitmq not available, logging emails instead", zap.Error(err))
		c.Publisher = notify.NewLogPublisher(c.Logger)
		return
	}
	c.Publisher = pub
	c.closers = append(c.closers, func() {
		if err := pub.Close(); err != nil {
			c.Logger.Warn("error closing rabbitmq", zap.Error(err))
		}
	})
}

// HealthChecks returns a ping per connected dependency.
func (c *Container) HealthChecks() map[string]api.Check {
	checks := map[string]api.Check{}
	if c.PgPool != nil {
		checks["postgres"] = c.PgPool.Ping
	}
	if c.Mongo != nil {
		checks["mongo"] = func(ctx context.Context) error { return c.Mongo.Ping(ctx, nil) }
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close waits for in-flight notifications, then releases connections in
// reverse order of opening.
func (c *Container) Close() {
	c.Dispatcher.Wait()
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

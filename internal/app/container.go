package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/linkedin-outreach/internal/audit"
	"github.com/acme/linkedin-outreach/internal/config"
	"github.com/acme/linkedin-outreach/internal/domain"
	"github.com/acme/linkedin-outreach/internal/infra/db"
	"github.com/acme/linkedin-outreach/internal/infra/redis"
	providerSvc "github.com/acme/linkedin-outreach/internal/provider"
	providerMock "github.com/acme/linkedin-outreach/internal/provider/mock"
	"github.com/acme/linkedin-outreach/internal/queue"
	"github.com/acme/linkedin-outreach/internal/registry"
	"github.com/acme/linkedin-outreach/internal/repository"
	pgrepo "github.com/acme/linkedin-outreach/internal/repository/postgres"
	scyllarepo "github.com/acme/linkedin-outreach/internal/repository/scylla"
	"github.com/acme/linkedin-outreach/internal/scheduler"
	"github.com/acme/linkedin-outreach/internal/service/quota"
	"github.com/acme/linkedin-outreach/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		dispatchers  *dispatchers
		providers    *providers
		limiters     *limiters
	}
}

type repositories struct {
	Accounts   repository.AccountRepository
	Operations repository.OperationRepository
	Audit      audit.Store
}

type services struct {
	Registry *registry.Registry
	Engine   *scheduler.Engine
}

type dispatchers struct {
	Operations *queue.OperationDispatcher
	Audit      *queue.AuditPublisher
}

type providers struct {
	Outreach providerSvc.Provider
}

type limiters struct {
	Execution *quota.Limiter
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Accounts:   pgrepo.NewAccountRepository(c.Postgres.DB()),
			Operations: pgrepo.NewOperationRepository(c.Postgres.DB()),
			Audit:      scyllarepo.NewAuditStore(c.Scylla.Session()),
		}

		disp := &dispatchers{
			Operations: queue.NewOperationDispatcher(c.Kafka, c.Config.Kafka.DispatchTopic),
			Audit:      queue.NewAuditPublisher(c.Kafka, c.Config.Kafka.AuditTopic),
		}

		sink := audit.NewKafkaSink(disp.Audit, c.Config.App.Name)

		reg := registry.New(repos.Accounts, c.Config.Quota.DefaultDailyLimit, nil)

		prov := providerMock.NewProvider(c.Config.Provider)

		engine := scheduler.NewEngine(repos.Operations, reg, prov, sink, c.Logger, scheduler.Options{
			DefaultDelay: domain.DelayPattern{
				MinDelay:     c.Config.Delay.MinDelay,
				MaxDelay:     c.Config.Delay.MaxDelay,
				RandomFactor: c.Config.Delay.RandomFactor,
			},
			ProviderTimeout: c.Config.Provider.RequestTimeout,
		})

		lims := &limiters{
			Execution: quota.NewLimiter(c.Redis.Inner(), c.Config.Quota.ExecutionSlots, c.Config.Scheduler.SlotTTL),
		}

		c.components.repositories = repos
		c.components.dispatchers = disp
		c.components.services = &services{Registry: reg, Engine: engine}
		c.components.providers = &providers{Outreach: prov}
		c.components.limiters = lims
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Dispatchers exposes Kafka dispatchers.
func (c *Container) Dispatchers() *dispatchers {
	c.initComponents()
	return c.components.dispatchers
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Limiters exposes limiter utilities.
func (c *Container) Limiters() *limiters {
	c.initComponents()
	return c.components.limiters
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if d := c.components.dispatchers; d != nil {
		if d.Operations != nil {
			if err := d.Operations.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dispatcher close: %w", err))
			}
		}
		if d.Audit != nil {
			if err := d.Audit.Close(); err != nil {
				errs = append(errs, fmt.Errorf("audit publisher close: %w", err))
			}
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	c.initComponents()

	topics := []string{c.Config.Kafka.DispatchTopic, c.Config.Kafka.AuditTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 24, 1)
}

// Package app assembles the service's dependencies from configuration. Both
// the server and bookctl start from here.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/client"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/lock"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/service"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/config"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/metrics"
)

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// App is a fully wired service set plus the resources it holds open.
type App struct {
	Services *service.Services
	Stores   service.Stores
	DB       *database.DB // nil with the memory driver
	Ready    Pinger

	closers []func()
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// MemoryStores exposes the in-memory gateway as service stores.
func MemoryStores(s *memory.Store) service.Stores {
	return service.Stores{
		Tx:             s,
		Workflows:      s.Workflows,
		Requests:       s.Requests,
		Steps:          s.Steps,
		Audit:          s.Audit,
		Templates:      s.Templates,
		GenerationLogs: s.GenerationLogs,
		Invoices:       s.Invoices,
		Expenses:       s.Expenses,
		Payments:       s.Payments,
	}
}

// PostgresStores builds the Postgres repositories over db.
func PostgresStores(db *database.DB) service.Stores {
	return service.Stores{
		Tx:             db,
		Workflows:      repository.NewApprovalWorkflowRepository(db),
		Requests:       repository.NewApprovalRequestRepository(db),
		Steps:          repository.NewApprovalStepsRepository(db),
		Audit:          repository.NewApprovalAuditRepository(db),
		Templates:      repository.NewRecurringTemplateRepository(db),
		GenerationLogs: repository.NewGenerationLogRepository(db),
		Invoices:       repository.NewInvoiceRepository(db),
		Expenses:       repository.NewExpenseRepository(db),
		Payments:       repository.NewPaymentRepository(db),
	}
}

// OpenDatabase connects to Postgres with the configured pool settings.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	return database.New(ctx, database.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		User:        cfg.User,
		Password:    cfg.Password,
		Database:    cfg.Database,
		SSLMode:     cfg.SSLMode,
		MaxConns:    cfg.MaxConns,
		MinConns:    cfg.MinConns,
		MaxConnTime: cfg.MaxConnTime,
		MaxIdleTime: cfg.MaxIdleTime,
		HealthCheck: cfg.HealthCheck,
	})
}

// New opens the configured store, broker and lock backend and wires the
// services over them. With the postgres driver pending migrations are
// applied first.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *logger.Logger) (*App, error) {
	a := &App{}

	switch cfg.Database.Driver {
	case "memory":
		store := memory.New()
		a.Stores = MemoryStores(store)
		a.Ready = store
		log.Warn().Msg("Using in-memory store; data is lost on exit")
	default:
		db, err := OpenDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		applied, err := repository.Migrate(ctx, db)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			log.Info().Strs("migrations", applied).Msg("Applied migrations")
		}
		a.DB = db
		a.Stores = PostgresStores(db)
		a.Ready = db
	}

	var js nats.JetStreamContext
	if cfg.NATS.URL != "" {
		nc, stream, err := client.ConnectJetStream(cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = nc.Drain() })
		js = stream
		log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
	}
	notifier := client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, log.Logger)

	var locker service.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		rl := lock.NewRedisLocker(rdb, "bookkeeping:lock:", cfg.Redis.LockTTL, log.Logger)
		if err := rl.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = rl
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis generation lock")
	} else {
		locker = lock.NewLocalLocker()
	}

	a.Services = service.NewServices(a.Stores, notifier, locker, m, log)
	return a, nil
}

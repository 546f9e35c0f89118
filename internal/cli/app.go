// Package cli wires configuration, storage and services into the meditrack
// commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"meditrack-server/internal/adherence"
	"meditrack-server/internal/cache"
	"meditrack-server/internal/config"
	"meditrack-server/internal/database"
	"meditrack-server/internal/dispatch"
	"meditrack-server/internal/logger"
	"meditrack-server/internal/reminder"
)

const cacheNamespace = "meditrack:adherence"

// app holds what the commands share. Fields are filled lazily so that a
// command only opens the connections it needs.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	db        *gorm.DB
	adherence *adherence.Service
	reminders *reminder.Service
	closers   []func() error
}

// load reads the optional dotenv file, the configuration and builds the logger.
func (a *app) load(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.log = logger.New(cfg)
	zerolog.DefaultContextLogger = &a.log
	return nil
}

func (a *app) openDB() error {
	if a.db != nil {
		return nil
	}
	db, err := database.Open(a.cfg.Database, a.log)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, sqlDB.Close)
	return nil
}

func (a *app) newCache(ctx context.Context) (cache.Cache, error) {
	if a.cfg.Cache.RedisURL == "" {
		return cache.NewMemory(a.cfg.Cache.TTL), nil
	}
	rdb, err := cache.NewRedisClient(ctx, a.cfg.Cache.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	a.log.Info().Msg("adherence cache backed by redis")
	return cache.NewRedis(rdb, cacheNamespace, a.cfg.Cache.TTL), nil
}

// services opens the database and cache and builds both core services.
func (a *app) services(ctx context.Context) error {
	if err := a.openDB(); err != nil {
		return err
	}
	c, err := a.newCache(ctx)
	if err != nil {
		return err
	}
	loc := a.cfg.Location()
	a.adherence = adherence.NewService(adherence.NewGormRepository(a.db), c, a.cfg.Adherence.Tolerance(), loc, a.log)
	a.reminders = reminder.NewService(reminder.NewGormRepository(a.db), loc, a.cfg.Reminder.MaxDaysAhead, a.log)
	a.adherence.SetObserver(a.reminders)
	return nil
}

func (a *app) worker() *dispatch.Worker {
	r := a.cfg.Reminder
	notifier := dispatch.LogNotifier{Logger: a.log.With().Str("component", "notifier").Logger()}
	return dispatch.NewWorker(a.reminders, notifier, dispatch.Options{
		Interval:        r.DispatchInterval,
		DaysAhead:       r.DefaultDaysAhead,
		DeliveryTimeout: r.DeliveryTimeout,
		BatchSize:       r.DispatchBatchSize,
	}, a.log)
}

// close releases connections in reverse order of opening.
func (a *app) close() {
	for _, c := range slices.Backward(a.closers) {
		if err := c(); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

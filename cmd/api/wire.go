package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"manchengo/api/internal/app"
	"manchengo/api/internal/appro"
	"manchengo/api/internal/authpw"
	"manchengo/api/internal/cache"
	"manchengo/api/internal/catalog"
	"manchengo/api/internal/config"
	"manchengo/api/internal/demande"
	"manchengo/api/internal/email"
	"manchengo/api/internal/export"
	"manchengo/api/internal/inventory"
	"manchengo/api/internal/invoicing"
	"manchengo/api/internal/lock"
	"manchengo/api/internal/logging"
	"manchengo/api/internal/monitoring"
	"manchengo/api/internal/procurement"
	"manchengo/api/internal/production"
	"manchengo/api/internal/search"
	"manchengo/api/internal/session"
	"manchengo/api/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// deps is the wired process: every service plus the handles to close.
type deps struct {
	cfg     config.Config
	logger  *zap.Logger
	db      *sql.DB
	redis   *redis.Client
	meili   *search.Meili
	search  *search.Service
	monitor *monitoring.Monitor
	service *app.Service
}

func (d *deps) Close() {
	if d.meili != nil {
		d.meili.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
	_ = d.logger.Sync()
}

func loadBase() (config.Config, *zap.Logger, error) {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, err
	}
	thresholds, err := config.LoadThresholds(cfg.ThresholdsFile)
	if err != nil {
		logger.Warn("thresholds file ignored, using defaults", zap.String("path", cfg.ThresholdsFile), zap.Error(err))
	}
	cfg.Thresholds = thresholds
	return cfg, logger, nil
}

func build(ctx context.Context, migrate bool) (*deps, error) {
	cfg, logger, err := loadBase()
	if err != nil {
		return nil, err
	}
	d := &deps{cfg: cfg, logger: logger}
	loc := cfg.Location()

	d.db, err = store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if migrate {
		applied, err := store.ApplyMigrations(ctx, d.db, cfg.MigrationsDir)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", zap.Strings("versions", applied))
		}
	}
	pg := store.NewPostgresStore(d.db)

	// Redis backs refresh sessions, the read cache and the monitor lease.
	// Without it sessions live in Postgres, nothing is cached and the lease
	// is always granted.
	var sessions authpw.SessionStore = pg
	var readCache *cache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		d.redis, err = session.Connect(ctx, cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("using Redis for sessions, cache and locks")
		sessions = session.NewRedisStore(d.redis)
		readCache = cache.New(d.redis, logger)
	} else {
		logger.Info("using PostgreSQL for refresh token storage")
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		d.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		index = d.meili
	}
	ilike := search.NewILike(d.db)
	d.search = search.NewService(index, ilike, ilike, logger)

	var archive export.Archiver
	switch a, err := export.NewArchive(export.ArchiveConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	}, logger); {
	case errors.Is(err, export.ErrArchiveDisabled):
	case err != nil:
		logger.Warn("document archive unavailable", zap.Error(err))
	default:
		if err := a.EnsureBucket(ctx); err != nil {
			logger.Warn("document archive bucket", zap.String("bucket", cfg.S3Bucket), zap.Error(err))
		} else {
			archive = a
		}
	}
	documents := export.NewService(export.ChromeRenderer{}, archive, export.Company{
		Name:    cfg.CompanyName,
		Address: cfg.CompanyAddress,
		NIF:     cfg.CompanyNIF,
	}, logger)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		Company:  cfg.CompanyName,
	}, logger)
	if !mailer.Enabled() {
		logger.Info("SMTP not configured, purchase orders cannot be sent by email")
	}

	purchasing := procurement.New(pg, procurement.Options{
		Documents:    documents,
		Mailer:       mailer,
		Cache:        readCache,
		Logger:       logger,
		Location:     loc,
		CriticalDays: cfg.Thresholds.PurchaseOrderCriticalDays,
	})
	monitor := monitoring.New(pg, monitoring.Options{
		LateOrders: purchasing,
		Outbox:     purchasing,
		Cache:      readCache,
		Thresholds: cfg.Thresholds,
		Logger:     logger,
		Location:   loc,
	})
	d.monitor = monitoring.NewMonitor(monitor, lock.New(d.redis), cfg.MonitorInterval, logger)

	d.service = &app.Service{
		Auth: authpw.NewService(pg, sessions, authpw.Options{
			Secret:     cfg.JWTSecret,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
			Logger:     logger,
		}),
		Catalog: catalog.New(pg, catalog.Options{
			Indexer: d.search,
			Cache:   readCache,
			Logger:  logger,
		}),
		Procurement: purchasing,
		Demandes:    demande.New(pg, logger, loc),
		Production:  production.New(pg, readCache, logger, loc),
		Inventory:   inventory.New(pg, readCache, logger, loc),
		Invoicing:   invoicing.New(pg, documents, readCache, logger, loc),
		Appro:       appro.New(pg, readCache, logger),
		Monitoring:  monitor,
		Search:      d.search,
		Probes:      probes(pg, d.redis, d.meili),
	}
	return d, nil
}

func probes(pg *store.PostgresStore, client *redis.Client, meili *search.Meili) map[string]app.Probe {
	out := map[string]app.Probe{"database": pg.Ping}
	if client != nil {
		out["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	if meili != nil {
		out["search"] = func(context.Context) error {
			if !meili.Healthy() {
				return errors.New("meilisearch unhealthy")
			}
			return nil
		}
	}
	return out
}

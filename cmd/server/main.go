package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/skybuild/backend/internal/auth"
	"github.com/skybuild/backend/internal/boq"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/clock"
	"github.com/skybuild/backend/internal/collab"
	"github.com/skybuild/backend/internal/config"
	"github.com/skybuild/backend/internal/export"
	"github.com/skybuild/backend/internal/httpapi"
	"github.com/skybuild/backend/internal/jobs"
	"github.com/skybuild/backend/internal/mail"
	"github.com/skybuild/backend/internal/metrics"
	"github.com/skybuild/backend/internal/presign"
	"github.com/skybuild/backend/internal/rbac"
	"github.com/skybuild/backend/internal/rooms"
	"github.com/skybuild/backend/internal/storage"
	"github.com/skybuild/backend/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	clk := clock.System{}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL, clk)
		if err != nil {
			return err
		}
		st = pg
	} else {
		slog.Warn("DB_URL unset, running on the in-memory store")
		st = store.NewMemory(clk)
	}

	disk, err := storage.NewDisk(cfg.StorageDir, cfg.MaxUploadBytes)
	if err != nil {
		return err
	}

	mtr := metrics.New(prometheus.DefaultRegisterer)
	bus := broker.New(
		broker.WithDropHook(func() { mtr.BrokerDrops.Inc() }),
		broker.WithSubscriberHook(func(delta int) { mtr.BrokerSubscribers.Add(float64(delta)) }),
	)

	// With Redis configured, events fan out across processes and the
	// job queue becomes a shared list. Without it everything stays
	// in-process.
	var pub broker.Publisher = bus
	var queue jobs.Queue = jobs.NewMemQueue(0)
	if cfg.RedisAddr != "" {
		fanout, err := broker.NewRedisFanout(bus, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer fanout.Close()
		pub = fanout
		queue = jobs.NewRedisQueue(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
	}

	signer, err := presign.New([]byte(cfg.SecretKey), cfg.PresignDefaultTTL, cfg.PresignClockSkew, clk)
	if err != nil {
		return err
	}
	authz := rbac.New(st)
	mailer := mail.New(cfg.SMTP)

	authSvc := auth.NewService(st, mailer, cfg, clk)
	jobSvc := jobs.NewService(st, disk, pub, queue, authz, cfg, clk).WithMetrics(mtr)
	boqSvc := boq.NewService(st, pub, authz)
	exportSvc := export.NewService(st, disk, pub, authz, signer)
	collabSvc := collab.NewService(st, pub, authz, mailer, clk)
	hub := rooms.NewHub(bus, nil).WithMemberHook(func(projectID string, count int) {
		mtr.RoomMembers.WithLabelValues(projectID).Set(float64(count))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := jobs.NewPool(jobSvc, cfg.JobWorkers)
	go pool.Run(ctx)

	srv := httpapi.NewServer(httpapi.Deps{
		Config: cfg,
		Store:  st,
		Disk:   disk,
		Bus:    bus,
		Signer: signer,
		Authz:  authz,
		Clock:  clk,

		Auth:   authSvc,
		Jobs:   jobSvc,
		Boq:    boqSvc,
		Export: exportSvc,
		Collab: collabSvc,
		Hub:    hub,

		Metrics: mtr,
	})
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

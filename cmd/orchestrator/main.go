package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/careflow-go/internal/api"
	"github.com/careflow-go/internal/backlog"
	"github.com/careflow-go/internal/engine"
	"github.com/careflow-go/internal/engine/bootstrap"
	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/internal/listener"
	"github.com/careflow-go/internal/notify"
	"github.com/careflow-go/internal/projection"
	"github.com/careflow-go/internal/query"
	"github.com/careflow-go/internal/relay"
	"github.com/careflow-go/pkg/config"
	"github.com/careflow-go/pkg/database"
	"github.com/careflow-go/pkg/logger"
	"github.com/careflow-go/pkg/ratelimit"
	"github.com/careflow-go/pkg/telemetry"
)

func main() {
	cfg, err := config.Load("orchestrator")
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.Logger)

	if err := run(cfg, log); err != nil {
		log.Fatal("orchestrator exited", "error", err)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.RegisterPoolMetrics(); err != nil {
		log.Warn("register pool metrics failed", "error", err)
	}
	if err := eventstore.Migrate(db); err != nil {
		return fmt.Errorf("migrate event store: %w", err)
	}
	if err := projection.Migrate(db); err != nil {
		return fmt.Errorf("migrate projections: %w", err)
	}

	registry, err := eventstore.LoadRegistry(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("load event catalog: %w", err)
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer tel.Close()

	bus, err := newBus(cfg, db, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	storeOpts := []eventstore.Option{
		eventstore.WithProjector(projection.NewRouter(log)),
		eventstore.WithNotifier(busNotifier(bus), cfg.Listener.ChannelName),
	}
	var eventRelay *relay.Relay
	if cfg.Kafka.Enabled() {
		eventRelay = relay.New(cfg.Kafka, log)
		defer eventRelay.Close()
		storeOpts = append(storeOpts, eventstore.WithSink(eventRelay))
	}
	store := eventstore.New(db, registry, log, storeOpts...)

	eng := engine.New(db, store, log, cfg.Engine)
	if err := eng.Migrate(); err != nil {
		return fmt.Errorf("migrate engine tables: %w", err)
	}
	defer eng.Stop()

	dns, err := bootstrap.NewRoute53Provider(
		cfg.Bootstrap.AWSRegion, cfg.Bootstrap.HostedZoneID,
		cfg.Bootstrap.BaseDomain, cfg.Bootstrap.DNSTarget)
	if err != nil {
		return fmt.Errorf("init dns provider: %w", err)
	}
	mailer, err := bootstrap.NewSESMailer(cfg.Bootstrap.AWSRegion, cfg.Bootstrap.EmailSender)
	if err != nil {
		return fmt.Errorf("init mailer: %w", err)
	}
	bootstrap.Register(eng, bootstrap.Deps{DNS: dns, Mailer: mailer})

	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}

	proc := listener.NewProcessor(store, eng, log)
	sweep := backlog.New(db, store, store, proc, cfg.Backlog, log)
	trig := listener.New(bus, proc, store, sweep, cfg.Listener, log)

	go func() {
		if err := trig.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("listener stopped", "error", err)
		}
	}()
	go func() {
		if err := sweep.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("backlog reprocessor stopped", "error", err)
		}
	}()

	handlers := api.NewHandlers(store, eng, query.NewService(db, log), log)
	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimitRPS > 0 {
		limiter = ratelimit.New(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handlers, tel, limiter),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("orchestrator listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	return nil
}

// newBus selects the notify transport. Redis is the default; pg rides on
// the primary database connection.
func newBus(cfg *config.Config, db *database.DB, log logger.Logger) (notify.Bus, error) {
	switch cfg.Notify.Driver {
	case "pg":
		return notify.NewPGBus(notify.NewGormNotifier(db), cfg.Database.DSN(), log), nil
	case "redis", "":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return notify.NewRedisBus(client, log), nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Notify.Driver)
	}
}

// busNotifier adapts the bus to the store's post-commit publish hook.
func busNotifier(bus notify.Bus) eventstore.Notifier {
	if n, ok := bus.(eventstore.Notifier); ok {
		return n
	}
	return nil
}

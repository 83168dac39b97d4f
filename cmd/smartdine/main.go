package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"smartdine/config"
	"smartdine/engine"
	"smartdine/logging"
	"smartdine/messaging"
	"smartdine/orderstate"
	"smartdine/realtime"
	"smartdine/store"
	"smartdine/www"
)

var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "smartdine.yaml", "path to config file")
	flag.Parse()

	if *showVersion {
		fmt.Println("smartdine", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logging.Configure(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.WithComponent("main")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("smartdine exited")
	}
	log.Info().Msg("stopped")
}

func run(cfg *config.Config) error {
	log := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := store.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("database open")

	// Redis status cache; the service runs without it.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	var redisStore *orderstate.RedisStore
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not available, running without status cache")
	} else {
		redisStore = orderstate.NewRedisStore(redisClient, cfg.Redis.StatusTTL)
		log.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}
	cancel()

	orderState := orderstate.NewManager(db, redisStore)
	if err := orderState.SyncRedisFromSQL(ctx); err != nil {
		log.Warn().Err(err).Msg("redis sync from SQL")
	}

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := realtime.NewMetrics(promReg)

	// Realtime fan-out
	registry := realtime.NewRegistry(metrics)
	broadcaster := realtime.NewBroadcaster(registry, metrics, logging.WithComponent("broadcaster"))

	// Downstream messaging is optional.
	var msgClient *messaging.Client
	if cfg.Messaging.Backend != "" {
		msgClient = messaging.NewClient(&cfg.Messaging)
		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := msgClient.Connect(connCtx); err != nil {
			log.Warn().Err(err).Str("backend", cfg.Messaging.Backend).Msg("messaging connect failed, outbox will hold messages")
		} else {
			log.Info().Str("backend", cfg.Messaging.Backend).Msg("messaging connected")
		}
		cancel()
		defer msgClient.Close()
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		DB:         db,
		OrderState: orderState,
		MsgClient:  msgClient,
		Publisher:  broadcaster,
		Metrics:    metrics,
		Logger:     logging.Base(),
	})
	eng.Start()
	defer eng.Stop()

	handler, stopRealtime := www.NewRouter(www.Deps{
		Engine:   eng,
		Registry: registry,
		Metrics:  metrics,
		Gatherer: promReg,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if msgClient != nil {
		drainer := messaging.NewOutboxDrainer(db, msgClient, cfg.Messaging.OutboxDrainInterval)
		g.Go(func() error { return drainer.Run(ctx) })
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("web server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by the server.
		if err := stopRealtime(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("realtime shutdown")
		}
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Str("version", Version).Msg("ready")
	return g.Wait()
}

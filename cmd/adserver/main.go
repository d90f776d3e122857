package main

import (
	"context"
	"flag"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/vorpalengineering/x402-adserver/ads"
	"github.com/vorpalengineering/x402-adserver/config"
	"github.com/vorpalengineering/x402-adserver/facilitator/client"
	"github.com/vorpalengineering/x402-adserver/lock"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/metrics"
	"github.com/vorpalengineering/x402-adserver/server"
	"github.com/vorpalengineering/x402-adserver/store"
	"github.com/vorpalengineering/x402-adserver/tracing"
	"github.com/vorpalengineering/x402-adserver/webhook"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "adserver.yaml", "Path to config file")
	worker := flag.Bool("worker", false, "Run the webhook worker instead of the HTTP server")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}
	log := logger.New(cfg.Log)

	// Cancel on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *worker); err != nil {
		log.Error("adserver stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, worker bool) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("failed to flush traces", "error", err)
		}
	}()

	m := metrics.New()

	// Storage
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		st = pg
	} else {
		log.Warn("no database configured, using in-memory store")
		st = store.NewMemory()
	}

	// Delivery locks
	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		locker = lock.NewRedis(rdb, "adserver:lock:")
	}

	deliverer := webhook.NewDeliverer(st, log,
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout()}),
		webhook.WithLocker(locker),
		webhook.WithLockTTL(cfg.LockTTL()),
		webhook.WithMetrics(m),
	)

	if worker {
		redisOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
		if err != nil {
			return err
		}
		w := webhook.NewWorker(webhook.WorkerConfig{
			Redis:       redisOpt,
			Concurrency: cfg.Webhook.Concurrency,
		}, webhook.NewTaskHandler(deliverer, log), log)
		return w.Run(ctx)
	}

	// Webhook dispatch
	var dispatcher webhook.Dispatcher
	switch cfg.Webhook.Dispatcher {
	case config.DispatcherAsynq:
		redisOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
		if err != nil {
			return err
		}
		queue := asynq.NewClient(redisOpt)
		defer queue.Close()
		dispatcher = webhook.NewAsynqDispatcher(queue, log)
	default:
		gd := webhook.NewGoroutineDispatcher(deliverer, cfg.WebhookTimeout()+5*time.Second, log)
		defer gd.Wait()
		dispatcher = gd
	}
	emitter := webhook.NewPublisher(st, dispatcher, log)

	catalog, err := ads.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	facilitator := client.NewFacilitatorClient(cfg.Facilitator.URL,
		client.WithNetwork(cfg.Payment.Network),
		client.WithMetrics(m),
	)
	if supported, err := facilitator.Supported(ctx); err != nil {
		log.Warn("facilitator not reachable", "url", facilitator.URL(), "error", err)
	} else {
		log.Info("facilitator ready", "url", facilitator.URL(), "kinds", len(supported.Kinds))
	}

	svc := ads.NewService(st, catalog, cfg.Payment, facilitator, log,
		ads.WithMetrics(m),
		ads.WithEmitter(emitter),
	)

	auth, err := server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	var limiter *server.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = server.NewRateLimiter(cfg.RateLimit.RequestsPerSec, cfg.RateLimit.Burst, time.Minute, log)
		defer limiter.Stop()
	}

	if !strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	srv, err := server.New(server.Deps{
		Ads:         svc,
		Publishers:  ads.NewPublishers(st, emitter, deliverer),
		Auth:        auth,
		Metrics:     m,
		RateLimiter: limiter,
		Log:         log,
		PublicURL:   cfg.Server.PublicURL,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx, cfg.Server)
}

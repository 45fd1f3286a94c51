package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TokenFox/internal/pkg/billing"
	"github.com/ManuelReschke/TokenFox/internal/pkg/cache"
	"github.com/ManuelReschke/TokenFox/internal/pkg/database"
	"github.com/ManuelReschke/TokenFox/internal/pkg/env"
	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/lock"
	"github.com/ManuelReschke/TokenFox/internal/pkg/mail"
	"github.com/ManuelReschke/TokenFox/internal/pkg/metrics"
	"github.com/ManuelReschke/TokenFox/internal/pkg/oauth"
	"github.com/ManuelReschke/TokenFox/internal/pkg/router"
)

const (
	webhookRetryInterval = 5 * time.Minute
	lapseSweepInterval   = time.Hour
)

// Application is the wired server and everything it must release on shutdown.
type Application struct {
	App     *fiber.App
	DB      *gorm.DB
	Redis   *redis.Client
	Manager *jobqueue.Manager
}

func main() {
	env.SetupEnvFile()

	if len(os.Args) > 1 && os.Args[1] == "seed-plans" {
		if err := seedPlans(); err != nil {
			log.Fatalf("[Seed] %v", err)
		}
		return
	}

	application, err := NewApplication()
	if err != nil {
		log.Fatalf("[App] Startup failed: %v", err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := application.App.Listen(addr); err != nil {
			log.Errorf("[App] Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[App] Shutting down")
	application.Shutdown(10 * time.Second)
}

func NewApplication() (*Application, error) {
	db, err := database.SetupDatabase()
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	redisClient := cache.SetupCache()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	engine := ledger.NewEngine(ledger.NewRepository(db), m)
	queue := jobqueue.NewQueue(redisClient, env.GetInt("JOBQUEUE_WORKERS", 3), m)
	billingService := billing.NewServiceFromDB(db, engine,
		billing.NewStripeProcessor(env.GetEnv("STRIPE_SECRET_KEY", "")),
		billing.WithLocker(lock.NewRedisLocker(redisClient, lock.DefaultTTL)),
		billing.WithRetryQueue(queue),
		billing.WithWebhookSecret(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		billing.WithProcessorTimeout(env.GetDuration("PROCESSOR_TIMEOUT", billing.DefaultProcessorTimeout)),
		billing.WithMetrics(m),
	)
	billingService.RegisterJobHandlers(queue)
	mail.RegisterJobHandlers(queue, mail.NewMailerFromEnv())

	manager := jobqueue.NewManager(queue)
	manager.AddTask(jobqueue.PeriodicTask{
		Name:     "retry-failed-webhooks",
		Interval: webhookRetryInterval,
		Run:      billingService.RetryFailedWebhooks,
	})
	manager.AddTask(jobqueue.PeriodicTask{
		Name:     "sweep-lapsed-subscriptions",
		Interval: lapseSweepInterval,
		Run:      billingService.RunLapseSweep,
	})
	manager.Start()

	oauth.Setup(redisClient)

	app := fiber.New(fiber.Config{
		AppName:   "TokenFox",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Engine:   engine,
		Billing:  billingService,
		Queue:    queue,
		Plans:    cache.NewStore(redisClient, "tokenfox:"),
		Gatherer: registry,
	})

	return &Application{App: app, DB: db, Redis: redisClient, Manager: manager}, nil
}

// Shutdown stops accepting requests, drains background work and closes
// connections.
func (a *Application) Shutdown(timeout time.Duration) {
	if err := a.App.ShutdownWithTimeout(timeout); err != nil {
		log.Errorf("[App] HTTP shutdown: %v", err)
	}
	a.Manager.Stop()
	if err := a.Redis.Close(); err != nil {
		log.Errorf("[Cache] Close: %v", err)
	}
	if err := database.Close(a.DB); err != nil {
		log.Errorf("[Database] Close: %v", err)
	}
}

func seedPlans() error {
	db, err := database.SetupDatabase()
	if err != nil {
		return err
	}
	defer database.Close(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = billing.SeedPlans(ctx, ledger.NewRepository(db), billing.DefaultPlans())
	return err
}

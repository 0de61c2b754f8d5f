package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coldreach/config"
	"coldreach/middleware"
	"coldreach/routes"
	"coldreach/services"
	"coldreach/utils"
	"coldreach/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	config.SetupLogger()
	logger := logrus.WithField("component", "main")

	if err := config.InitSentry(); err != nil {
		logger.WithError(err).Warn("Error reporting disabled")
	}
	defer config.FlushSentry()

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	cfg := config.AppConfig
	sealer := utils.NewAESSealer(cfg.EncryptionKey)
	mailer := utils.NewSMTPMailer(cfg.SMTP, sealer)
	generator := utils.NewAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIModel, logrus.WithField("component", "generator"))

	dispatcher := services.NewDispatcher(config.DB, logrus.WithField("component", "dispatch"), mailer, generator)
	dispatcher.Policy = services.RetryPolicy{
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		InitialBackoff:    cfg.Dispatch.RetryInitial,
		MaxBackoff:        cfg.Dispatch.RetryMax,
		BackoffMultiplier: 2,
	}
	dispatcher.BatchSize = cfg.Dispatch.BatchSize
	dispatcher.Concurrency = cfg.Dispatch.Concurrency
	dispatcher.SendTimeout = cfg.Dispatch.SendTimeout
	dispatcher.TrackingBaseURL = cfg.TrackingBaseURL

	enrollments := services.NewEnrollmentService(config.DB, logrus.WithField("component", "enrollment"))

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:   "coldreach",
		BodyLimit: 20 * 1024 * 1024,
	})

	routes.SetupRoutes(app, routes.Deps{
		DB:          config.DB,
		Dispatcher:  dispatcher,
		Sealer:      sealer,
		Tracking:    services.NewTrackingService(config.DB),
		LimitStore:  middleware.RateLimitStorage(cfg.Redis),
		TriggerRate: cfg.Dispatch.TriggerRateLimit,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	dispatchWorker := worker.NewDispatchWorker(dispatcher, enrollments, cfg.Dispatch.Schedule, cfg.Dispatch.ClaimStaleAfter, logrus.WithField("component", "dispatch_worker"))
	g.Go(func() error { return dispatchWorker.Start(gctx) })

	replyWorker := worker.NewReplyWorker(config.DB, enrollments, sealer, cfg.Dispatch.ReplyPollCron, logrus.WithField("component", "reply_worker"))
	g.Go(func() error { return replyWorker.Start(gctx) })

	g.Go(func() error {
		logger.Infof("Server starting on port %s", cfg.ServerPort)
		return app.Listen(":" + cfg.ServerPort)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
	}
}

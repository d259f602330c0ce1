// Package main is the entry point for the mailbox API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/blob"
	"github.com/classifieds-hub/mailbox/internal/config"
	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/handler"
	natsclient "github.com/classifieds-hub/mailbox/internal/nats"
	"github.com/classifieds-hub/mailbox/internal/push"
	"github.com/classifieds-hub/mailbox/internal/retention"
	"github.com/classifieds-hub/mailbox/internal/service"
	"github.com/classifieds-hub/mailbox/internal/store"
	"github.com/classifieds-hub/mailbox/pkg/logger"
	"github.com/classifieds-hub/mailbox/pkg/tracing"
)

// eventBus is what the server needs from either bus implementation.
type eventBus interface {
	events.Bus
	IsConnected() bool
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.Options{
		Level:       cfg.LogLevel,
		Development: cfg.IsDevelopment(),
		Service:     "mailbox-api",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting mailbox API server", zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "mailbox", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.Close()

	var blobs *blob.Store
	if cfg.BlobPath != "" {
		blobs, err = blob.Open(cfg.BlobPath, cfg.MaxAttachmentBytes)
	} else {
		blobs, err = blob.OpenInMemory(cfg.MaxAttachmentBytes)
	}
	if err != nil {
		log.Fatal("failed to open attachment store", zap.String("path", cfg.BlobPath), zap.Error(err))
	}
	defer blobs.Close()

	bus, closeBus, err := openBus(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start event bus", zap.String("bus", cfg.EventBus), zap.Error(err))
	}
	defer closeBus()

	// Initialize services
	limits := service.Limits{
		MaxAttachments:    cfg.MaxAttachments,
		MaxAttachmentSize: cfg.MaxAttachmentBytes,
		MaxSubjectLength:  cfg.MaxSubjectLength,
		MaxContentLength:  cfg.MaxContentLength,
		SearchLimit:       cfg.SearchLimit,
	}
	notificationSvc := service.NewNotificationService(st, bus, log)
	messageSvc := service.NewMessageService(st, notificationSvc, bus, blobs, limits, log)
	conversationSvc := service.NewConversationService(st, messageSvc, bus, log)

	// Push hub
	pushCfg := push.DefaultConfig()
	pushCfg.PingInterval = cfg.PushPingInterval
	pushCfg.PongWait = cfg.PushPongWait
	pushCfg.SendBuffer = cfg.PushSendBuffer
	pushCfg.InboundRate = cfg.PushInboundRate
	pushCfg.InboundBurst = cfg.PushInboundBurst
	hub := push.NewHub(pushCfg, log.Named("push"))
	go func() {
		if err := hub.Run(ctx, bus); err != nil {
			log.Error("push hub stopped", zap.Error(err))
		}
	}()

	// Notification retention
	scheduler, err := retention.New(cfg.RetentionCron, cfg.RetentionPeriod, notificationSvc, log.Named("retention"))
	if err != nil {
		log.Fatal("invalid retention schedule", zap.Error(err))
	}
	go scheduler.Run(ctx)

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		AllowedOrigins:    cfg.AllowedOrigins,
		RequestTimeout:    cfg.RequestTimeout,
		Logger:            log,
	}, handler.Handlers{
		Health:        handler.NewHealthHandler(bus, st),
		Messages:      handler.NewMessageHandler(messageSvc, log),
		Conversations: handler.NewConversationHandler(conversationSvc, log),
		Notifications: handler.NewNotificationHandler(notificationSvc, log),
		Attachments:   handler.NewAttachmentHandler(blobs, messageSvc, log),
		Push:          handler.NewPushHandler(hub, cfg.AllowedOrigins, log),
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StoreMemory {
		return store.NewMemory(), nil
	}
	return store.OpenSQL(cfg.StoreDriver, cfg.StoreDSN)
}

func openBus(ctx context.Context, cfg *config.Config, log *logger.Logger) (eventBus, func(), error) {
	if cfg.EventBus != config.BusNATS {
		bus := events.NewLocalBus()
		return bus, func() { _ = bus.Close() }, nil
	}

	client, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     "mailbox-api",
	}, log)
	if err != nil {
		return nil, nil, err
	}
	bus, err := natsclient.NewBus(ctx, client, log)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return bus, func() {
		_ = bus.Close()
		client.Close()
	}, nil
}

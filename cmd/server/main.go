package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/database"
	"github.com/iliyamo/service-marketplace/internal/handler"
	"github.com/iliyamo/service-marketplace/internal/logging"
	"github.com/iliyamo/service-marketplace/internal/middleware"
	"github.com/iliyamo/service-marketplace/internal/platform"
	"github.com/iliyamo/service-marketplace/internal/queue"
	"github.com/iliyamo/service-marketplace/internal/repository"
	"github.com/iliyamo/service-marketplace/internal/router"
	"github.com/iliyamo/service-marketplace/internal/service"
	"github.com/iliyamo/service-marketplace/internal/storage"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.Env == "dev")
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	policy, err := config.LoadPolicy()
	if err != nil {
		logger.Fatal("invalid policy config", zap.Error(err))
	}
	broker, err := config.LoadBroker()
	if err != nil {
		logger.Fatal("invalid broker config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenConfig(cfg)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer db.Close()

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		logger.Warn("redis unavailable; rate limiting, caching and push disabled", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}
	fanout := queue.NewRedisFanout(rdb)

	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)
	providers := repository.NewProviderRepo(db)
	bookings := repository.NewBookingRepo(db)
	commissions := repository.NewCommissionRepo(db)
	notifications := repository.NewNotificationRepo(db)
	content := repository.NewContentRepo(db)
	stats := repository.NewStatsRepo(db)

	deps := service.Deps{
		DB:          db,
		Providers:   providers,
		Bookings:    bookings,
		Commissions: commissions,
		Policy:      policy,
		Log:         logger.Named("marketplace"),
	}

	if broker.Enabled {
		pub := queue.NewPublisher(broker.URL, broker.Exchange, logger.Named("publisher"))
		defer pub.Close()
		deps.Events = pub

		consumer := queue.NewNotificationConsumer(broker, notifications, fanout, logger.Named("notifications"))
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("notification consumer stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Info("event broker disabled")
	}

	var photoURL func(string) string
	if client, uploader := openStorage(logger); uploader != nil {
		deps.Uploads = uploader
		photoURL = func(p string) string { return client.PublicURL(storage.BucketShopPhotos, p) }
	}

	market := service.NewMarketplace(deps)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.Named("http")))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dK", cfg.MaxUploadBytes>>10+1024)))
	e.Use(middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, logger.Named("ratelimit")))

	public := handler.NewPublicHandler(providers, content, stats, logger)
	public.PhotoURL = photoURL

	router.RegisterRoutes(e, &handler.HealthHandler{DB: db, Redis: rdb})
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, users, tokens, logger), cfg.JWTSecret)
	router.RegisterPublic(e, public, middleware.NewRedisCache(config.LoadCacheConfig(), rdb, logger.Named("cache")))
	router.RegisterCustomer(e, handler.NewBookingHandler(market, bookings, logger), cfg.JWTSecret)
	router.RegisterProvider(e, handler.NewProviderHandler(handler.ProviderDeps{
		Market:      market,
		Providers:   providers,
		Bookings:    bookings,
		Commissions: commissions,
		Uploads:     deps.Uploads,
		MaxUpload:   cfg.MaxUploadBytes,
		Log:         logger,
	}), cfg.JWTSecret)
	router.RegisterAdmin(e, handler.NewAdminHandler(market, commissions, content, logger), cfg.JWTSecret)
	router.RegisterNotifications(e, handler.NewNotificationHandler(notifications, fanout, logger), cfg.JWTSecret)

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

// openStorage connects the uploader to the hosted storage API.  Uploads are
// disabled when the platform is not configured.
func openStorage(logger *zap.Logger) (*platform.Client, *storage.Uploader) {
	pc, err := config.LoadPlatform()
	if err != nil || pc.ProjectURL == "" {
		logger.Info("file storage disabled")
		return nil, nil
	}
	client, err := platform.New(pc, config.PrivilegeServiceRole, logger.Named("platform"))
	if err != nil {
		logger.Warn("file storage disabled", zap.Error(err))
		return nil, nil
	}
	path := os.Getenv("STORAGE_MANIFEST")
	if path == "" {
		path = "storage/buckets.yaml"
	}
	manifest, err := storage.LoadManifest(path)
	if err != nil {
		logger.Warn("storage manifest not loaded; size and type checks left to the platform", zap.String("path", path), zap.Error(err))
	}
	return client, storage.NewUploader(client, manifest, logger.Named("storage"))
}

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

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/api"
	"prism-dashboard/app"
	"prism-dashboard/board"
	"prism-dashboard/config"
	"prism-dashboard/livesync"
	"prism-dashboard/notifier"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load("dashboard-api", os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.SetupLogging()
	if err := cfg.RequireAuth(); err != nil {
		log.Fatal(err)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer rt.Close()

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithRateLimit(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
		api.WithMetrics(api.NewMetrics(rt.Registry)),
		api.WithBoardMetrics(board.NewMetrics(rt.Registry)),
		api.WithGatherer(rt.Registry),
		api.WithSyncOptions(livesync.WithInterval(cfg.PollInterval), livesync.WithLogger(logger)),
	}
	if rt.Redis != nil {
		opts = append(opts, api.WithDeduper(api.NewRedisDeduper(rt.Redis, cfg.HTTP.IdempotencyTTL)))
	}
	queue, err := rt.Queue()
	if err != nil {
		log.Fatalf("queue: %v", err)
	}
	if queue != nil {
		opts = append(opts, api.WithNotifier(notifier.NewQueueNotifier(queue)))
	} else {
		opts = append(opts, api.WithNotifier(notifier.NewDeliverer(rt.Repo, notifier.WithLogger(logger))))
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.HTTP.AllowOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.WithFields(log.Fields{
				"method":  v.Method,
				"path":    v.URIPath,
				"status":  v.Status,
				"latency": v.Latency,
			}).Debug("request")
			return nil
		},
	}))
	api.NewServer(rt.Repo, auth, opts...).Register(e)

	go func() {
		logger.WithField("listen", cfg.HTTP.Listen).Info("dashboard api starting")
		if err := e.Start(cfg.HTTP.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}

func newAuth(cfg config.Auth) (*api.Auth, error) {
	if cfg.LocalSecret != "" {
		log.Warn("using local HS256 auth")
		return api.NewLocalAuth([]byte(cfg.LocalSecret)), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, err
	}
	return api.NewAuth(jwks, cfg.Audience, "https://"+cfg.Domain+"/"), nil
}

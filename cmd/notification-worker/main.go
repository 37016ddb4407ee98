package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/app"
	"prism-dashboard/config"
	"prism-dashboard/notifier"
)

const maxAttempts = 5

func main() {
	cfg, err := config.Load("notification-worker", os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.SetupLogging()
	logger := log.StandardLogger()
	log.Info("notification worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer rt.Close()

	deliverer := notifier.NewDeliverer(rt.Repo,
		notifier.WithLogger(logger),
		notifier.WithMetrics(notifier.NewMetrics(rt.Registry)),
	)

	// Reminders go through the queue when there is one so delivery retries
	// apply to them too.
	var sink notifier.Notifier = deliverer
	queue, err := rt.Queue()
	if err != nil {
		log.Fatalf("queue: %v", err)
	}
	if queue != nil {
		sink = notifier.NewQueueNotifier(queue)
	}

	reminderOpts := []notifier.ReminderOption{notifier.WithReminderLogger(logger), notifier.WithLocation(time.Local)}
	if rt.Redis != nil {
		reminderOpts = append(reminderOpts, notifier.WithMarks(rt.Redis))
	}
	reminders, err := notifier.NewReminders(rt.Repo, sink, cfg.Worker.ReminderCron, cfg.Worker.ReminderWindow, reminderOpts...)
	if err != nil {
		log.Fatal(err)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Errorf("%s: %v", name, err)
				stop()
			}
		}()
	}
	run("reminders", reminders.Run)
	if queue != nil {
		worker := notifier.NewWorker(queue, deliverer, notifier.WorkerConfig{
			Concurrency: cfg.Worker.Concurrency,
			BatchSize:   cfg.Worker.BatchSize,
			Visibility:  cfg.Worker.VisibilityTimeout,
			IdleWait:    cfg.Worker.IdleWait,
			MaxAttempts: maxAttempts,
		}, notifier.WithWorkerLogger(logger))
		run("worker", worker.Run)
	} else {
		logger.Warn("no notification queue configured; only reminders run")
	}

	srv := &http.Server{Addr: cfg.HTTP.Listen, Handler: promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	log.Info("notification worker stopped")
}

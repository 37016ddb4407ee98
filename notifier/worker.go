package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/storage"
)

// Source is the consuming side of the notification queue.
type Source interface {
	Receive(ctx context.Context, max int32, visibility time.Duration) ([]storage.Delivery, error)
	Delete(ctx context.Context, id, receipt string) error
}

type WorkerConfig struct {
	Concurrency int
	BatchSize   int
	Visibility  time.Duration
	// IdleWait is how long to sleep after an empty or failed receive.
	IdleWait time.Duration
	// MaxAttempts drops a message after that many failed deliveries. Zero
	// retries forever.
	MaxAttempts int64
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.BatchSize > 32 {
		c.BatchSize = 32
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = time.Second
	}
	return c
}

// Worker drains the queue into a Deliverer. A message is deleted once it is
// delivered or skipped; failures stay on the queue and reappear after the
// visibility timeout.
type Worker struct {
	src    Source
	d      *Deliverer
	cfg    WorkerConfig
	clock  clockwork.Clock
	logger *log.Logger
}

type WorkerOption func(*Worker)

func WithWorkerClock(c clockwork.Clock) WorkerOption { return func(w *Worker) { w.clock = c } }

func WithWorkerLogger(l *log.Logger) WorkerOption { return func(w *Worker) { w.logger = l } }

func NewWorker(src Source, d *Deliverer, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	w := &Worker{src: src, d: d, cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(w)
	}
	if w.clock == nil {
		w.clock = clockwork.NewRealClock()
	}
	if w.logger == nil {
		w.logger = log.StandardLogger()
	}
	return w
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithFields(log.Fields{
		"concurrency": w.cfg.Concurrency,
		"batch":       w.cfg.BatchSize,
	}).Info("notification worker started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := w.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Errorf("receive: %v", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-w.clock.After(w.cfg.IdleWait):
		case <-ctx.Done():
			return nil
		}
	}
}

// Poll handles one batch and returns how many messages it received.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	batch, err := w.src.Receive(ctx, int32(w.cfg.BatchSize), w.cfg.Visibility)
	if len(batch) == 0 {
		return 0, err
	}
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, msg := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(msg storage.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			w.handle(ctx, msg)
		}(msg)
	}
	wg.Wait()
	return len(batch), err
}

func (w *Worker) handle(ctx context.Context, msg storage.Delivery) {
	entry := w.logger.WithFields(log.Fields{
		"message_id": msg.MessageID,
		"user_id":    msg.Request.UserID,
		"attempts":   msg.Attempts,
	})
	outcome, err := w.d.Deliver(ctx, msg.Request)
	if err != nil {
		if w.cfg.MaxAttempts <= 0 || msg.Attempts < w.cfg.MaxAttempts {
			entry.Warnf("deliver: %v", err)
			return
		}
		entry.Errorf("dropping after %d attempts: %v", msg.Attempts, err)
	}
	if err := w.src.Delete(ctx, msg.MessageID, msg.PopReceipt); err != nil {
		entry.Errorf("delete: %v", err)
		return
	}
	entry.WithField("outcome", outcome).Debug("notification handled")
}

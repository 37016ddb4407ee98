// Package notifier turns notification requests into stored notifications,
// either directly or through the notification queue and its worker.
package notifier

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/domain"
)

var errInvalidRequest = errors.New("notifier: request needs a user and a title")

// Enqueuer is the producing side of the notification queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.NotificationRequest) error
}

// Store is the part of the repository a Deliverer writes through.
type Store interface {
	NotificationPreferences(ctx context.Context, userID string) (domain.NotificationPreferences, error)
	CreateNotification(ctx context.Context, userID, title string, body *string) (domain.Notification, error)
}

func validate(req domain.NotificationRequest) error {
	if req.UserID == "" || strings.TrimSpace(req.Title) == "" {
		return errInvalidRequest
	}
	return nil
}

// QueueNotifier hands requests to the worker through the queue.
type QueueNotifier struct {
	queue Enqueuer
}

func NewQueueNotifier(q Enqueuer) *QueueNotifier { return &QueueNotifier{queue: q} }

func (n *QueueNotifier) Notify(ctx context.Context, req domain.NotificationRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	return n.queue.Enqueue(ctx, req)
}

// Outcome of a single delivery.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
)

// Metrics counts deliveries by kind and outcome.
type Metrics struct {
	deliveries *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "notifier",
			Name:      "deliveries_total",
			Help:      "Notification requests handled by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.deliveries)
	}
	return m
}

func (m *Metrics) observe(kind string, o Outcome) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.deliveries.WithLabelValues(kind, string(o)).Inc()
}

// Deliverer stores notifications for users whose preferences allow them.
type Deliverer struct {
	store   Store
	logger  *log.Logger
	metrics *Metrics
}

type DelivererOption func(*Deliverer)

func WithLogger(l *log.Logger) DelivererOption { return func(d *Deliverer) { d.logger = l } }

func WithMetrics(m *Metrics) DelivererOption { return func(d *Deliverer) { d.metrics = m } }

func NewDeliverer(store Store, opts ...DelivererOption) *Deliverer {
	d := &Deliverer{store: store}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = log.StandardLogger()
	}
	return d
}

// allowed reports whether prefs let a request of kind through. Push is the
// only channel, so push_enabled gates everything.
func allowed(prefs domain.NotificationPreferences, kind string) bool {
	if !prefs.PushEnabled {
		return false
	}
	if kind == domain.NotifyReminder && !prefs.MeetingReminders {
		return false
	}
	return true
}

// Deliver stores the notification unless the recipient opted out. Invalid
// requests are skipped rather than failed since retrying cannot fix them.
func (d *Deliverer) Deliver(ctx context.Context, req domain.NotificationRequest) (Outcome, error) {
	entry := d.logger.WithFields(log.Fields{"user_id": req.UserID, "kind": req.Kind})
	if err := validate(req); err != nil {
		entry.Warn("notifier.invalid_request")
		d.metrics.observe(req.Kind, Skipped)
		return Skipped, nil
	}
	prefs, err := d.store.NotificationPreferences(ctx, req.UserID)
	if err != nil {
		d.metrics.observe(req.Kind, Failed)
		return Failed, err
	}
	if !allowed(prefs, req.Kind) {
		entry.Debug("notifier.opted_out")
		d.metrics.observe(req.Kind, Skipped)
		return Skipped, nil
	}
	n, err := d.store.CreateNotification(ctx, req.UserID, req.Title, req.Body)
	if err != nil {
		d.metrics.observe(req.Kind, Failed)
		return Failed, err
	}
	entry.WithField("notification_id", n.ID).Debug("notifier.delivered")
	d.metrics.observe(req.Kind, Delivered)
	return Delivered, nil
}

// Notify delivers in-process, for deployments without a queue.
func (d *Deliverer) Notify(ctx context.Context, req domain.NotificationRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	_, err := d.Deliver(ctx, req)
	return err
}

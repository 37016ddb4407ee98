package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/domain"
)

const reminderKeyPrefix = "reminder:"

// Meetings is the part of the repository the reminder job reads.
type Meetings interface {
	MeetingsBetween(ctx context.Context, from, to string) ([]domain.Meeting, error)
	AttendeeIDs(ctx context.Context, meetingIDs []string) (map[string][]string, error)
}

// Notifier accepts notification requests; both QueueNotifier and Deliverer
// satisfy it.
type Notifier interface {
	Notify(ctx context.Context, req domain.NotificationRequest) error
}

// Reminders notifies attendees of meetings about to start. Each
// (meeting, attendee) pair is reminded at most once; the marks live in Redis
// when a client is given so several workers can share the job.
type Reminders struct {
	meetings Meetings
	notify   Notifier
	redis    *redis.Client
	cron     string
	window   time.Duration
	loc      *time.Location
	clock    clockwork.Clock
	logger   *log.Logger

	mu    sync.Mutex
	local map[string]time.Time
}

type ReminderOption func(*Reminders)

func WithReminderClock(c clockwork.Clock) ReminderOption { return func(r *Reminders) { r.clock = c } }

func WithReminderLogger(l *log.Logger) ReminderOption { return func(r *Reminders) { r.logger = l } }

// WithLocation sets the zone meeting dates and times are written in.
func WithLocation(loc *time.Location) ReminderOption { return func(r *Reminders) { r.loc = loc } }

// WithMarks stores sent-reminder marks in Redis.
func WithMarks(rc *redis.Client) ReminderOption { return func(r *Reminders) { r.redis = rc } }

func NewReminders(meetings Meetings, n Notifier, cron string, window time.Duration, opts ...ReminderOption) (*Reminders, error) {
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid reminder cron %q", cron)
	}
	if window <= 0 {
		return nil, errors.New("reminder window must be positive")
	}
	r := &Reminders{
		meetings: meetings,
		notify:   n,
		cron:     cron,
		window:   window,
		local:    map[string]time.Time{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if r.logger == nil {
		r.logger = log.StandardLogger()
	}
	return r, nil
}

// Run fires RunOnce on every cron tick until ctx is done.
func (r *Reminders) Run(ctx context.Context) error {
	r.logger.WithField("cron", r.cron).Info("meeting reminders scheduled")
	for {
		now := r.clock.Now()
		next, err := gronx.NextTickAfter(r.cron, now, false)
		if err != nil {
			return fmt.Errorf("next reminder tick: %w", err)
		}
		select {
		case <-r.clock.After(next.Sub(now)):
		case <-ctx.Done():
			return nil
		}
		if n, err := r.RunOnce(ctx); err != nil {
			r.logger.Errorf("meeting reminders: %v", err)
		} else if n > 0 {
			r.logger.WithField("sent", n).Info("meeting reminders sent")
		}
	}
}

// RunOnce reminds attendees of meetings starting within the window and
// returns how many requests it sent.
func (r *Reminders) RunOnce(ctx context.Context) (int, error) {
	now := r.clock.Now().In(r.loc)
	end := now.Add(r.window)
	// date is a plain "YYYY-MM-DD" column, so query whole days and filter.
	meetings, err := r.meetings.MeetingsBetween(ctx, now.Format(time.DateOnly), end.AddDate(0, 0, 1).Format(time.DateOnly))
	if err != nil {
		return 0, err
	}
	due := make(map[string]time.Time)
	var ids []string
	for _, m := range meetings {
		start, err := m.StartsAt(r.loc)
		if err != nil {
			r.logger.WithField("meeting_id", m.ID).Warnf("meeting start: %v", err)
			continue
		}
		if start.Before(now) || !start.Before(end) {
			continue
		}
		due[m.ID] = start
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	attendees, err := r.meetings.AttendeeIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, m := range meetings {
		start, ok := due[m.ID]
		if !ok {
			continue
		}
		for _, userID := range attendees[m.ID] {
			key := reminderKeyPrefix + m.ID + ":" + userID
			first, err := r.mark(ctx, key)
			if err != nil {
				return sent, err
			}
			if !first {
				continue
			}
			if err := r.notify.Notify(ctx, reminderRequest(m, userID, start, now)); err != nil {
				r.unmark(ctx, key)
				return sent, err
			}
			sent++
		}
	}
	return sent, nil
}

func reminderRequest(m domain.Meeting, userID string, start, now time.Time) domain.NotificationRequest {
	body := fmt.Sprintf("Starts %s at %s", domain.RelativeTime(start, now), domain.FormatTime(m.Time))
	return domain.NotificationRequest{
		UserID: userID,
		Title:  "Meeting reminder: " + m.Title,
		Body:   &body,
		Kind:   domain.NotifyReminder,
	}
}

// mark records key and reports whether it was new. Marks outlive the
// window so a meeting never re-enters it unmarked.
func (r *Reminders) mark(ctx context.Context, key string) (bool, error) {
	ttl := 2*r.window + time.Hour
	if r.redis != nil {
		return r.redis.SetNX(ctx, key, "1", ttl).Result()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for k, exp := range r.local {
		if !now.Before(exp) {
			delete(r.local, k)
		}
	}
	if _, ok := r.local[key]; ok {
		return false, nil
	}
	r.local[key] = now.Add(ttl)
	return true, nil
}

func (r *Reminders) unmark(ctx context.Context, key string) {
	if r.redis != nil {
		if err := r.redis.Del(ctx, key).Err(); err != nil {
			r.logger.WithField("key", key).Warnf("clear reminder mark: %v", err)
		}
		return
	}
	r.mu.Lock()
	delete(r.local, key)
	r.mu.Unlock()
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"prism-dashboard/board"
	"prism-dashboard/domain"
	"prism-dashboard/livesync"
)

type unreadNotifications struct {
	Notifications []domain.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

type unreadInbox struct {
	Conversations []domain.Conversation `json:"conversations"`
	Unread        int                   `json:"unread"`
}

// latest is a one-slot mailbox: a new value replaces one the stream has not
// written yet, so slow clients only ever see the newest state.
type latest[T any] struct {
	ch chan T
}

func newLatest[T any]() *latest[T] { return &latest[T]{ch: make(chan T, 1)} }

func (l *latest[T]) put(v T) {
	for {
		select {
		case l.ch <- v:
			return
		default:
		}
		select {
		case <-l.ch:
		default:
		}
	}
}

// streamEvents serves one live view as server-sent events named event.
// start opens the view and must call push with every new state; the
// returned cancel is called when the client goes away.
func streamEvents[T any](s *Server, c echo.Context, event string, start func(ctx context.Context, push func(T)) (func(), error)) error {
	ctx := c.Request().Context()
	box := newLatest[T]()
	cancel, err := start(ctx, box.put)
	if err != nil {
		requestMetricsOf(c).SetErrorStage("start_stream")
		return s.fail(c, err)
	}
	defer cancel()
	defer s.metrics.streamOpened(event)()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(":ok\n\n")); err != nil {
		return nil
	}
	w.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case v := <-box.ch:
			data, err := sonic.Marshal(v)
			if err != nil {
				s.logger.WithError(err).WithField("stream", event).Error("api: encode stream event")
				continue
			}
			if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
				return nil
			}
			if _, err := w.Write(data); err != nil {
				return nil
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return nil
			}
			w.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			w.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) streamBoard(c echo.Context) error {
	projectID := c.Param("id")
	return streamEvents(s, c, "board", func(ctx context.Context, push func(board.Snapshot)) (func(), error) {
		w, err := livesync.WatchBoard(ctx, s.repo, projectID, push, s.syncOpts...)
		if err != nil {
			return nil, err
		}
		return w.Cancel, nil
	})
}

func (s *Server) streamNotifications(c echo.Context) error {
	userID := userIDOf(c)
	return streamEvents(s, c, "notifications", func(ctx context.Context, push func(unreadNotifications)) (func(), error) {
		nf, err := livesync.StartNotificationFeed(ctx, s.repo, userID, func(items []domain.Notification) {
			unread := 0
			for _, n := range items {
				if n.ReadAt == nil {
					unread++
				}
			}
			push(unreadNotifications{Notifications: items, Unread: unread})
		}, s.syncOpts...)
		if err != nil {
			return nil, err
		}
		return nf.Cancel, nil
	})
}

func (s *Server) streamMessages(c echo.Context) error {
	userID := userIDOf(c)
	return streamEvents(s, c, "conversations", func(ctx context.Context, push func(unreadInbox)) (func(), error) {
		in, err := livesync.StartInbox(ctx, s.repo, userID, func(convs []domain.Conversation) {
			if err := s.repo.AttachPartners(ctx, convs); err != nil {
				s.logger.WithError(err).WithField("user", userID).Warn("api: attach conversation partners")
			}
			unread := 0
			for _, cv := range convs {
				unread += cv.Unread
			}
			push(unreadInbox{Conversations: convs, Unread: unread})
		}, s.syncOpts...)
		if err != nil {
			return nil, err
		}
		return in.Cancel, nil
	})
}

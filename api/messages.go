package api

import (
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"prism-dashboard/domain"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 128
	defaultNotifications = 50
	messagePreviewLength = 140
)

type inboxResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Unread        int                   `json:"unread"`
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

type notificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

type readAllResponse struct {
	Updated int `json:"updated"`
}

func (s *Server) getInbox(c echo.Context) error {
	ctx := c.Request().Context()
	userID := userIDOf(c)
	convs, err := s.repo.Conversations(ctx, userID)
	if err != nil {
		return s.fail(c, err)
	}
	unread := 0
	for _, cv := range convs {
		unread += cv.Unread
	}
	requestMetricsOf(c).SetItems(len(convs))
	return c.JSON(http.StatusOK, inboxResponse{Conversations: convs, Unread: unread})
}

// getConversation marks the partner's messages read before returning the
// thread, so the response already shows them read.
func (s *Server) getConversation(c echo.Context) error {
	ctx := c.Request().Context()
	userID, partner := userIDOf(c), c.Param("userId")
	if _, err := s.repo.MarkConversationRead(ctx, userID, partner); err != nil {
		requestMetricsOf(c).SetErrorStage("mark_read")
		return s.fail(c, err)
	}
	msgs, err := s.repo.Conversation(ctx, userID, partner)
	if err != nil {
		return s.fail(c, err)
	}
	requestMetricsOf(c).SetItems(len(msgs))
	return c.JSON(http.StatusOK, msgs)
}

// postMessage sends a message. With an Idempotency-Key header a retry
// returns the message stored by the first attempt, and a retry racing a
// running attempt gets 409.
func (s *Server) postMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if strings.TrimSpace(req.Body) == "" {
		return s.fail(c, badRequest("body is required"))
	}
	ctx := c.Request().Context()
	userID, recipient := userIDOf(c), c.Param("userId")
	rm := requestMetricsOf(c)

	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	if len(key) > maxIdempotencyKeyLen {
		return s.fail(c, badRequest("idempotency key too long"))
	}
	useKey := key != "" && s.deduper != nil
	if useKey {
		claimed, stored, err := s.deduper.Claim(ctx, userID, key)
		if err != nil {
			rm.SetErrorStage("idempotency")
			return s.fail(c, err)
		}
		if !claimed {
			if stored == nil {
				return c.JSON(http.StatusConflict, errorResponse{Error: "request already in progress"})
			}
			c.Response().Header().Set(headerReplayed, "true")
			return c.JSONBlob(http.StatusCreated, stored)
		}
	}

	msg, err := s.repo.SendMessage(ctx, userID, recipient, req.Body)
	if err != nil {
		if useKey {
			if rerr := s.deduper.Release(ctx, userID, key); rerr != nil {
				s.logger.WithError(rerr).Warn("api: release idempotency key")
			}
		}
		return s.fail(c, err)
	}

	body, err := sonic.Marshal(msg)
	if err != nil {
		rm.SetErrorStage("encode_response")
		return s.fail(c, err)
	}
	if useKey {
		if err := s.deduper.Complete(ctx, userID, key, body); err != nil {
			s.logger.WithError(err).Warn("api: store idempotent result")
		}
	}
	s.notify(ctx, s.messageNotification(c, msg))
	return c.JSONBlob(http.StatusCreated, body)
}

func (s *Server) messageNotification(c echo.Context, msg domain.Message) domain.NotificationRequest {
	title := "New message"
	if p, err := s.repo.CurrentProfile(c.Request().Context(), msg.SenderID); err == nil && p != nil && p.FullName != "" {
		title = "New message from " + p.FullName
	}
	preview := msg.Body
	if r := []rune(preview); len(r) > messagePreviewLength {
		preview = string(r[:messagePreviewLength]) + "…"
	}
	return domain.NotificationRequest{UserID: msg.RecipientID, Title: title, Body: &preview, Kind: domain.NotifyMessage}
}

// getNotifications returns the newest notifications first, capped by
// ?limit=, with the total unread count.
func (s *Server) getNotifications(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"), defaultNotifications)
	if err != nil {
		return s.fail(c, err)
	}
	ctx := c.Request().Context()
	userID := userIDOf(c)
	items, err := s.repo.Notifications(ctx, userID)
	if err != nil {
		return s.fail(c, err)
	}
	unread, err := s.repo.UnreadNotificationCount(ctx, userID)
	if err != nil {
		return s.fail(c, err)
	}
	if len(items) > limit {
		items = items[:limit]
	}
	requestMetricsOf(c).SetItems(len(items))
	return c.JSON(http.StatusOK, notificationsResponse{Notifications: items, Unread: unread})
}

func (s *Server) readNotification(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := s.repo.NotificationByID(ctx, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if n.UserID != userIDOf(c) {
		return s.fail(c, errNotOwner)
	}
	if n, err = s.repo.MarkNotificationRead(ctx, n.ID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, n)
}

func (s *Server) readAllNotifications(c echo.Context) error {
	changed, err := s.repo.MarkAllNotificationsRead(c.Request().Context(), userIDOf(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, readAllResponse{Updated: len(changed)})
}

func (s *Server) getPreferences(c echo.Context) error {
	prefs, err := s.repo.NotificationPreferences(c.Request().Context(), userIDOf(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, prefs)
}

func (s *Server) putPreferences(c echo.Context) error {
	var prefs domain.NotificationPreferences
	if err := bind(c, &prefs); err != nil {
		return s.fail(c, err)
	}
	prefs.UserID = userIDOf(c)
	out, err := s.repo.UpsertNotificationPreferences(c.Request().Context(), prefs)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

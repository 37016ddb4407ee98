package repository

import (
	"context"
	"errors"
	"strings"

	"prism-dashboard/domain"
	"prism-dashboard/gateway"
)

func (r *Repository) Notifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	rows, err := r.list(ctx, gateway.Notifications, gateway.Query{
		Filter: gateway.Where(gateway.Eq("user_id", userID)),
		Order:  []gateway.Order{gateway.Desc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Notification](rows)
}

func (r *Repository) NotificationByID(ctx context.Context, id string) (domain.Notification, error) {
	row, err := r.one(ctx, "notification", gateway.Notifications, id)
	if err != nil {
		return domain.Notification{}, err
	}
	return decodeRow[domain.Notification](row)
}

func (r *Repository) UnreadNotificationCount(ctx context.Context, userID string) (int, error) {
	return r.gw.Count(ctx, gateway.Notifications, gateway.Where(gateway.Eq("user_id", userID), gateway.IsNull("read_at")))
}

func (r *Repository) CreateNotification(ctx context.Context, userID, title string, body *string) (domain.Notification, error) {
	const op = "create_notification"
	if userID == "" || strings.TrimSpace(title) == "" {
		return domain.Notification{}, invalid(op, gateway.Notifications, "user and title are required")
	}
	row := patchRow{"user_id": userID, "title": title}
	row.set("body", body)
	out, err := r.gw.Insert(ctx, gateway.Notifications, gateway.Row(row))
	if err != nil {
		return domain.Notification{}, err
	}
	return decodeRow[domain.Notification](out)
}

// MarkNotificationRead sets read_at once; later calls return the
// notification unchanged.
func (r *Repository) MarkNotificationRead(ctx context.Context, id string) (domain.Notification, error) {
	rows, err := r.gw.UpdateWhere(ctx, gateway.Notifications,
		gateway.Where(gateway.Eq("id", id), gateway.IsNull("read_at")),
		gateway.Row{"read_at": r.stamp()})
	if err != nil {
		return domain.Notification{}, err
	}
	if len(rows) == 0 {
		row, err := r.one(ctx, "mark_notification_read", gateway.Notifications, id)
		if err != nil {
			return domain.Notification{}, err
		}
		return decodeRow[domain.Notification](row)
	}
	return decodeRow[domain.Notification](rows[0])
}

// MarkAllNotificationsRead marks the user's unread notifications and returns
// the rows it changed.
func (r *Repository) MarkAllNotificationsRead(ctx context.Context, userID string) ([]domain.Notification, error) {
	if err := requireUser("mark_all_notifications_read", gateway.Notifications, userID); err != nil {
		return nil, err
	}
	rows, err := r.gw.UpdateWhere(ctx, gateway.Notifications,
		gateway.Where(gateway.Eq("user_id", userID), gateway.IsNull("read_at")),
		gateway.Row{"read_at": r.stamp()})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Notification](rows)
}

// NotificationPreferences returns the stored preferences or the defaults when
// the user has none.
func (r *Repository) NotificationPreferences(ctx context.Context, userID string) (domain.NotificationPreferences, error) {
	rows, err := r.list(ctx, gateway.NotificationPreferences, gateway.Query{
		Filter: gateway.Where(gateway.Eq("user_id", userID)),
		Limit:  1,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return domain.DefaultNotificationPreferences(userID), nil
		}
		return domain.NotificationPreferences{}, err
	}
	if len(rows) == 0 {
		return domain.DefaultNotificationPreferences(userID), nil
	}
	return decodeRow[domain.NotificationPreferences](rows[0])
}

func (r *Repository) UpsertNotificationPreferences(ctx context.Context, prefs domain.NotificationPreferences) (domain.NotificationPreferences, error) {
	if err := requireUser("upsert_notification_preferences", gateway.NotificationPreferences, prefs.UserID); err != nil {
		return domain.NotificationPreferences{}, err
	}
	out, err := r.gw.Upsert(ctx, gateway.NotificationPreferences, gateway.Row{
		"user_id":           prefs.UserID,
		"email_enabled":     prefs.EmailEnabled,
		"push_enabled":      prefs.PushEnabled,
		"meeting_reminders": prefs.MeetingReminders,
		"updated_at":        r.stamp(),
	})
	if err != nil {
		return domain.NotificationPreferences{}, err
	}
	return decodeRow[domain.NotificationPreferences](out)
}

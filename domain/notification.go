package domain

import "time"

type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	Body      *string    `json:"body"`
	ReadAt    *time.Time `json:"read_at"`
	CreatedAt time.Time  `json:"created_at"`
}

type NotificationPreferences struct {
	UserID           string    `json:"user_id"`
	EmailEnabled     bool      `json:"email_enabled"`
	PushEnabled      bool      `json:"push_enabled"`
	MeetingReminders bool      `json:"meeting_reminders"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultNotificationPreferences is returned for users without a stored row.
func DefaultNotificationPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:           userID,
		EmailEnabled:     true,
		PushEnabled:      true,
		MeetingReminders: true,
	}
}

// NotificationRequest asks the notification worker to notify a user.
type NotificationRequest struct {
	UserID string  `json:"userId"`
	Title  string  `json:"title"`
	Body   *string `json:"body,omitempty"`
	Kind   string  `json:"kind"`
}

const (
	NotifyMessage  = "message"
	NotifyTask     = "task"
	NotifyReminder = "meeting-reminder"
)

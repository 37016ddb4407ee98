package domain

import "time"

// DefaultMeetingDuration is used when a meeting is created without one.
const DefaultMeetingDuration = "1 hour"

type Meeting struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	Duration    string    `json:"duration"`
	ProjectID   *string   `json:"project_id"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type MeetingAttendee struct {
	MeetingID string `json:"meeting_id"`
	ProfileID string `json:"profile_id"`
}

type MeetingWithAttendees struct {
	Meeting
	Attendees []Profile `json:"attendees"`
}

type MeetingInput struct {
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Date        string   `json:"date"`
	Time        string   `json:"time"`
	Duration    string   `json:"duration,omitempty"`
	ProjectID   *string  `json:"project_id,omitempty"`
	AttendeeIDs []string `json:"attendee_ids,omitempty"`
}

// StartsAt combines the meeting date and time in loc.
func (m Meeting) StartsAt(loc *time.Location) (time.Time, error) {
	clock := m.Time
	if len(clock) == 5 {
		clock += ":00"
	}
	return time.ParseInLocation("2006-01-02 15:04:05", m.Date+" "+clock, loc)
}

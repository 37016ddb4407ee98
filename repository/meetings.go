package repository

import (
	"context"
	"strings"

	"prism-dashboard/domain"
	"prism-dashboard/gateway"
)

var meetingOrder = []gateway.Order{gateway.Asc("date"), gateway.Asc("time")}

func (r *Repository) Meetings(ctx context.Context) ([]domain.MeetingWithAttendees, error) {
	return r.meetings(ctx, gateway.Query{Order: meetingOrder})
}

func (r *Repository) MeetingsByProject(ctx context.Context, projectID string) ([]domain.MeetingWithAttendees, error) {
	return r.meetings(ctx, gateway.Query{
		Filter: gateway.Where(gateway.Eq("project_id", projectID)),
		Order:  meetingOrder,
	})
}

// MeetingsByDate lists the meetings on date (YYYY-MM-DD) by start time.
func (r *Repository) MeetingsByDate(ctx context.Context, date string) ([]domain.MeetingWithAttendees, error) {
	return r.meetings(ctx, gateway.Query{
		Filter: gateway.Where(gateway.Eq("date", date)),
		Order:  []gateway.Order{gateway.Asc("time")},
	})
}

// MeetingsBetween lists meetings with from <= date < to, without attendees.
func (r *Repository) MeetingsBetween(ctx context.Context, from, to string) ([]domain.Meeting, error) {
	rows, err := r.list(ctx, gateway.Meetings, gateway.Query{
		Filter: gateway.Where(gateway.Gte("date", from), gateway.Lt("date", to)),
		Order:  meetingOrder,
	})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Meeting](rows)
}

func (r *Repository) meetings(ctx context.Context, q gateway.Query) ([]domain.MeetingWithAttendees, error) {
	rows, err := r.list(ctx, gateway.Meetings, q)
	if err != nil {
		return nil, err
	}
	meetings, err := decodeRows[domain.Meeting](rows)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(meetings))
	for i, m := range meetings {
		ids[i] = m.ID
	}
	attendees, err := r.AttendeeIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var all []string
	for _, a := range attendees {
		all = append(all, a...)
	}
	profiles, err := r.profileIndex(ctx, all)
	if err != nil {
		return nil, err
	}
	out := make([]domain.MeetingWithAttendees, len(meetings))
	for i, m := range meetings {
		out[i] = domain.MeetingWithAttendees{Meeting: m, Attendees: []domain.Profile{}}
		for _, id := range attendees[m.ID] {
			if p, ok := profiles[id]; ok {
				out[i].Attendees = append(out[i].Attendees, p)
			}
		}
	}
	return out, nil
}

// AttendeeIDs maps each meeting to the ids of its attendees.
func (r *Repository) AttendeeIDs(ctx context.Context, meetingIDs []string) (map[string][]string, error) {
	out := map[string][]string{}
	meetingIDs = unique(meetingIDs)
	if len(meetingIDs) == 0 {
		return out, nil
	}
	rows, err := r.list(ctx, gateway.MeetingAttendees, gateway.Query{Filter: gateway.Where(gateway.In("meeting_id", meetingIDs...))})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		mid := row.String("meeting_id")
		out[mid] = append(out[mid], row.String("profile_id"))
	}
	return out, nil
}

// CreateMeeting stores a meeting and its attendees. The creator always
// attends.
func (r *Repository) CreateMeeting(ctx context.Context, userID string, in domain.MeetingInput) (domain.MeetingWithAttendees, error) {
	const op = "create_meeting"
	if err := requireUser(op, gateway.Meetings, userID); err != nil {
		return domain.MeetingWithAttendees{}, err
	}
	if strings.TrimSpace(in.Title) == "" || in.Date == "" || in.Time == "" {
		return domain.MeetingWithAttendees{}, invalid(op, gateway.Meetings, "title, date and time are required")
	}
	probe := domain.Meeting{Date: in.Date, Time: in.Time}
	if _, err := probe.StartsAt(r.now().Location()); err != nil {
		return domain.MeetingWithAttendees{}, invalid(op, gateway.Meetings, "invalid date or time: %v", err)
	}
	duration := in.Duration
	if duration == "" {
		duration = domain.DefaultMeetingDuration
	}
	row := patchRow{
		"title":      strings.TrimSpace(in.Title),
		"date":       in.Date,
		"time":       in.Time,
		"duration":   duration,
		"created_by": userID,
	}
	row.set("description", in.Description)
	row.set("project_id", in.ProjectID)

	out, err := r.gw.Insert(ctx, gateway.Meetings, gateway.Row(row))
	if err != nil {
		return domain.MeetingWithAttendees{}, err
	}
	meeting, err := decodeRow[domain.Meeting](out)
	if err != nil {
		return domain.MeetingWithAttendees{}, err
	}

	ids := unique(append([]string{userID}, in.AttendeeIDs...))
	rows := make([]gateway.Row, len(ids))
	for i, id := range ids {
		rows[i] = gateway.Row{"meeting_id": meeting.ID, "profile_id": id}
	}
	if _, err := r.gw.InsertMany(ctx, gateway.MeetingAttendees, rows); err != nil {
		return domain.MeetingWithAttendees{}, err
	}
	profiles, err := r.ProfilesByIDs(ctx, ids)
	if err != nil {
		return domain.MeetingWithAttendees{}, err
	}
	return domain.MeetingWithAttendees{Meeting: meeting, Attendees: profiles}, nil
}

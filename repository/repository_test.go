package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"prism-dashboard/domain"
	"prism-dashboard/gateway"
	"prism-dashboard/storage"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRepo(t *testing.T) (*Repository, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	n := 0
	store, err := storage.OpenSQLite(context.Background(), storage.MemoryPath,
		storage.WithNow(clock.Now),
		storage.WithIDs(func() string { n++; return fmt.Sprintf("id-%03d", n) }),
	)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	gw := gateway.NewClient(store, gateway.NewBroker())
	return New(gw, WithNow(clock.Now)), clock
}

func mustProfile(t *testing.T, r *Repository, id, name string) {
	t.Helper()
	if _, err := r.EnsureProfile(context.Background(), id, name, id+"@example.com"); err != nil {
		t.Fatalf("ensure profile %s: %v", id, err)
	}
}

func mustProject(t *testing.T, r *Repository, owner string) domain.Project {
	t.Helper()
	p, err := r.CreateProject(context.Background(), owner, domain.ProjectInput{Name: "Website"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestCreateProjectDefaultsAndMembership(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	mustProfile(t, r, "u1", "Ada Lovelace")

	p := mustProject(t, r, "u1")
	if p.Status != domain.ProjectPlanning || p.CreatedBy != "u1" {
		t.Fatalf("unexpected project: %#v", p)
	}
	members, err := r.ProjectMembers(ctx, p.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0].ID != "u1" {
		t.Fatalf("expected creator as member, got %#v", members)
	}

	if _, err := r.AddProjectMember(ctx, p.ID, "u1"); !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected duplicate member to be a constraint violation, got %v", err)
	}
	if _, err := r.CreateProject(ctx, "", domain.ProjectInput{Name: "x"}); !errors.Is(err, gateway.ErrAuth) {
		t.Fatalf("expected auth failure without user, got %v", err)
	}
	bad := domain.ProjectStatus("Archived")
	if _, err := r.CreateProject(ctx, "u1", domain.ProjectInput{Name: "x", Status: &bad}); !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected constraint violation for status, got %v", err)
	}
}

func TestProjectsWithMembersCountsMembers(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	mustProfile(t, r, "u1", "Ada")
	mustProfile(t, r, "u2", "Grace")
	p := mustProject(t, r, "u1")
	if _, err := r.AddProjectMembers(ctx, p.ID, []string{"u2", "ghost"}); err != nil {
		t.Fatalf("add members: %v", err)
	}
	second := mustProject(t, r, "u2")

	got, err := r.ProjectsWithMembers(ctx)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if len(got) != 2 || got[0].ID != second.ID {
		t.Fatalf("expected newest project first, got %#v", got)
	}
	if got[1].MemberCount != 3 || len(got[1].Members) != 2 {
		t.Fatalf("unexpected members for first project: count=%d members=%#v", got[1].MemberCount, got[1].Members)
	}
}

func TestCreateTaskAppendsToColumn(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	mustProfile(t, r, "u1", "Ada")
	p := mustProject(t, r, "u1")

	assignee := "u1"
	for i := 0; i < 3; i++ {
		task, err := r.CreateTask(ctx, domain.TaskInput{Title: fmt.Sprintf("t%d", i), ProjectID: p.ID, AssigneeID: &assignee})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if task.Position != i || task.Status != domain.StatusToDo || task.Priority != domain.PriorityMedium {
			t.Fatalf("unexpected task %d: %#v", i, task)
		}
	}
	review := domain.StatusReview
	task, err := r.CreateTask(ctx, domain.TaskInput{Title: "r", ProjectID: p.ID, Status: &review})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Position != 0 {
		t.Fatalf("expected first position in Review, got %d", task.Position)
	}

	tasks, err := r.TasksByProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	if tasks[0].Assignee == nil || tasks[0].Assignee.FullName != "Ada" {
		t.Fatalf("expected assignee attached, got %#v", tasks[0].Assignee)
	}

	counts, err := r.TaskCountsByStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.StatusToDo] != 3 || counts[domain.StatusReview] != 1 || counts[domain.StatusDone] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	if _, err := r.CreateTask(ctx, domain.TaskInput{ProjectID: p.ID}); !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected missing title to be rejected, got %v", err)
	}
}

func TestUpdateTaskStatusSetsPosition(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	p := mustProject(t, r, "u1")
	task, err := r.CreateTask(ctx, domain.TaskInput{Title: "a", ProjectID: p.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	pos := 2
	got, err := r.UpdateTaskStatus(ctx, task.ID, domain.StatusDone, &pos)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if got.Status != domain.StatusDone || got.Position != 2 || got.Title != "a" {
		t.Fatalf("unexpected task: %#v", got)
	}
	if _, err := r.UpdateTaskStatus(ctx, "missing", domain.StatusDone, nil); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkMessageReadIsIdempotent(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()
	msg, err := r.SendMessage(ctx, "u1", "u2", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	first, err := r.MarkMessageRead(ctx, msg.ID)
	if err != nil {
		t.Fatalf("first mark read: %v", err)
	}
	if first.ReadAt == nil {
		t.Fatalf("expected read_at to be set")
	}
	clock.Advance(time.Hour)
	second, err := r.MarkMessageRead(ctx, msg.ID)
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if second.ReadAt == nil || !second.ReadAt.Equal(*first.ReadAt) {
		t.Fatalf("read_at changed: %v -> %v", first.ReadAt, second.ReadAt)
	}
	if _, err := r.MarkMessageRead(ctx, "missing"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConversationsAndUnreadCount(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()
	mustProfile(t, r, "me", "Me")
	mustProfile(t, r, "p", "Partner")

	send := func(from, to, body string) domain.Message {
		t.Helper()
		clock.Advance(time.Minute)
		m, err := r.SendMessage(ctx, from, to, body)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		return m
	}
	first := send("p", "me", "1")
	send("me", "p", "2")
	send("p", "me", "3")
	send("me", "p", "4")
	send("p", "me", "5")
	if _, err := r.MarkMessageRead(ctx, first.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	send("other", "me", "elsewhere")

	n, err := r.UnreadMessageCount(ctx, "me")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 unread overall, got %d", n)
	}

	convs, err := r.Conversations(ctx, "me")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 2 || convs[0].PartnerID != "other" {
		t.Fatalf("unexpected conversations: %#v", convs)
	}
	if convs[1].Unread != 2 || convs[1].Latest.Body != "5" || convs[1].Partner == nil {
		t.Fatalf("unexpected partner conversation: %#v", convs[1])
	}

	thread, err := r.Conversation(ctx, "me", "p")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(thread) != 5 || thread[0].Body != "1" || thread[4].Body != "5" {
		t.Fatalf("unexpected thread order: %#v", thread)
	}
	if got := domain.UnreadCount("me", thread); got != 2 {
		t.Fatalf("expected 2 unread from partner, got %d", got)
	}

	marked, err := r.MarkConversationRead(ctx, "me", "p")
	if err != nil {
		t.Fatalf("mark conversation read: %v", err)
	}
	if len(marked) != 2 {
		t.Fatalf("expected 2 rows marked, got %d", len(marked))
	}
	if n, _ := r.UnreadMessageCount(ctx, "me"); n != 1 {
		t.Fatalf("expected only the other conversation unread, got %d", n)
	}
}

func TestSendMessageRequiresUser(t *testing.T) {
	r, _ := newTestRepo(t)
	if _, err := r.SendMessage(context.Background(), "", "u2", "hi"); !errors.Is(err, gateway.ErrAuth) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if _, err := r.SendMessage(context.Background(), "u1", "u2", "   "); !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected empty body to be rejected, got %v", err)
	}
}

func TestNotificationsReadState(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()
	for _, uid := range []string{"u1", "u1", "u2"} {
		clock.Advance(time.Second)
		if _, err := r.CreateNotification(ctx, uid, "Task assigned", nil); err != nil {
			t.Fatalf("create notification: %v", err)
		}
	}
	list, err := r.Notifications(ctx, "u1")
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(list) != 2 || !list[0].CreatedAt.After(list[1].CreatedAt) {
		t.Fatalf("expected newest first, got %#v", list)
	}

	first, err := r.MarkNotificationRead(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	clock.Advance(time.Hour)
	again, err := r.MarkNotificationRead(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if !again.ReadAt.Equal(*first.ReadAt) {
		t.Fatalf("read_at changed on second call")
	}

	marked, err := r.MarkAllNotificationsRead(ctx, "u1")
	if err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if len(marked) != 1 {
		t.Fatalf("expected 1 newly read notification, got %d", len(marked))
	}
	if n, _ := r.UnreadNotificationCount(ctx, "u1"); n != 0 {
		t.Fatalf("expected u1 fully read, got %d", n)
	}
	if n, _ := r.UnreadNotificationCount(ctx, "u2"); n != 1 {
		t.Fatalf("expected u2 untouched, got %d", n)
	}
}

func TestNotificationPreferencesDefaultAndUpsert(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	prefs, err := r.NotificationPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("prefs: %v", err)
	}
	if prefs != domain.DefaultNotificationPreferences("u1") {
		t.Fatalf("expected defaults, got %#v", prefs)
	}
	prefs.PushEnabled = false
	saved, err := r.UpsertNotificationPreferences(ctx, prefs)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if saved.PushEnabled || saved.UpdatedAt.IsZero() {
		t.Fatalf("unexpected saved prefs: %#v", saved)
	}
	got, err := r.NotificationPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("prefs: %v", err)
	}
	if got.PushEnabled || !got.EmailEnabled {
		t.Fatalf("unexpected stored prefs: %#v", got)
	}
}

func TestCreateMeetingAddsCreatorOnce(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	mustProfile(t, r, "u1", "Ada")
	mustProfile(t, r, "u2", "Grace")

	m, err := r.CreateMeeting(ctx, "u1", domain.MeetingInput{
		Title: "Standup", Date: "2025-03-03", Time: "09:30", AttendeeIDs: []string{"u2", "u1"},
	})
	if err != nil {
		t.Fatalf("create meeting: %v", err)
	}
	if m.Duration != domain.DefaultMeetingDuration {
		t.Fatalf("expected default duration, got %q", m.Duration)
	}
	if len(m.Attendees) != 2 {
		t.Fatalf("expected 2 attendees, got %#v", m.Attendees)
	}

	byDate, err := r.MeetingsByDate(ctx, "2025-03-03")
	if err != nil {
		t.Fatalf("meetings by date: %v", err)
	}
	if len(byDate) != 1 || len(byDate[0].Attendees) != 2 {
		t.Fatalf("unexpected meetings: %#v", byDate)
	}
	between, err := r.MeetingsBetween(ctx, "2025-03-01", "2025-03-03")
	if err != nil {
		t.Fatalf("meetings between: %v", err)
	}
	if len(between) != 0 {
		t.Fatalf("upper bound should be exclusive, got %#v", between)
	}

	if _, err := r.CreateMeeting(ctx, "u1", domain.MeetingInput{Title: "x", Date: "soon", Time: "9"}); !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected invalid date to be rejected, got %v", err)
	}
}

func TestUploadDocumentStoragePath(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()
	p := mustProject(t, r, "u1")
	doc, err := r.UploadDocument(ctx, "u1", domain.DocumentInput{
		Name: "Design brief.pdf", FileSize: 2048, FileType: "application/pdf", ProjectID: p.ID,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := fmt.Sprintf("u1/%s/%d-Design-brief.pdf", p.ID, clock.now.UnixMilli())
	if doc.StorageURL != want {
		t.Fatalf("storage url = %q, want %q", doc.StorageURL, want)
	}
	docs, err := r.DocumentsByProject(ctx, p.ID)
	if err != nil || len(docs) != 1 || docs[0].FileSize != 2048 {
		t.Fatalf("unexpected documents %#v: %v", docs, err)
	}
}

func TestCommentsByTask(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()
	p := mustProject(t, r, "u1")
	task, err := r.CreateTask(ctx, domain.TaskInput{Title: "a", ProjectID: p.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for _, body := range []string{"first", "second"} {
		clock.Advance(time.Second)
		if _, err := r.CreateComment(ctx, "u1", task.ID, body); err != nil {
			t.Fatalf("comment: %v", err)
		}
	}
	comments, err := r.CommentsByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("comments: %v", err)
	}
	if len(comments) != 2 || comments[0].Content != "first" {
		t.Fatalf("unexpected comments: %#v", comments)
	}
}

type countingGateway struct {
	gateway.Gateway
	queries int
}

func (g *countingGateway) Query(ctx context.Context, e gateway.Entity, q gateway.Query) ([]gateway.Row, error) {
	g.queries++
	return nil, nil
}

func TestBatchedLookupsSkipEmptyInput(t *testing.T) {
	gw := &countingGateway{}
	r := New(gw)
	ctx := context.Background()
	if got, err := r.ProfilesByIDs(ctx, nil); err != nil || len(got) != 0 {
		t.Fatalf("unexpected result %#v: %v", got, err)
	}
	if got, err := r.AddProjectMembers(ctx, "p1", nil); err != nil || len(got) != 0 {
		t.Fatalf("unexpected result %#v: %v", got, err)
	}
	if p, err := r.CurrentProfile(ctx, ""); err != nil || p != nil {
		t.Fatalf("expected nil profile for anonymous user, got %#v: %v", p, err)
	}
	if gw.queries != 0 {
		t.Fatalf("expected no queries, got %d", gw.queries)
	}
}

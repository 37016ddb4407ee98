package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-dashboard/board"
	"prism-dashboard/domain"
	"prism-dashboard/gateway"
	"prism-dashboard/repository"
	"prism-dashboard/storage"
)

var testSecret = []byte("dashboard-test-secret")

type fakeNotifier struct {
	mu   sync.Mutex
	reqs []domain.NotificationRequest
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, req domain.NotificationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *fakeNotifier) sent() []domain.NotificationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.NotificationRequest(nil), f.reqs...)
}

type testEnv struct {
	e     *echo.Echo
	store *storage.SQLite
	repo  *repository.Repository
	notes *fakeNotifier
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	var n atomic.Int64
	store, err := storage.OpenSQLite(context.Background(), storage.MemoryPath,
		storage.WithIDs(func() string { return fmt.Sprintf("id-%03d", n.Add(1)) }),
	)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	repo := repository.New(gateway.NewClient(store, gateway.NewBroker()))
	for _, id := range []string{"u1", "u2"} {
		if _, err := repo.EnsureProfile(context.Background(), id, "User "+id, id+"@example.com"); err != nil {
			t.Fatalf("profile %s: %v", id, err)
		}
	}

	logger, _ := test.NewNullLogger()
	notes := &fakeNotifier{}
	srv := NewServer(repo, NewLocalAuth(testSecret), append([]Option{WithLogger(logger), WithNotifier(notes)}, opts...)...)
	e := echo.New()
	srv.Register(e)
	return &testEnv{e: e, store: store, repo: repo, notes: notes}
}

func bearer(t *testing.T, sub string) string {
	t.Helper()
	return "Bearer " + signHS256(t, testSecret, jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()})
}

func (env *testEnv) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := sonic.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, bearer(t, user))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func (env *testEnv) project(t *testing.T) domain.Project {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/projects", "u1", domain.ProjectInput{Name: "Website"})
	expectStatus(t, rec, http.StatusCreated)
	return decodeBody[domain.Project](t, rec)
}

func (env *testEnv) task(t *testing.T, projectID, title string, assignee *string) domain.Task {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/projects/"+projectID+"/tasks", "u1", domain.TaskInput{Title: title, AssigneeID: assignee})
	expectStatus(t, rec, http.StatusCreated)
	return decodeBody[domain.Task](t, rec)
}

func strPtr(s string) *string { return &s }

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/projects", "", nil)
	expectStatus(t, rec, http.StatusUnauthorized)
	if got := decodeBody[errorResponse](t, rec); got.Error != "not authenticated" {
		t.Fatalf("unexpected error body: %#v", got)
	}

	rec = env.do(t, http.MethodGet, "/api/projects", "", nil, echo.HeaderAuthorization, "Bearer not.a.token")
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = env.do(t, http.MethodGet, "/api/projects", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestProfileEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/me", "u3", nil)
	expectStatus(t, rec, http.StatusNotFound)

	rec = env.do(t, http.MethodPost, "/api/me", "u3", meRequest{FullName: "Grace Hopper", Email: "grace@example.com"})
	expectStatus(t, rec, http.StatusOK)
	if p := decodeBody[domain.Profile](t, rec); p.ID != "u3" || p.FullName != "Grace Hopper" {
		t.Fatalf("unexpected profile: %#v", p)
	}

	rec = env.do(t, http.MethodPut, "/api/me", "u3", domain.ProfilePatch{Role: strPtr("Engineer")})
	expectStatus(t, rec, http.StatusOK)
	if p := decodeBody[domain.Profile](t, rec); p.Role == nil || *p.Role != "Engineer" {
		t.Fatalf("role not updated: %#v", p)
	}

	rec = env.do(t, http.MethodGet, "/api/team", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	if team := decodeBody[[]domain.Profile](t, rec); len(team) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(team))
	}

	rec = env.do(t, http.MethodPost, "/api/me", "u4", meRequest{})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestProjectBoardMoveCommits(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	a := env.task(t, p.ID, "Design", nil)
	b := env.task(t, p.ID, "Build", strPtr("u2"))
	env.task(t, p.ID, "Ship", nil)

	sent := env.notes.sent()
	if len(sent) != 1 || sent[0].UserID != "u2" || sent[0].Kind != domain.NotifyTask {
		t.Fatalf("expected one assignment notification for u2, got %#v", sent)
	}

	rec := env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/board", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	snap := decodeBody[board.Snapshot](t, rec)
	if len(snap.Columns) != 4 || len(snap.Column(domain.StatusToDo)) != 3 || snap.Progress.Total != 3 {
		t.Fatalf("unexpected board: %#v", snap)
	}

	rec = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/tasks/"+b.ID+"/move", "u1",
		moveRequest{From: domain.StatusToDo, To: domain.StatusInProgress, Index: 0})
	expectStatus(t, rec, http.StatusOK)
	resp := decodeBody[mutationResponse](t, rec)
	if resp.Mutation.Phase != "committed" || resp.Error != "" {
		t.Fatalf("expected committed mutation, got %#v", resp.Mutation)
	}
	if col := resp.Board.Column(domain.StatusInProgress); len(col) != 1 || col[0].ID != b.ID {
		t.Fatalf("task not in target column: %#v", col)
	}

	stored, err := env.repo.TaskByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if stored.Status != domain.StatusInProgress || stored.Position != 0 {
		t.Fatalf("move not persisted: %#v", stored)
	}

	rec = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/tasks/"+a.ID+"/move", "u1",
		moveRequest{From: domain.StatusToDo, To: "Blocked"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/tasks/missing/move", "u1",
		moveRequest{From: domain.StatusToDo, To: domain.StatusDone})
	expectStatus(t, rec, http.StatusNotFound)
}

func TestCompleteTaskNotifiesAssignee(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	tk := env.task(t, p.ID, "Write docs", strPtr("u2"))

	rec := env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/tasks/"+tk.ID+"/complete", "u1", completeRequest{Done: true})
	expectStatus(t, rec, http.StatusOK)
	resp := decodeBody[mutationResponse](t, rec)
	if col := resp.Board.Column(domain.StatusDone); len(col) != 1 || resp.Board.Progress.Percent != 100 {
		t.Fatalf("expected the task done, got %#v", resp.Board)
	}
	sent := env.notes.sent()
	last := sent[len(sent)-1]
	if last.UserID != "u2" || last.Title != "Task completed" {
		t.Fatalf("unexpected completion notification: %#v", last)
	}

	before := len(sent)
	rec = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/tasks/"+tk.ID+"/complete", "u1", completeRequest{Done: false})
	expectStatus(t, rec, http.StatusOK)
	if len(env.notes.sent()) != before {
		t.Fatalf("reopening a task should not notify")
	}
}

func TestNotifierFailureDoesNotFailRequest(t *testing.T) {
	env := newTestEnv(t)
	env.notes.err = errors.New("queue down")
	p := env.project(t)
	env.task(t, p.ID, "Assigned", strPtr("u2"))
}

func TestTaskListSortAndFilter(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	for _, title := range []string{"beta", "alpha", "gamma"} {
		env.task(t, p.ID, title, nil)
	}

	rec := env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/tasks?sort=title&dir=desc", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	list := decodeBody[taskListResponse](t, rec)
	var titles []string
	for _, tk := range list.Tasks {
		titles = append(titles, tk.Title)
	}
	if strings.Join(titles, ",") != "gamma,beta,alpha" {
		t.Fatalf("unexpected order: %v", titles)
	}

	rec = env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/tasks?status=Done", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decodeBody[taskListResponse](t, rec); len(list.Tasks) != 0 {
		t.Fatalf("expected no done tasks, got %d", len(list.Tasks))
	}

	for _, q := range []string{"sort=size", "dir=sideways", "status=Blocked"} {
		rec = env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/tasks?"+q, "u1", nil)
		expectStatus(t, rec, http.StatusBadRequest)
	}
}

func TestPatchTaskNotifiesNewAssignee(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	tk := env.task(t, p.ID, "Review", nil)

	rec := env.do(t, http.MethodPatch, "/api/tasks/"+tk.ID, "u1", domain.TaskPatch{AssigneeID: strPtr("u2")})
	expectStatus(t, rec, http.StatusOK)
	if sent := env.notes.sent(); len(sent) != 1 || sent[0].UserID != "u2" {
		t.Fatalf("expected assignment notification, got %#v", sent)
	}

	rec = env.do(t, http.MethodPatch, "/api/tasks/"+tk.ID, "u1", domain.TaskPatch{AssigneeID: strPtr("u2")})
	expectStatus(t, rec, http.StatusOK)
	if sent := env.notes.sent(); len(sent) != 1 {
		t.Fatalf("same assignee should not notify again, got %d", len(sent))
	}

	rec = env.do(t, http.MethodGet, "/api/tasks", "u2", nil)
	expectStatus(t, rec, http.StatusOK)
	if mine := decodeBody[[]domain.Task](t, rec); len(mine) != 1 || mine[0].ID != tk.ID {
		t.Fatalf("unexpected tasks for u2: %#v", mine)
	}
}

func TestCommentsAndDocuments(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)
	tk := env.task(t, p.ID, "Spec", nil)

	rec := env.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/comments", "u2", commentRequest{Content: "Looks good"})
	expectStatus(t, rec, http.StatusCreated)
	rec = env.do(t, http.MethodGet, "/api/tasks/"+tk.ID+"/comments", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	if comments := decodeBody[[]domain.Comment](t, rec); len(comments) != 1 || comments[0].Content != "Looks good" {
		t.Fatalf("unexpected comments: %#v", comments)
	}

	rec = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/documents", "u1",
		domain.DocumentInput{Name: "brief.pdf", FileSize: 2048, FileType: "application/pdf"})
	expectStatus(t, rec, http.StatusCreated)
	rec = env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/documents", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	if docs := decodeBody[[]domain.Document](t, rec); len(docs) != 1 || docs[0].UploadedBy != "u1" {
		t.Fatalf("unexpected documents: %#v", docs)
	}
}

func TestMeetingsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)

	in := domain.MeetingInput{Title: "Kickoff", Date: "2025-03-03", Time: "10:00", ProjectID: &p.ID, AttendeeIDs: []string{"u2"}}
	rec := env.do(t, http.MethodPost, "/api/meetings", "u1", in)
	expectStatus(t, rec, http.StatusCreated)

	rec = env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/meetings", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	if ms := decodeBody[[]domain.MeetingWithAttendees](t, rec); len(ms) != 1 || ms[0].Title != "Kickoff" {
		t.Fatalf("unexpected meetings: %#v", ms)
	}

	rec = env.do(t, http.MethodGet, "/api/meetings?date=2025-03-04", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	if ms := decodeBody[[]domain.MeetingWithAttendees](t, rec); len(ms) != 0 {
		t.Fatalf("expected no meetings on another day, got %d", len(ms))
	}
}

func newDeduper(t *testing.T) *RedisDeduper {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDeduper(client, time.Minute)
}

func TestSendMessageIdempotencyKey(t *testing.T) {
	dedup := newDeduper(t)
	env := newTestEnv(t, WithDeduper(dedup))

	first := env.do(t, http.MethodPost, "/api/messages/u2", "u1", sendMessageRequest{Body: "hello"}, headerIdempotencyKey, "k1")
	expectStatus(t, first, http.StatusCreated)
	second := env.do(t, http.MethodPost, "/api/messages/u2", "u1", sendMessageRequest{Body: "hello"}, headerIdempotencyKey, "k1")
	expectStatus(t, second, http.StatusCreated)
	if second.Header().Get(headerReplayed) != "true" {
		t.Fatalf("expected replay header on retry")
	}
	a, b := decodeBody[domain.Message](t, first), decodeBody[domain.Message](t, second)
	if a.ID != b.ID {
		t.Fatalf("retry created a new message: %s != %s", a.ID, b.ID)
	}

	msgs, err := env.repo.Conversation(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one stored message, got %d", len(msgs))
	}
	if sent := env.notes.sent(); len(sent) != 1 || sent[0].UserID != "u2" || sent[0].Title != "New message from User u1" {
		t.Fatalf("unexpected message notification: %#v", sent)
	}

	if ok, _, err := dedup.Claim(context.Background(), "u1", "k2"); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	rec := env.do(t, http.MethodPost, "/api/messages/u2", "u1", sendMessageRequest{Body: "again"}, headerIdempotencyKey, "k2")
	expectStatus(t, rec, http.StatusConflict)

	rec = env.do(t, http.MethodPost, "/api/messages/u2", "u1", sendMessageRequest{Body: "   "}, headerIdempotencyKey, "k3")
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestSendMessageFailureReleasesKey(t *testing.T) {
	dedup := newDeduper(t)
	env := newTestEnv(t, WithDeduper(dedup))

	if err := env.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	rec := env.do(t, http.MethodPost, "/api/messages/u2", "u1", sendMessageRequest{Body: "hi"}, headerIdempotencyKey, "k1")
	expectStatus(t, rec, http.StatusServiceUnavailable)
	claimed, _, err := dedup.Claim(context.Background(), "u1", "k1")
	if err != nil || !claimed {
		t.Fatalf("failed send should release its key: %v %v", claimed, err)
	}
}

func TestConversationMarksRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, body := range []string{"one", "two"} {
		if _, err := env.repo.SendMessage(ctx, "u2", "u1", body); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/messages", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	inbox := decodeBody[inboxResponse](t, rec)
	if inbox.Unread != 2 || len(inbox.Conversations) != 1 || inbox.Conversations[0].Partner == nil {
		t.Fatalf("unexpected inbox: %#v", inbox)
	}

	rec = env.do(t, http.MethodGet, "/api/messages/u2", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	for _, m := range decodeBody[[]domain.Message](t, rec) {
		if m.ReadAt == nil {
			t.Fatalf("message %s not marked read", m.ID)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/messages", "u1", nil)
	if inbox := decodeBody[inboxResponse](t, rec); inbox.Unread != 0 {
		t.Fatalf("expected no unread messages, got %d", inbox.Unread)
	}
}

func TestNotificationsReadFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var ids []string
	for _, title := range []string{"first", "second", "third"} {
		n, err := env.repo.CreateNotification(ctx, "u2", title, nil)
		if err != nil {
			t.Fatalf("create notification: %v", err)
		}
		ids = append(ids, n.ID)
	}

	rec := env.do(t, http.MethodGet, "/api/notifications?limit=2", "u2", nil)
	expectStatus(t, rec, http.StatusOK)
	list := decodeBody[notificationsResponse](t, rec)
	if len(list.Notifications) != 2 || list.Unread != 3 || list.Notifications[0].Title != "third" {
		t.Fatalf("unexpected notifications: %#v", list)
	}

	rec = env.do(t, http.MethodPost, "/api/notifications/"+ids[0]+"/read", "u1", nil)
	expectStatus(t, rec, http.StatusNotFound)

	rec = env.do(t, http.MethodPost, "/api/notifications/"+ids[0]+"/read", "u2", nil)
	expectStatus(t, rec, http.StatusOK)
	if n := decodeBody[domain.Notification](t, rec); n.ReadAt == nil {
		t.Fatalf("notification not marked read")
	}

	rec = env.do(t, http.MethodPost, "/api/notifications/read-all", "u2", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[readAllResponse](t, rec); got.Updated != 2 {
		t.Fatalf("expected 2 updated, got %d", got.Updated)
	}

	rec = env.do(t, http.MethodGet, "/api/notifications?limit=0", "u2", nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestNotificationPreferences(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/settings/notifications", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	if prefs := decodeBody[domain.NotificationPreferences](t, rec); !prefs.PushEnabled || !prefs.EmailEnabled {
		t.Fatalf("expected defaults, got %#v", prefs)
	}

	rec = env.do(t, http.MethodPut, "/api/settings/notifications", "u1",
		domain.NotificationPreferences{UserID: "someone-else", EmailEnabled: true, PushEnabled: false, MeetingReminders: true})
	expectStatus(t, rec, http.StatusOK)

	rec = env.do(t, http.MethodGet, "/api/settings/notifications", "u1", nil)
	prefs := decodeBody[domain.NotificationPreferences](t, rec)
	if prefs.UserID != "u1" || prefs.PushEnabled {
		t.Fatalf("preferences not stored for caller: %#v", prefs)
	}
}

func TestRateLimitMutations(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, WithRateLimit(1, 1), WithMetrics(NewMetrics(reg)), WithGatherer(reg))

	rec := env.do(t, http.MethodPost, "/api/projects", "u1", domain.ProjectInput{Name: "One"})
	expectStatus(t, rec, http.StatusCreated)
	rec = env.do(t, http.MethodPost, "/api/projects", "u1", domain.ProjectInput{Name: "Two"})
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get(echo.HeaderRetryAfter) == "" {
		t.Fatalf("expected Retry-After header")
	}

	// other users and reads are not affected
	expectStatus(t, env.do(t, http.MethodPost, "/api/projects", "u2", domain.ProjectInput{Name: "Three"}), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodGet, "/api/projects", "u1", nil), http.StatusOK)

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rec, http.StatusOK)
	for _, name := range []string{"dashboard_api_rate_limited_total 1", "dashboard_api_request_duration_seconds"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Fatalf("metrics output missing %q", name)
		}
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
}

func TestGzipRequestBody(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"name":"Compressed"}`)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/projects", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, bearer(t, "u1"))
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusCreated)
	if p := decodeBody[domain.Project](t, rec); p.Name != "Compressed" {
		t.Fatalf("unexpected project: %#v", p)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, bearer(t, "u1"))
	rec = httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{gateway.NewError("q", gateway.Tasks, gateway.ErrAuth, nil), http.StatusUnauthorized},
		{gateway.NewError("q", gateway.Tasks, gateway.ErrNotFound, nil), http.StatusNotFound},
		{gateway.NewError("q", gateway.Tasks, gateway.ErrConstraint, nil), http.StatusConflict},
		{gateway.NewError("q", gateway.Tasks, gateway.ErrNetwork, nil), http.StatusServiceUnavailable},
		{board.ErrTaskNotFound, http.StatusNotFound},
		{board.ErrInvalidStatus, http.StatusBadRequest},
		{badRequest("nope"), http.StatusBadRequest},
		{errNotOwner, http.StatusNotFound},
		{errors.New("boom"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"prism-dashboard/gateway"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	db, err := OpenSQLite(context.Background(), MemoryPath,
		WithNow(func() time.Time { return base }),
		WithIDs(func() string { n++; return fmt.Sprintf("id-%02d", n) }),
	)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedProject(t *testing.T, db *SQLite, id string) {
	t.Helper()
	_, err := db.Insert(context.Background(), gateway.Projects, gateway.Row{
		"id": id, "name": "Website", "created_by": "u1",
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func TestSQLiteInsertFillsDefaults(t *testing.T) {
	db := newTestSQLite(t)
	seedProject(t, db, "p1")

	row, err := db.Insert(context.Background(), gateway.Tasks, gateway.Row{
		"title": "Draft", "project_id": "p1",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if row.ID() == "" {
		t.Fatalf("expected generated id")
	}
	if row.String("status") != "To Do" || row.String("priority") != "Medium" {
		t.Fatalf("unexpected defaults: %#v", row)
	}
	if row["assignee_id"] != nil {
		t.Fatalf("expected null assignee, got %#v", row["assignee_id"])
	}
	if row.Time("created_at").IsZero() {
		t.Fatalf("expected created_at")
	}
}

func TestSQLiteTimestampsStrictlyIncrease(t *testing.T) {
	db := newTestSQLite(t)
	seedProject(t, db, "p1")

	rows, err := db.InsertMany(context.Background(), gateway.Tasks, []gateway.Row{
		{"title": "a", "project_id": "p1"},
		{"title": "b", "project_id": "p1"},
		{"title": "c", "project_id": "p1"},
	})
	if err != nil {
		t.Fatalf("insert many: %v", err)
	}
	for i := 1; i < len(rows); i++ {
		if !rows[i].Time("created_at").After(rows[i-1].Time("created_at")) {
			t.Fatalf("created_at not increasing at %d: %v", i, rows)
		}
	}
}

func TestSQLiteQueryFilterOrderLimit(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	seedProject(t, db, "p1")
	seedProject(t, db, "p2")

	for i, pos := range []int{2, 0, 1} {
		if _, err := db.Insert(ctx, gateway.Tasks, gateway.Row{
			"title": fmt.Sprintf("t%d", i), "project_id": "p1", "position": pos,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := db.Insert(ctx, gateway.Tasks, gateway.Row{"title": "other", "project_id": "p2"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := db.Query(ctx, gateway.Tasks, gateway.Query{
		Filter: gateway.Where(gateway.Eq("project_id", "p1")),
		Order:  []gateway.Order{gateway.Asc("position"), gateway.Asc("created_at")},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Int("position") != i {
			t.Fatalf("row %d has position %d", i, r.Int("position"))
		}
	}

	limited, err := db.Query(ctx, gateway.Tasks, gateway.Query{
		Filter: gateway.Where(gateway.In("project_id", "p1", "p2")),
		Order:  []gateway.Order{gateway.Desc("created_at")},
		Limit:  1,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(limited) != 1 || limited[0].String("title") != "other" {
		t.Fatalf("unexpected limited rows: %#v", limited)
	}

	none, err := db.Query(ctx, gateway.Tasks, gateway.Query{Filter: gateway.Where(gateway.In[string]("id"))})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("empty IN should match nothing, got %d", len(none))
	}
}

func TestSQLiteOrFilterAndCount(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	msgs := []gateway.Row{
		{"sender_id": "a", "recipient_id": "b", "body": "1"},
		{"sender_id": "b", "recipient_id": "a", "body": "2"},
		{"sender_id": "a", "recipient_id": "c", "body": "3"},
	}
	if _, err := db.InsertMany(ctx, gateway.Messages, msgs); err != nil {
		t.Fatalf("insert: %v", err)
	}
	f := gateway.Filter{}.
		Or(gateway.Eq("sender_id", "a"), gateway.Eq("recipient_id", "b")).
		Or(gateway.Eq("sender_id", "b"), gateway.Eq("recipient_id", "a"))
	n, err := db.Count(ctx, gateway.Messages, f)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 messages in conversation, got %d", n)
	}
}

func TestSQLiteUpdateReturnsRowAndNotFound(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	seedProject(t, db, "p1")
	row, err := db.Insert(ctx, gateway.Tasks, gateway.Row{"title": "a", "project_id": "p1"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := db.Update(ctx, gateway.Tasks, row.ID(), gateway.Row{"status": "Done", "position": 3})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.String("status") != "Done" || updated.Int("position") != 3 {
		t.Fatalf("unexpected row: %#v", updated)
	}

	_, err = db.Update(ctx, gateway.Tasks, "missing", gateway.Row{"status": "Done"})
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteConstraintViolations(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	seedProject(t, db, "p1")

	_, err := db.Insert(ctx, gateway.Tasks, gateway.Row{"title": "a", "project_id": "p1", "status": "Blocked"})
	if !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected constraint violation for bad status, got %v", err)
	}

	_, err = db.Insert(ctx, gateway.Tasks, gateway.Row{"title": "a", "project_id": "nope"})
	if !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected constraint violation for missing project, got %v", err)
	}

	member := gateway.Row{"project_id": "p1", "profile_id": "u1"}
	if _, err := db.Insert(ctx, gateway.ProjectMembers, member); err != nil {
		t.Fatalf("insert member: %v", err)
	}
	_, err = db.Insert(ctx, gateway.ProjectMembers, member)
	if !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected duplicate membership to be a constraint violation, got %v", err)
	}

	_, err = db.Insert(ctx, gateway.Tasks, gateway.Row{"title": "a", "bogus": 1})
	if !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected unknown column to be rejected, got %v", err)
	}
}

func TestSQLiteUpdateWhereOnlyTouchesMatches(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	read := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := db.InsertMany(ctx, gateway.Notifications, []gateway.Row{
		{"user_id": "u1", "title": "a"},
		{"user_id": "u1", "title": "b", "read_at": read},
		{"user_id": "u2", "title": "c"},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	rows, err := db.UpdateWhere(ctx, gateway.Notifications,
		gateway.Where(gateway.Eq("user_id", "u1"), gateway.IsNull("read_at")),
		gateway.Row{"read_at": now})
	if err != nil {
		t.Fatalf("update where: %v", err)
	}
	if len(rows) != 1 || rows[0].String("title") != "a" || !rows[0].Time("read_at").Equal(now) {
		t.Fatalf("unexpected updated rows: %#v", rows)
	}

	kept, err := db.Query(ctx, gateway.Notifications, gateway.Query{Filter: gateway.Where(gateway.Eq("title", "b"))})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !kept[0].Time("read_at").Equal(read) {
		t.Fatalf("read_at of already read row changed: %v", kept[0]["read_at"])
	}

	if _, err := db.UpdateWhere(ctx, gateway.Notifications, gateway.Filter{}, gateway.Row{"read_at": now}); !errors.Is(err, gateway.ErrConstraint) {
		t.Fatalf("expected unfiltered update to be refused, got %v", err)
	}
}

func TestSQLiteUpsertByUserKey(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	row, created, err := db.Upsert(ctx, gateway.NotificationPreferences, gateway.Row{
		"user_id": "u1", "email_enabled": true, "push_enabled": false, "meeting_reminders": true,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created || row.Bool("push_enabled") {
		t.Fatalf("unexpected first upsert: created=%v row=%#v", created, row)
	}

	row, created, err = db.Upsert(ctx, gateway.NotificationPreferences, gateway.Row{
		"user_id": "u1", "push_enabled": true,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created || !row.Bool("push_enabled") || !row.Bool("email_enabled") {
		t.Fatalf("unexpected second upsert: created=%v row=%#v", created, row)
	}
}

func TestOpenSQLiteOnDiskTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "dashboard.db")
	for i := 0; i < 2; i++ {
		db, err := OpenSQLite(context.Background(), path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		_ = db.Close()
	}
}

func TestBuildWhereRejectsUnknownColumn(t *testing.T) {
	sch, _ := gateway.SchemaOf(gateway.Tasks)
	if _, err := buildWhere(sch, gateway.Where(gateway.Eq("nope", 1))); err == nil {
		t.Fatalf("expected error for unknown column")
	}
	if _, _, err := buildSelect(sch, gateway.Query{Order: []gateway.Order{gateway.Asc("nope")}}); err == nil {
		t.Fatalf("expected error for unknown order column")
	}
}

func TestBuildSelectBindsArgsInFilterOrder(t *testing.T) {
	sch, _ := gateway.SchemaOf(gateway.Tasks)
	f := gateway.Where(
		gateway.Eq("project_id", "p1"),
		gateway.IsNull("assignee_id"),
		gateway.In("status", "To Do", "Done"),
	).Or(gateway.Eq("priority", "High")).Or(gateway.Lt("position", 3))
	stmt, args, err := buildSelect(sch, gateway.Query{Filter: f, Order: []gateway.Order{gateway.Desc("position")}, Limit: 5})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []any{"p1", "To Do", "Done", "High", int64(3)}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %#v, want %#v", args, want)
	}
	for _, frag := range []string{`FROM "tasks"`, `"assignee_id" IS NULL`, ` OR `, `ORDER BY "position" DESC`, `LIMIT 5`} {
		if !strings.Contains(stmt, frag) {
			t.Fatalf("statement %q lacks %q", stmt, frag)
		}
	}

	if stmt, args, err := buildCount(sch, gateway.Filter{}); err != nil || strings.Contains(stmt, "WHERE") || len(args) != 0 {
		t.Fatalf("unfiltered count = %q %v %v", stmt, args, err)
	}
}

func TestSQLiteEmptyInAndNullEqMatchNothing(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	seedProject(t, db, "p1")
	if _, err := db.Insert(ctx, gateway.Tasks, gateway.Row{"title": "Draft", "project_id": "p1", "status": "To Do"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for name, f := range map[string]gateway.Filter{
		"empty in": gateway.Where(gateway.In[string]("status")),
		"eq nil":   gateway.Where(gateway.Eq("assignee_id", nil)),
	} {
		rows, err := db.Query(ctx, gateway.Tasks, gateway.Query{Filter: f})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(rows) != 0 {
			t.Fatalf("%s matched %d rows", name, len(rows))
		}
	}
	n, err := db.Count(ctx, gateway.Tasks, gateway.Where(gateway.IsNull("assignee_id")))
	if err != nil || n != 1 {
		t.Fatalf("count null assignee = %d, %v", n, err)
	}
}

func TestBuildInsertRejectsBadTimestamp(t *testing.T) {
	sch, _ := gateway.SchemaOf(gateway.Tasks)
	if _, _, err := buildInsert(sch, gateway.Row{"id": "t1", "created_at": "yesterday"}); err == nil {
		t.Fatalf("expected malformed created_at to be rejected")
	}
	stmt, args, err := buildInsert(sch, gateway.Row{"id": "t1", "title": "Draft", "assignee_id": nil})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(stmt, "assignee_id") || len(args) != 2 {
		t.Fatalf("NULL column should be left out: %q %v", stmt, args)
	}
}

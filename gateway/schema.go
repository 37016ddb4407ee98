package gateway

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Entity names a collection in the remote store.
type Entity string

const (
	Profiles                Entity = "profiles"
	Projects                Entity = "projects"
	ProjectMembers          Entity = "project_members"
	Tasks                   Entity = "tasks"
	Comments                Entity = "comments"
	Meetings                Entity = "meetings"
	MeetingAttendees        Entity = "meeting_attendees"
	Messages                Entity = "messages"
	Notifications           Entity = "notifications"
	NotificationPreferences Entity = "notification_preferences"
	Documents               Entity = "documents"
)

type Kind int

const (
	KindText Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	// KindDate is a calendar date kept as "2006-01-02" text.
	KindDate
)

type Column struct {
	Name string
	Kind Kind
}

// Schema describes the columns of an entity and its key column.
type Schema struct {
	Entity  Entity
	Key     string
	Columns []Column

	index map[string]Column
}

func newSchema(e Entity, key string, cols ...Column) *Schema {
	s := &Schema{Entity: e, Key: key, Columns: cols, index: make(map[string]Column, len(cols))}
	for _, c := range cols {
		s.index[c.Name] = c
	}
	return s
}

func text(name string) Column { return Column{Name: name, Kind: KindText} }
func integer(name string) Column { return Column{Name: name, Kind: KindInt} }
func boolean(name string) Column { return Column{Name: name, Kind: KindBool} }
func stamp(name string) Column { return Column{Name: name, Kind: KindTime} }
func date(name string) Column { return Column{Name: name, Kind: KindDate} }

var schemas = map[Entity]*Schema{}

func register(s *Schema) { schemas[s.Entity] = s }

func init() {
	register(newSchema(Profiles, "id",
		text("id"), text("full_name"), text("avatar_url"), text("email"), text("phone"),
		text("role"), text("department"), stamp("created_at")))
	register(newSchema(Projects, "id",
		text("id"), text("name"), text("description"), text("status"), integer("progress"),
		date("due_date"), text("created_by"), stamp("created_at")))
	register(newSchema(ProjectMembers, "id",
		text("id"), text("project_id"), text("profile_id")))
	register(newSchema(Tasks, "id",
		text("id"), text("title"), text("description"), text("status"), text("priority"),
		text("size"), text("project_id"), text("assignee_id"), date("due_date"),
		integer("position"), stamp("created_at")))
	register(newSchema(Comments, "id",
		text("id"), text("content"), text("task_id"), text("author_id"), stamp("created_at")))
	register(newSchema(Meetings, "id",
		text("id"), text("title"), text("description"), date("date"), text("time"),
		text("duration"), text("project_id"), text("created_by"), stamp("created_at")))
	register(newSchema(MeetingAttendees, "id",
		text("id"), text("meeting_id"), text("profile_id")))
	register(newSchema(Messages, "id",
		text("id"), text("sender_id"), text("recipient_id"), text("body"), stamp("read_at"),
		stamp("created_at")))
	register(newSchema(Notifications, "id",
		text("id"), text("user_id"), text("title"), text("body"), stamp("read_at"),
		stamp("created_at")))
	register(newSchema(NotificationPreferences, "user_id",
		text("user_id"), boolean("email_enabled"), boolean("push_enabled"),
		boolean("meeting_reminders"), stamp("updated_at")))
	register(newSchema(Documents, "id",
		text("id"), text("name"), integer("file_size"), text("file_type"), text("category"),
		text("storage_url"), text("project_id"), text("uploaded_by"), stamp("created_at")))
}

// SchemaOf returns the registered schema for e.
func SchemaOf(e Entity) (*Schema, bool) {
	s, ok := schemas[e]
	return s, ok
}

// Entities lists every registered entity.
func Entities() []Entity {
	out := make([]Entity, 0, len(schemas))
	for e := range schemas {
		out = append(out, e)
	}
	return out
}

func (s *Schema) Column(name string) (Column, bool) {
	c, ok := s.index[name]
	return c, ok
}

// HasColumn reports whether name is a column of s.
func (s *Schema) HasColumn(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Normalize converts every value of r into the canonical form for its
// column. Unknown columns are rejected.
func (s *Schema) Normalize(r Row) (Row, error) {
	out := make(Row, len(r))
	for name, v := range r {
		c, ok := s.index[name]
		if !ok {
			return nil, fmt.Errorf("%s: unknown column %q", s.Entity, name)
		}
		nv, err := c.convert(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.Entity, name, err)
		}
		out[name] = nv
	}
	return out, nil
}

func (c Column) convert(v any) (any, error) {
	v = Value(v)
	if v == nil {
		return nil, nil
	}
	switch c.Kind {
	case KindText, KindDate:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case time.Time:
			if c.Kind == KindDate {
				return x.Format(time.DateOnly), nil
			}
		}
		return toString(v), nil
	case KindInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("non-integral value %v", x)
			}
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case KindFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case float64:
			return x != 0, nil
		case string:
			return strconv.ParseBool(x)
		}
	case KindTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return ParseTime(x)
		case []byte:
			return ParseTime(string(x))
		}
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}

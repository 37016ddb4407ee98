package domain

import "time"

// TaskStatus is the Kanban column a task sits in.
type TaskStatus string

const (
	StatusToDo       TaskStatus = "To Do"
	StatusInProgress TaskStatus = "In Progress"
	StatusReview     TaskStatus = "Review"
	StatusDone       TaskStatus = "Done"
)

// Statuses lists the board columns in display order.
var Statuses = []TaskStatus{StatusToDo, StatusInProgress, StatusReview, StatusDone}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	return s.Rank() >= 0
}

// Rank is the column index of s, or -1 for an unknown status.
func (s TaskStatus) Rank() int {
	for i, st := range Statuses {
		if st == s {
			return i
		}
	}
	return -1
}

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

var priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Rank orders priorities from Low (0) to Urgent (3).
func (p Priority) Rank() int {
	for i, pr := range priorities {
		if pr == p {
			return i
		}
	}
	return -1
}

type Size string

const (
	SizeS  Size = "S"
	SizeM  Size = "M"
	SizeL  Size = "L"
	SizeXL Size = "XL"
)

func (s Size) Valid() bool {
	switch s {
	case SizeS, SizeM, SizeL, SizeXL:
		return true
	}
	return false
}

// Task is a single board item. Position orders it within its
// (project, status) column; collisions are tolerated.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	Size        *Size      `json:"size"`
	ProjectID   string     `json:"project_id"`
	AssigneeID  *string    `json:"assignee_id"`
	DueDate     *string    `json:"due_date"`
	Position    int        `json:"position"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TaskWithAssignee carries the assignee profile resolved by a batched lookup.
type TaskWithAssignee struct {
	Task
	Assignee *Profile `json:"assignee"`
}

// TaskInput is the payload for creating a task.
type TaskInput struct {
	Title       string      `json:"title"`
	Description *string     `json:"description,omitempty"`
	Status      *TaskStatus `json:"status,omitempty"`
	Priority    *Priority   `json:"priority,omitempty"`
	Size        *Size       `json:"size,omitempty"`
	ProjectID   string      `json:"project_id"`
	AssigneeID  *string     `json:"assignee_id,omitempty"`
	DueDate     *string     `json:"due_date,omitempty"`
}

// TaskPatch holds optional task updates; nil fields are left untouched.
type TaskPatch struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Status      *TaskStatus `json:"status,omitempty"`
	Priority    *Priority   `json:"priority,omitempty"`
	Size        *Size       `json:"size,omitempty"`
	AssigneeID  *string     `json:"assignee_id,omitempty"`
	DueDate     *string     `json:"due_date,omitempty"`
	Position    *int        `json:"position,omitempty"`
}

// Comment is a note left on a task.
type Comment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	TaskID    string    `json:"task_id"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

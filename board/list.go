package board

import (
	"sort"
	"strings"

	"prism-dashboard/domain"
)

type SortKey string

const (
	SortTitle    SortKey = "title"
	SortStatus   SortKey = "status"
	SortPriority SortKey = "priority"
	SortDueDate  SortKey = "dueDate"
)

func ParseSortKey(s string) (SortKey, bool) {
	switch k := SortKey(s); k {
	case SortTitle, SortStatus, SortPriority, SortDueDate:
		return k, true
	}
	return "", false
}

// ListState is the list view's filter and sort selection.
type ListState struct {
	Status *domain.TaskStatus `json:"status"`
	Key    SortKey            `json:"sort"`
	Desc   bool               `json:"desc"`
}

// Toggle selects key. Selecting the current key flips the direction; a new
// key starts ascending.
func (s ListState) Toggle(key SortKey) ListState {
	if s.Key == key {
		s.Desc = !s.Desc
		return s
	}
	s.Key, s.Desc = key, false
	return s
}

// Filter keeps the tasks matching the status filter; a nil filter keeps all.
func (s ListState) Filter(tasks []domain.TaskWithAssignee) []domain.TaskWithAssignee {
	out := make([]domain.TaskWithAssignee, 0, len(tasks))
	for _, t := range tasks {
		if s.Status == nil || t.Status == *s.Status {
			out = append(out, t)
		}
	}
	return out
}

// SortTasks returns a sorted copy of tasks. Status and priority sort by rank;
// tasks without a due date come first ascending.
func SortTasks(tasks []domain.TaskWithAssignee, key SortKey, desc bool) []domain.TaskWithAssignee {
	out := append([]domain.TaskWithAssignee(nil), tasks...)
	cmp := compareBy(key)
	if cmp == nil {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := cmp(out[i].Task, out[j].Task)
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out
}

func compareBy(key SortKey) func(a, b domain.Task) int {
	switch key {
	case SortTitle:
		return func(a, b domain.Task) int { return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title)) }
	case SortStatus:
		return func(a, b domain.Task) int { return a.Status.Rank() - b.Status.Rank() }
	case SortPriority:
		return func(a, b domain.Task) int { return a.Priority.Rank() - b.Priority.Rank() }
	case SortDueDate:
		return func(a, b domain.Task) int {
			switch {
			case a.DueDate == nil && b.DueDate == nil:
				return 0
			case a.DueDate == nil:
				return -1
			case b.DueDate == nil:
				return 1
			}
			return strings.Compare(*a.DueDate, *b.DueDate)
		}
	}
	return nil
}

// List flattens the board in column order, then applies the list state.
func (b *Board) List(state ListState) []domain.TaskWithAssignee {
	b.mu.Lock()
	var all []domain.TaskWithAssignee
	for _, s := range domain.Statuses {
		all = append(all, b.columns[s]...)
	}
	b.mu.Unlock()
	return SortTasks(state.Filter(all), state.Key, state.Desc)
}

// Progress summarises how far a project's tasks are.
type Progress struct {
	Counts  map[domain.TaskStatus]int `json:"counts"`
	Total   int                       `json:"total"`
	Done    int                       `json:"done"`
	Percent int                       `json:"percent"`
}

func progressOf(cols map[domain.TaskStatus][]domain.TaskWithAssignee) Progress {
	p := Progress{Counts: make(map[domain.TaskStatus]int, len(domain.Statuses))}
	for _, s := range domain.Statuses {
		n := len(cols[s])
		p.Counts[s] = n
		p.Total += n
	}
	p.Done = p.Counts[domain.StatusDone]
	if p.Total > 0 {
		p.Percent = p.Done * 100 / p.Total
	}
	return p
}

package repository

import (
	"context"
	"strings"

	"prism-dashboard/domain"
	"prism-dashboard/gateway"
)

var boardOrder = []gateway.Order{gateway.Asc("position"), gateway.Asc("created_at")}

func (r *Repository) TaskByID(ctx context.Context, id string) (domain.Task, error) {
	row, err := r.one(ctx, "task", gateway.Tasks, id)
	if err != nil {
		return domain.Task{}, err
	}
	return decodeRow[domain.Task](row)
}

// TasksByProject returns the project's tasks ordered by position then
// creation, with assignees attached.
func (r *Repository) TasksByProject(ctx context.Context, projectID string) ([]domain.TaskWithAssignee, error) {
	rows, err := r.list(ctx, gateway.Tasks, gateway.Query{
		Filter: gateway.Where(gateway.Eq("project_id", projectID)),
		Order:  boardOrder,
	})
	if err != nil {
		return nil, err
	}
	tasks, err := decodeRows[domain.Task](rows)
	if err != nil {
		return nil, err
	}
	return r.withAssignees(ctx, tasks)
}

func (r *Repository) withAssignees(ctx context.Context, tasks []domain.Task) ([]domain.TaskWithAssignee, error) {
	var ids []string
	for _, t := range tasks {
		if t.AssigneeID != nil {
			ids = append(ids, *t.AssigneeID)
		}
	}
	profiles, err := r.profileIndex(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaskWithAssignee, len(tasks))
	for i, t := range tasks {
		out[i] = domain.TaskWithAssignee{Task: t}
		if t.AssigneeID != nil {
			if p, ok := profiles[*t.AssigneeID]; ok {
				out[i].Assignee = &p
			}
		}
	}
	return out, nil
}

// TasksForUser lists the tasks assigned to userID by due date.
func (r *Repository) TasksForUser(ctx context.Context, userID string) ([]domain.Task, error) {
	rows, err := r.list(ctx, gateway.Tasks, gateway.Query{
		Filter: gateway.Where(gateway.Eq("assignee_id", userID)),
		Order:  []gateway.Order{gateway.Asc("due_date"), gateway.Asc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Task](rows)
}

func (r *Repository) TasksByIDs(ctx context.Context, ids []string) ([]domain.Task, error) {
	ids = unique(ids)
	if len(ids) == 0 {
		return []domain.Task{}, nil
	}
	rows, err := r.list(ctx, gateway.Tasks, gateway.Query{Filter: gateway.Where(gateway.In("id", ids...))})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Task](rows)
}

// TaskCountsByStatus counts the project's tasks per column. Every status is
// present in the result.
func (r *Repository) TaskCountsByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.list(ctx, gateway.Tasks, gateway.Query{Filter: gateway.Where(gateway.Eq("project_id", projectID))})
	if err != nil {
		return nil, err
	}
	out := make(map[domain.TaskStatus]int, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out[s] = 0
	}
	for _, row := range rows {
		out[domain.TaskStatus(row.String("status"))]++
	}
	return out, nil
}

// CreateTask appends a task to the end of its column. Status and priority
// default to To Do and Medium.
func (r *Repository) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	const op = "create_task"
	if strings.TrimSpace(in.Title) == "" {
		return domain.Task{}, invalid(op, gateway.Tasks, "title is required")
	}
	if in.ProjectID == "" {
		return domain.Task{}, invalid(op, gateway.Tasks, "project is required")
	}
	status := domain.StatusToDo
	if in.Status != nil {
		status = *in.Status
	}
	priority := domain.PriorityMedium
	if in.Priority != nil {
		priority = *in.Priority
	}
	if err := validateTask(op, &status, &priority, in.Size); err != nil {
		return domain.Task{}, err
	}

	position, err := r.gw.Count(ctx, gateway.Tasks, gateway.Where(
		gateway.Eq("project_id", in.ProjectID), gateway.Eq("status", status)))
	if err != nil {
		return domain.Task{}, err
	}
	row := patchRow{
		"title":      strings.TrimSpace(in.Title),
		"status":     status,
		"priority":   priority,
		"project_id": in.ProjectID,
		"position":   position,
	}
	row.set("description", in.Description)
	row.set("size", in.Size)
	row.set("assignee_id", in.AssigneeID)
	row.set("due_date", in.DueDate)

	out, err := r.gw.Insert(ctx, gateway.Tasks, gateway.Row(row))
	if err != nil {
		return domain.Task{}, err
	}
	return decodeRow[domain.Task](out)
}

func validateTask(op string, status *domain.TaskStatus, priority *domain.Priority, size *domain.Size) error {
	if status != nil && !status.Valid() {
		return invalid(op, gateway.Tasks, "unknown status %q", *status)
	}
	if priority != nil && !priority.Valid() {
		return invalid(op, gateway.Tasks, "unknown priority %q", *priority)
	}
	if size != nil && !size.Valid() {
		return invalid(op, gateway.Tasks, "unknown size %q", *size)
	}
	return nil
}

func (r *Repository) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := validateTask("update_task", patch.Status, patch.Priority, patch.Size); err != nil {
		return domain.Task{}, err
	}
	row := patchRow{}
	row.set("title", patch.Title)
	row.set("description", patch.Description)
	row.set("status", patch.Status)
	row.set("priority", patch.Priority)
	row.set("size", patch.Size)
	row.set("assignee_id", patch.AssigneeID)
	row.set("due_date", patch.DueDate)
	row.set("position", patch.Position)
	out, err := r.gw.Update(ctx, gateway.Tasks, id, gateway.Row(row))
	if err != nil {
		return domain.Task{}, err
	}
	return decodeRow[domain.Task](out)
}

// UpdateTaskStatus moves a task to status, optionally at position.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, position *int) (domain.Task, error) {
	return r.UpdateTask(ctx, id, domain.TaskPatch{Status: &status, Position: position})
}

package repository

import (
	"context"
	"fmt"
	"strings"

	"prism-dashboard/domain"
	"prism-dashboard/gateway"
)

func (r *Repository) CommentsByTask(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := r.list(ctx, gateway.Comments, gateway.Query{
		Filter: gateway.Where(gateway.Eq("task_id", taskID)),
		Order:  []gateway.Order{gateway.Asc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Comment](rows)
}

func (r *Repository) CreateComment(ctx context.Context, userID, taskID, content string) (domain.Comment, error) {
	const op = "create_comment"
	if err := requireUser(op, gateway.Comments, userID); err != nil {
		return domain.Comment{}, err
	}
	content = strings.TrimSpace(content)
	if taskID == "" || content == "" {
		return domain.Comment{}, invalid(op, gateway.Comments, "task and content are required")
	}
	out, err := r.gw.Insert(ctx, gateway.Comments, gateway.Row{
		"content":   content,
		"task_id":   taskID,
		"author_id": userID,
	})
	if err != nil {
		return domain.Comment{}, err
	}
	return decodeRow[domain.Comment](out)
}

func (r *Repository) DocumentsByProject(ctx context.Context, projectID string) ([]domain.Document, error) {
	rows, err := r.list(ctx, gateway.Documents, gateway.Query{
		Filter: gateway.Where(gateway.Eq("project_id", projectID)),
		Order:  []gateway.Order{gateway.Desc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Document](rows)
}

// StoragePath is where an uploaded file is kept: user/project/<ms>-<name>.
func StoragePath(userID, projectID, name string, ms int64) string {
	return fmt.Sprintf("%s/%s/%d-%s", userID, projectID, ms, strings.ReplaceAll(name, " ", "-"))
}

// UploadDocument records the metadata of an uploaded file.
func (r *Repository) UploadDocument(ctx context.Context, userID string, in domain.DocumentInput) (domain.Document, error) {
	const op = "upload_document"
	if err := requireUser(op, gateway.Documents, userID); err != nil {
		return domain.Document{}, err
	}
	if in.ProjectID == "" || strings.TrimSpace(in.Name) == "" || in.FileSize < 0 {
		return domain.Document{}, invalid(op, gateway.Documents, "project, name and size are required")
	}
	row := patchRow{
		"name":        in.Name,
		"file_size":   in.FileSize,
		"file_type":   in.FileType,
		"storage_url": StoragePath(userID, in.ProjectID, in.Name, r.now().UnixMilli()),
		"project_id":  in.ProjectID,
		"uploaded_by": userID,
	}
	row.set("category", in.Category)
	out, err := r.gw.Insert(ctx, gateway.Documents, gateway.Row(row))
	if err != nil {
		return domain.Document{}, err
	}
	return decodeRow[domain.Document](out)
}

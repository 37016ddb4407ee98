package repository

import (
	"context"
	"strings"

	"prism-dashboard/domain"
	"prism-dashboard/gateway"
)

// Projects lists every project, newest first.
func (r *Repository) Projects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.list(ctx, gateway.Projects, gateway.Query{Order: []gateway.Order{gateway.Desc("created_at")}})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Project](rows)
}

func (r *Repository) ProjectByID(ctx context.Context, id string) (domain.Project, error) {
	row, err := r.one(ctx, "project", gateway.Projects, id)
	if err != nil {
		return domain.Project{}, err
	}
	return decodeRow[domain.Project](row)
}

func (r *Repository) ProjectMembers(ctx context.Context, projectID string) ([]domain.Profile, error) {
	members, err := r.memberIDs(ctx, []string{projectID})
	if err != nil {
		return nil, err
	}
	return r.ProfilesByIDs(ctx, members[projectID])
}

// memberIDs maps each project to its member profile ids.
func (r *Repository) memberIDs(ctx context.Context, projectIDs []string) (map[string][]string, error) {
	out := map[string][]string{}
	projectIDs = unique(projectIDs)
	if len(projectIDs) == 0 {
		return out, nil
	}
	rows, err := r.list(ctx, gateway.ProjectMembers, gateway.Query{Filter: gateway.Where(gateway.In("project_id", projectIDs...))})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		pid := row.String("project_id")
		out[pid] = append(out[pid], row.String("profile_id"))
	}
	return out, nil
}

// ProjectsWithMembers lists projects with their member profiles resolved in
// two batched lookups.
func (r *Repository) ProjectsWithMembers(ctx context.Context) ([]domain.ProjectSummary, error) {
	projects, err := r.Projects(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}
	members, err := r.memberIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var all []string
	for _, m := range members {
		all = append(all, m...)
	}
	profiles, err := r.profileIndex(ctx, all)
	if err != nil {
		return nil, err
	}

	out := make([]domain.ProjectSummary, len(projects))
	for i, p := range projects {
		s := domain.ProjectSummary{Project: p, Members: []domain.Profile{}}
		for _, id := range members[p.ID] {
			if prof, ok := profiles[id]; ok {
				s.Members = append(s.Members, prof)
			}
		}
		s.MemberCount = len(members[p.ID])
		out[i] = s
	}
	return out, nil
}

// CreateProject stores a new project and adds its creator as a member.
func (r *Repository) CreateProject(ctx context.Context, userID string, in domain.ProjectInput) (domain.Project, error) {
	const op = "create_project"
	if err := requireUser(op, gateway.Projects, userID); err != nil {
		return domain.Project{}, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return domain.Project{}, invalid(op, gateway.Projects, "name is required")
	}
	status := domain.ProjectPlanning
	if in.Status != nil {
		status = *in.Status
	}
	if !status.Valid() {
		return domain.Project{}, invalid(op, gateway.Projects, "unknown status %q", status)
	}
	row := patchRow{
		"name":       strings.TrimSpace(in.Name),
		"status":     status,
		"progress":   0,
		"created_by": userID,
	}
	row.set("description", in.Description)
	row.set("due_date", in.DueDate)

	out, err := r.gw.Insert(ctx, gateway.Projects, gateway.Row(row))
	if err != nil {
		return domain.Project{}, err
	}
	project, err := decodeRow[domain.Project](out)
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := r.AddProjectMember(ctx, project.ID, userID); err != nil {
		return domain.Project{}, err
	}
	return project, nil
}

func (r *Repository) UpdateProject(ctx context.Context, id string, patch domain.ProjectPatch) (domain.Project, error) {
	const op = "update_project"
	if patch.Status != nil && !patch.Status.Valid() {
		return domain.Project{}, invalid(op, gateway.Projects, "unknown status %q", *patch.Status)
	}
	if patch.Progress != nil && (*patch.Progress < 0 || *patch.Progress > 100) {
		return domain.Project{}, invalid(op, gateway.Projects, "progress %d out of range", *patch.Progress)
	}
	row := patchRow{}
	row.set("name", patch.Name)
	row.set("description", patch.Description)
	row.set("status", patch.Status)
	row.set("progress", patch.Progress)
	row.set("due_date", patch.DueDate)
	out, err := r.gw.Update(ctx, gateway.Projects, id, gateway.Row(row))
	if err != nil {
		return domain.Project{}, err
	}
	return decodeRow[domain.Project](out)
}

// AddProjectMember links a profile to a project. Adding an existing member
// is a constraint violation.
func (r *Repository) AddProjectMember(ctx context.Context, projectID, profileID string) (domain.ProjectMember, error) {
	out, err := r.AddProjectMembers(ctx, projectID, []string{profileID})
	if err != nil {
		return domain.ProjectMember{}, err
	}
	return out[0], nil
}

func (r *Repository) AddProjectMembers(ctx context.Context, projectID string, profileIDs []string) ([]domain.ProjectMember, error) {
	if len(profileIDs) == 0 {
		return []domain.ProjectMember{}, nil
	}
	rows := make([]gateway.Row, len(profileIDs))
	for i, id := range profileIDs {
		rows[i] = gateway.Row{"project_id": projectID, "profile_id": id}
	}
	out, err := r.gw.InsertMany(ctx, gateway.ProjectMembers, rows)
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.ProjectMember](out)
}

package domain

import "time"

type ProjectStatus string

const (
	ProjectPlanning   ProjectStatus = "Planning"
	ProjectInProgress ProjectStatus = "In Progress"
	ProjectReview     ProjectStatus = "Review"
	ProjectCompleted  ProjectStatus = "Completed"
)

type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description *string       `json:"description"`
	Status      ProjectStatus `json:"status"`
	Progress    int           `json:"progress"`
	DueDate     *string       `json:"due_date"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ProjectSummary is a project with its resolved member profiles.
type ProjectSummary struct {
	Project
	Members     []Profile `json:"members"`
	MemberCount int       `json:"memberCount"`
}

type ProjectInput struct {
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	Status      *ProjectStatus `json:"status,omitempty"`
	DueDate     *string        `json:"due_date,omitempty"`
}

type ProjectMember struct {
	ProjectID string `json:"project_id"`
	ProfileID string `json:"profile_id"`
}

// Document is metadata for a file attached to a project.
type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	FileSize   int64     `json:"file_size"`
	FileType   string    `json:"file_type"`
	Category   *string   `json:"category"`
	StorageURL string    `json:"storage_url"`
	ProjectID  string    `json:"project_id"`
	UploadedBy string    `json:"uploaded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProjectPatch holds optional project updates.
type ProjectPatch struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *ProjectStatus `json:"status,omitempty"`
	Progress    *int           `json:"progress,omitempty"`
	DueDate     *string        `json:"due_date,omitempty"`
}

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectPlanning, ProjectInProgress, ProjectReview, ProjectCompleted:
		return true
	}
	return false
}

type DocumentInput struct {
	Name      string  `json:"name"`
	FileSize  int64   `json:"file_size"`
	FileType  string  `json:"file_type"`
	Category  *string `json:"category,omitempty"`
	ProjectID string  `json:"project_id"`
}

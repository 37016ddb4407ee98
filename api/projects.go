package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"prism-dashboard/board"
	"prism-dashboard/domain"
)

type membersRequest struct {
	ProfileIDs []string `json:"profile_ids"`
}

type commentRequest struct {
	Content string `json:"content"`
}

type moveRequest struct {
	From  domain.TaskStatus `json:"from"`
	To    domain.TaskStatus `json:"to"`
	Index int               `json:"index"`
}

type completeRequest struct {
	Done bool `json:"done"`
}

type mutationView struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	TaskID  string            `json:"task_id"`
	From    domain.TaskStatus `json:"from"`
	To      domain.TaskStatus `json:"to"`
	Index   int               `json:"index"`
	Phase   string            `json:"phase"`
	History []string          `json:"history"`
}

type mutationResponse struct {
	Board    board.Snapshot `json:"board"`
	Mutation mutationView   `json:"mutation"`
	Error    string         `json:"error,omitempty"`
}

type taskListResponse struct {
	Tasks    []domain.TaskWithAssignee `json:"tasks"`
	State    board.ListState           `json:"state"`
	Progress board.Progress            `json:"progress"`
}

func viewOf(m *board.Mutation) mutationView {
	hist := m.History()
	names := make([]string, len(hist))
	for i, p := range hist {
		names[i] = p.String()
	}
	return mutationView{
		ID:      m.ID,
		Kind:    m.Kind,
		TaskID:  m.TaskID,
		From:    m.From,
		To:      m.To,
		Index:   m.Index,
		Phase:   m.Phase().String(),
		History: names,
	}
}

func (s *Server) getProjects(c echo.Context) error {
	projects, err := s.repo.ProjectsWithMembers(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	requestMetricsOf(c).SetItems(len(projects))
	return c.JSON(http.StatusOK, projects)
}

func (s *Server) postProject(c echo.Context) error {
	var in domain.ProjectInput
	if err := bind(c, &in); err != nil {
		return s.fail(c, err)
	}
	p, err := s.repo.CreateProject(c.Request().Context(), userIDOf(c), in)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) getProject(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := s.repo.ProjectByID(ctx, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	members, err := s.repo.ProjectMembers(ctx, p.ID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, domain.ProjectSummary{Project: p, Members: members, MemberCount: len(members)})
}

func (s *Server) patchProject(c echo.Context) error {
	var patch domain.ProjectPatch
	if err := bind(c, &patch); err != nil {
		return s.fail(c, err)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return s.fail(c, badRequest("invalid project status"))
	}
	p, err := s.repo.UpdateProject(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) postMembers(c echo.Context) error {
	var req membersRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if len(req.ProfileIDs) == 0 {
		return s.fail(c, badRequest("profile_ids is required"))
	}
	members, err := s.repo.AddProjectMembers(c.Request().Context(), c.Param("id"), req.ProfileIDs)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, members)
}

// loadBoard builds a board for the :id project. Callers must Close it.
func (s *Server) loadBoard(c echo.Context) (*board.Board, error) {
	b := board.New(s.repo, c.Param("id"), board.WithLogger(s.logger), board.WithMetrics(s.boardMetrics))
	if _, err := b.Load(c.Request().Context()); err != nil {
		b.Close()
		requestMetricsOf(c).SetErrorStage("load_board")
		return nil, err
	}
	return b, nil
}

func (s *Server) getBoard(c echo.Context) error {
	b, err := s.loadBoard(c)
	if err != nil {
		return s.fail(c, err)
	}
	defer b.Close()
	snap := b.Snapshot()
	requestMetricsOf(c).SetItems(snap.Progress.Total)
	return c.JSON(http.StatusOK, snap)
}

// getTaskList serves the list view. sort picks the key, dir=desc reverses
// it and status filters to one column.
func (s *Server) getTaskList(c echo.Context) error {
	var state board.ListState
	if v := c.QueryParam("sort"); v != "" {
		key, ok := board.ParseSortKey(v)
		if !ok {
			return s.fail(c, badRequest("invalid sort key"))
		}
		state.Key = key
	}
	switch c.QueryParam("dir") {
	case "", "asc":
	case "desc":
		state.Desc = true
	default:
		return s.fail(c, badRequest("invalid sort direction"))
	}
	if v := c.QueryParam("status"); v != "" {
		st := domain.TaskStatus(v)
		if !st.Valid() {
			return s.fail(c, badRequest("invalid status"))
		}
		state.Status = &st
	}

	b, err := s.loadBoard(c)
	if err != nil {
		return s.fail(c, err)
	}
	defer b.Close()
	tasks := b.List(state)
	requestMetricsOf(c).SetItems(len(tasks))
	return c.JSON(http.StatusOK, taskListResponse{Tasks: tasks, State: state, Progress: b.Snapshot().Progress})
}

func (s *Server) postTask(c echo.Context) error {
	var in domain.TaskInput
	if err := bind(c, &in); err != nil {
		return s.fail(c, err)
	}
	in.ProjectID = c.Param("id")
	ctx := c.Request().Context()
	t, err := s.repo.CreateTask(ctx, in)
	if err != nil {
		return s.fail(c, err)
	}
	if t.AssigneeID != nil && *t.AssigneeID != userIDOf(c) {
		s.notify(ctx, domain.NotificationRequest{
			UserID: *t.AssigneeID,
			Title:  "New task assigned",
			Body:   &t.Title,
			Kind:   domain.NotifyTask,
		})
	}
	return c.JSON(http.StatusCreated, t)
}

// moveTask applies the move, waits for the write (and any reconcile) to
// settle and answers with the resulting board.
func (s *Server) moveTask(c echo.Context) error {
	var req moveRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if !req.To.Valid() {
		return s.fail(c, badRequest("invalid status"))
	}
	b, err := s.loadBoard(c)
	if err != nil {
		return s.fail(c, err)
	}
	defer b.Close()
	m, err := b.MoveTask(c.Request().Context(), c.Param("taskId"), req.From, req.To, req.Index)
	if err != nil {
		return s.fail(c, err)
	}
	return s.settle(c, b, m)
}

func (s *Server) completeTask(c echo.Context) error {
	var req completeRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	b, err := s.loadBoard(c)
	if err != nil {
		return s.fail(c, err)
	}
	defer b.Close()
	m, err := b.ToggleComplete(c.Request().Context(), c.Param("taskId"), req.Done)
	if err != nil {
		return s.fail(c, err)
	}
	return s.settle(c, b, m)
}

func (s *Server) settle(c echo.Context, b *board.Board, m *board.Mutation) error {
	ctx := c.Request().Context()
	phase, err := m.Wait(ctx)
	if err == nil && phase != board.PhaseCommitted {
		err = m.Err()
	}
	resp := mutationResponse{Board: b.Snapshot(), Mutation: viewOf(m)}
	if err != nil {
		requestMetricsOf(c).SetErrorStage("commit")
		requestMetricsOf(c).Fail(err)
		status, msg := errorStatus(err)
		resp.Error = msg
		return c.JSON(status, resp)
	}
	if m.To == domain.StatusDone && m.From != domain.StatusDone {
		s.notifyCompleted(c, resp.Board, m.TaskID)
	}
	return c.JSON(http.StatusOK, resp)
}

// notifyCompleted tells the assignee that someone else finished their task.
func (s *Server) notifyCompleted(c echo.Context, snap board.Snapshot, taskID string) {
	for _, t := range snap.Column(domain.StatusDone) {
		if t.ID != taskID {
			continue
		}
		if t.AssigneeID != nil && *t.AssigneeID != userIDOf(c) {
			title := t.Title
			s.notify(c.Request().Context(), domain.NotificationRequest{
				UserID: *t.AssigneeID,
				Title:  "Task completed",
				Body:   &title,
				Kind:   domain.NotifyTask,
			})
		}
		return
	}
}

func (s *Server) getProjectMeetings(c echo.Context) error {
	meetings, err := s.repo.MeetingsByProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	requestMetricsOf(c).SetItems(len(meetings))
	return c.JSON(http.StatusOK, meetings)
}

func (s *Server) getDocuments(c echo.Context) error {
	docs, err := s.repo.DocumentsByProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	requestMetricsOf(c).SetItems(len(docs))
	return c.JSON(http.StatusOK, docs)
}

func (s *Server) postDocument(c echo.Context) error {
	var in domain.DocumentInput
	if err := bind(c, &in); err != nil {
		return s.fail(c, err)
	}
	in.ProjectID = c.Param("id")
	doc, err := s.repo.UploadDocument(c.Request().Context(), userIDOf(c), in)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (s *Server) getMyTasks(c echo.Context) error {
	tasks, err := s.repo.TasksForUser(c.Request().Context(), userIDOf(c))
	if err != nil {
		return s.fail(c, err)
	}
	requestMetricsOf(c).SetItems(len(tasks))
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) patchTask(c echo.Context) error {
	var patch domain.TaskPatch
	if err := bind(c, &patch); err != nil {
		return s.fail(c, err)
	}
	ctx := c.Request().Context()
	id := c.Param("taskId")
	var before domain.Task
	if patch.AssigneeID != nil {
		var err error
		if before, err = s.repo.TaskByID(ctx, id); err != nil {
			return s.fail(c, err)
		}
	}
	t, err := s.repo.UpdateTask(ctx, id, patch)
	if err != nil {
		return s.fail(c, err)
	}
	if reassigned(before, t) && *t.AssigneeID != userIDOf(c) {
		s.notify(ctx, domain.NotificationRequest{
			UserID: *t.AssigneeID,
			Title:  "New task assigned",
			Body:   &t.Title,
			Kind:   domain.NotifyTask,
		})
	}
	return c.JSON(http.StatusOK, t)
}

func reassigned(before, after domain.Task) bool {
	if after.AssigneeID == nil || *after.AssigneeID == "" {
		return false
	}
	return before.AssigneeID == nil || *before.AssigneeID != *after.AssigneeID
}

func (s *Server) getComments(c echo.Context) error {
	comments, err := s.repo.CommentsByTask(c.Request().Context(), c.Param("taskId"))
	if err != nil {
		return s.fail(c, err)
	}
	requestMetricsOf(c).SetItems(len(comments))
	return c.JSON(http.StatusOK, comments)
}

func (s *Server) postComment(c echo.Context) error {
	var req commentRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	cm, err := s.repo.CreateComment(c.Request().Context(), userIDOf(c), c.Param("taskId"), req.Content)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, cm)
}

// getMeetings lists every meeting, or one day's with ?date=YYYY-MM-DD.
func (s *Server) getMeetings(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		meetings []domain.MeetingWithAttendees
		err      error
	)
	if date := c.QueryParam("date"); date != "" {
		meetings, err = s.repo.MeetingsByDate(ctx, date)
	} else {
		meetings, err = s.repo.Meetings(ctx)
	}
	if err != nil {
		return s.fail(c, err)
	}
	requestMetricsOf(c).SetItems(len(meetings))
	return c.JSON(http.StatusOK, meetings)
}

func (s *Server) postMeeting(c echo.Context) error {
	var in domain.MeetingInput
	if err := bind(c, &in); err != nil {
		return s.fail(c, err)
	}
	m, err := s.repo.CreateMeeting(c.Request().Context(), userIDOf(c), in)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, m)
}

func parseLimit(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, badRequest("invalid limit")
	}
	return n, nil
}

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/board"
	"prism-dashboard/domain"
	"prism-dashboard/gateway"
	"prism-dashboard/livesync"
	"prism-dashboard/repository"
)

const (
	bodyLimit        = "1M"
	defaultKeepAlive = 30 * time.Second
)

// Notifier hands a notification to the delivery pipeline.
type Notifier interface {
	Notify(ctx context.Context, req domain.NotificationRequest) error
}

// Server serves the dashboard API on top of one repository.
type Server struct {
	repo         *repository.Repository
	auth         Authenticator
	logger       *log.Logger
	deduper      Deduper
	notifier     Notifier
	limiter      *limiterPool
	metrics      *Metrics
	boardMetrics *board.Metrics
	gatherer     prometheus.Gatherer
	syncOpts     []livesync.Option
	keepAlive    time.Duration
}

type Option func(*Server)

func WithLogger(l *log.Logger) Option { return func(s *Server) { s.logger = l } }

// WithDeduper enables Idempotency-Key handling on message sends.
func WithDeduper(d Deduper) Option { return func(s *Server) { s.deduper = d } }

func WithNotifier(n Notifier) Option { return func(s *Server) { s.notifier = n } }

// WithRateLimit limits each user's mutating requests to rps with the given
// burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = newLimiterPool(rps, burst) }
}

func WithMetrics(m *Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithBoardMetrics(m *board.Metrics) Option { return func(s *Server) { s.boardMetrics = m } }

// WithGatherer exposes g on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithSyncOptions configures the live sessions behind the event streams.
func WithSyncOptions(opts ...livesync.Option) Option {
	return func(s *Server) { s.syncOpts = append(s.syncOpts, opts...) }
}

// WithKeepAlive sets how often idle event streams get a comment line.
func WithKeepAlive(d time.Duration) Option { return func(s *Server) { s.keepAlive = d } }

func NewServer(repo *repository.Repository, auth Authenticator, opts ...Option) *Server {
	s := &Server{repo: repo, auth: auth, keepAlive: defaultKeepAlive}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}
	return s
}

// Register wires up all API routes on the provided Echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.JSONSerializer = SonicSerializer{}
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(GzipRequestMiddleware())

	e.GET("/healthz", s.healthz)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	g := e.Group("/api", s.observe, s.authenticate)

	g.GET("/me", s.getMe)
	g.POST("/me", s.postMe, s.rateLimit)
	g.PUT("/me", s.putMe, s.rateLimit)
	g.GET("/team", s.getTeam)

	g.GET("/projects", s.getProjects)
	g.POST("/projects", s.postProject, s.rateLimit)
	g.GET("/projects/:id", s.getProject)
	g.PATCH("/projects/:id", s.patchProject, s.rateLimit)
	g.POST("/projects/:id/members", s.postMembers, s.rateLimit)
	g.GET("/projects/:id/board", s.getBoard)
	g.GET("/projects/:id/tasks", s.getTaskList)
	g.POST("/projects/:id/tasks", s.postTask, s.rateLimit)
	g.POST("/projects/:id/tasks/:taskId/move", s.moveTask, s.rateLimit)
	g.POST("/projects/:id/tasks/:taskId/complete", s.completeTask, s.rateLimit)
	g.GET("/projects/:id/meetings", s.getProjectMeetings)
	g.GET("/projects/:id/documents", s.getDocuments)
	g.POST("/projects/:id/documents", s.postDocument, s.rateLimit)

	g.GET("/tasks", s.getMyTasks)
	g.PATCH("/tasks/:taskId", s.patchTask, s.rateLimit)
	g.GET("/tasks/:taskId/comments", s.getComments)
	g.POST("/tasks/:taskId/comments", s.postComment, s.rateLimit)

	g.GET("/meetings", s.getMeetings)
	g.POST("/meetings", s.postMeeting, s.rateLimit)

	g.GET("/messages", s.getInbox)
	g.GET("/messages/:userId", s.getConversation)
	g.POST("/messages/:userId", s.postMessage, s.rateLimit)

	g.GET("/notifications", s.getNotifications)
	g.POST("/notifications/read-all", s.readAllNotifications, s.rateLimit)
	g.POST("/notifications/:id/read", s.readNotification, s.rateLimit)
	g.GET("/settings/notifications", s.getPreferences)
	g.PUT("/settings/notifications", s.putPreferences, s.rateLimit)

	g.GET("/stream/board/:id", s.streamBoard)
	g.GET("/stream/notifications", s.streamNotifications)
	g.GET("/stream/messages", s.streamMessages)
}

func (s *Server) healthz(c echo.Context) error {
	if _, err := s.repo.Gateway().Count(c.Request().Context(), gateway.Profiles, gateway.Filter{}); err != nil {
		s.logger.WithError(err).Warn("api: health check failed")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "gateway unavailable"})
	}
	return c.NoContent(http.StatusOK)
}

// bind decodes the request body into dst. Decoding failures become 400s.
func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return badRequest("invalid request body")
	}
	return nil
}

// notify queues req in the background of a successful write. Delivery
// failures are logged and never fail the request.
func (s *Server) notify(ctx context.Context, req domain.NotificationRequest) {
	if s.notifier == nil || req.UserID == "" {
		return
	}
	if err := s.notifier.Notify(ctx, req); err != nil {
		s.logger.WithFields(log.Fields{"user": req.UserID, "kind": req.Kind}).WithError(err).Warn("api: notify failed")
	}
}

type meRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// getMe answers 404 until the caller's profile exists.
func (s *Server) getMe(c echo.Context) error {
	p, err := s.repo.CurrentProfile(c.Request().Context(), userIDOf(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// postMe creates the caller's profile on first sign-in and returns the
// stored one afterwards.
func (s *Server) postMe(c echo.Context) error {
	var req meRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if strings.TrimSpace(req.FullName) == "" {
		return s.fail(c, badRequest("full_name is required"))
	}
	p, err := s.repo.EnsureProfile(c.Request().Context(), userIDOf(c), req.FullName, req.Email)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) putMe(c echo.Context) error {
	var patch domain.ProfilePatch
	if err := bind(c, &patch); err != nil {
		return s.fail(c, err)
	}
	p, err := s.repo.UpdateProfile(c.Request().Context(), userIDOf(c), patch)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) getTeam(c echo.Context) error {
	profiles, err := s.repo.AllProfiles(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	requestMetricsOf(c).SetItems(len(profiles))
	return c.JSON(http.StatusOK, profiles)
}

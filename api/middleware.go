package api

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"prism-dashboard/gateway"
)

const (
	ctxUserID  = "dashboard.user_id"
	ctxMetrics = "dashboard.request_metrics"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies. Bodies that
// are not valid gzip are rejected with a 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &gzipReadCloser{Reader: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// observe wraps every /api request in a span, a Prometheus sample and one
// structured log line.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		rm, ctx := newRequestMetrics(req.Context(), s.logger, req.Method, c.Path())
		c.SetRequest(req.WithContext(ctx))
		c.Set(ctxMetrics, rm)

		err := next(c)

		status := c.Response().Status
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			status = he.Code
		case err != nil && !c.Response().Committed:
			status = http.StatusInternalServerError
		}
		rm.Log(status, err)
		s.metrics.observe(req.Method, c.Path(), status, time.Since(rm.start))
		return err
	}
}

// authenticate resolves the caller from the Authorization header. Event
// streams may pass the token as ?token= because EventSource cannot set
// headers.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" && strings.HasPrefix(c.Path(), "/api/stream/") {
			if token := c.QueryParam("token"); token != "" {
				header = "Bearer " + token
			}
		}
		userID, err := s.auth.UserIDFromAuthHeader(header)
		if err != nil {
			requestMetricsOf(c).SetErrorStage("auth")
			return s.fail(c, fmt.Errorf("%w: %v", gateway.ErrAuth, err))
		}
		c.Set(ctxUserID, userID)
		requestMetricsOf(c).SetUser(userID)
		return next(c)
	}
}

// rateLimit applies the per-user token bucket to mutating routes.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.limiter == nil {
			return next(c)
		}
		if ok, retry := s.limiter.Allow(userIDOf(c)); !ok {
			s.metrics.rateLimited()
			requestMetricsOf(c).SetErrorStage("rate_limit")
			secs := int(retry.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Response().Header().Set(echo.HeaderRetryAfter, strconv.Itoa(secs))
			return c.JSON(http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		}
		return next(c)
	}
}

func userIDOf(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}

func requestMetricsOf(c echo.Context) *requestMetrics {
	rm, _ := c.Get(ctxMetrics).(*requestMetrics)
	return rm
}

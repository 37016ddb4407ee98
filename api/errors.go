package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/board"
	"prism-dashboard/gateway"
)

var (
	errBadRequest = errors.New("bad request")
	// errNotOwner hides records that belong to another user.
	errNotOwner = fmt.Errorf("%w: owned by another user", gateway.ErrNotFound)
)

type errorResponse struct {
	Error string `json:"error"`
}

// errorStatus maps a failure to the status and message shown to clients.
// Gateway details stay in the logs.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, gateway.ErrAuth):
		return http.StatusUnauthorized, "not authenticated"
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, board.ErrTaskNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, board.ErrInvalidStatus):
		return http.StatusBadRequest, "invalid status"
	case errors.Is(err, gateway.ErrConstraint):
		return http.StatusConflict, "the request conflicts with existing data"
	case errors.Is(err, board.ErrClosed), errors.Is(err, board.ErrStale):
		return http.StatusConflict, "the board changed, reload and try again"
	}
	return http.StatusServiceUnavailable, "network failure, please try again"
}

func (s *Server) fail(c echo.Context, err error) error {
	status, msg := errorStatus(err)
	requestMetricsOf(c).Fail(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithFields(log.Fields{
			"route": c.Path(),
			"user":  userIDOf(c),
			"kind":  kindName(err),
		}).WithError(err).Error("api: request failed")
	}
	return c.JSON(status, errorResponse{Error: msg})
}

func kindName(err error) string {
	switch gateway.KindOf(err) {
	case gateway.ErrNetwork:
		return "network"
	case gateway.ErrAuth:
		return "auth"
	case gateway.ErrConstraint:
		return "constraint"
	case gateway.ErrNotFound:
		return "not_found"
	}
	return "unknown"
}

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Is(target error) bool { return target == errBadRequest }

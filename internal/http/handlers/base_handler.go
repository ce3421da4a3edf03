// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"supportcarr/internal/http/middleware"
	"supportcarr/internal/jobs"
	"supportcarr/internal/modules/payment"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
	// Current is the committed state after a lost conditional write.
	Current any `json:"current,omitempty"`
}

// isValidID accepts uuid-style ids and short test ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// pathID reads and checks the :id parameter.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeMessage(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeMessage(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeMessage(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func forbidden(c *gin.Context, msg string) {
	writeMessage(c, http.StatusForbidden, "forbidden: "+msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound), errors.Is(err, jobs.ErrNoHandler):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrRateExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps the engine's error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeMessage(c, status, "internal error")
		return
	}
	resp := errorResponse{Error: err.Error()}
	if ce, ok := rescue.AsConflict(err); ok {
		resp.Current = ce.Current
	} else if pe, ok := payment.AsConflict(err); ok {
		resp.Current = pe.Current
	}
	writeJSON(c, status, resp)
}

func caller(c *gin.Context) rescue.Actor {
	return rescue.Actor{Role: rescue.Role(middleware.CallerRole(c)), ID: types.ID(middleware.CallerUID(c))}
}

func privileged(a rescue.Actor) bool {
	return a.Role == rescue.RoleAdmin || a.Role == rescue.RoleSystem
}

func floatQuery(c *gin.Context, name string, def float64, required bool) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%w: %s required", types.ErrValidation, name)
		}
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", types.ErrValidation, name)
	}
	return v, nil
}

func pointQuery(c *gin.Context, latKey, lngKey string) (types.Point, error) {
	lat, err := floatQuery(c, latKey, 0, true)
	if err != nil {
		return types.Point{}, err
	}
	lng, err := floatQuery(c, lngKey, 0, true)
	if err != nil {
		return types.Point{}, err
	}
	p := types.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return types.Point{}, fmt.Errorf("%w: invalid coordinates", types.ErrValidation)
	}
	return p, nil
}

package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/loykin/botrunner/internal/manager"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isSafeAbsPath accepts an empty path or an absolute path that is already
// clean apart from trailing separators.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	if clean == p {
		return true
	}
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	return trimmed != "" && clean == trimmed
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrInvalidSchedule), errors.Is(err, manager.ErrInvalidBot):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrBotNotFound),
		errors.Is(err, manager.ErrScheduleNotFound),
		errors.Is(err, manager.ErrExecutionNotFound),
		errors.Is(err, manager.ErrNoBotLog):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrBotInactive):
		return http.StatusConflict
	case errors.Is(err, manager.ErrQueueFull), errors.Is(err, manager.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// int64Param reads a positive integer path parameter, answering 400 otherwise.
func int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + name + ": " + c.Param(name)})
		return 0, false
	}
	return v, true
}

// int64Query reads an optional non-negative integer query parameter.
func int64Query(c *gin.Context, name string, def int64) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + name + ": " + raw})
		return 0, false
	}
	return v, true
}

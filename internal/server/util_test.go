package server

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/loykin/botrunner/internal/manager"
)

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
		{"/v1/api//", "/v1/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	valid := []string{"", "/", "/opt/bots/report.sh", "/opt/bots/"}
	invalid := []string{"bots/report.sh", "./report.sh", "/opt/../etc/passwd", "/opt//bots", "/opt/./bots"}
	for _, p := range valid {
		if !isSafeAbsPath(p) {
			t.Fatalf("expected safe path %q", p)
		}
	}
	for _, p := range invalid {
		if isSafeAbsPath(p) {
			t.Fatalf("expected unsafe path %q", p)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.Wrap(manager.ErrInvalidSchedule, "bad cron"), http.StatusBadRequest},
		{errors.Wrap(manager.ErrInvalidBot, "name is required"), http.StatusBadRequest},
		{errors.Wrapf(manager.ErrBotNotFound, "bot %d", 4), http.StatusNotFound},
		{manager.ErrScheduleNotFound, http.StatusNotFound},
		{manager.ErrExecutionNotFound, http.StatusNotFound},
		{errors.Wrapf(manager.ErrNoBotLog, "bot %d", 4), http.StatusNotFound},
		{errors.Wrapf(manager.ErrBotInactive, "bot %d", 4), http.StatusConflict},
		{manager.ErrQueueFull, http.StatusServiceUnavailable},
		{manager.ErrNotRunning, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestInt64Query(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/x?limit=12", nil)
	if v, ok := int64Query(c, "limit", 50); !ok || v != 12 {
		t.Fatalf("got %d ok=%v", v, ok)
	}
	if v, ok := int64Query(c, "missing", 50); !ok || v != 50 {
		t.Fatalf("default: got %d ok=%v", v, ok)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botrunner/internal/cron"
	"github.com/loykin/botrunner/internal/manager"
	"github.com/loykin/botrunner/internal/process"
	"github.com/loykin/botrunner/internal/store"
	"github.com/loykin/botrunner/internal/store/sqlite"
	itls "github.com/loykin/botrunner/internal/tls"
)

func setupRouter(t *testing.T, base string) (http.Handler, *manager.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mgr := manager.New(manager.Config{
		Supervisor: process.Config{Shell: "/bin/sh", WaitDelay: 500 * time.Millisecond},
		KillWait:   2 * time.Second,
	}, db, nil, nil)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	})
	metricsH := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "botrunner_executions_total 0\n")
	})
	return NewRouter(mgr, base).WithMetrics(metricsH).Handler(), mgr
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRegisterBot(t *testing.T) {
	h, _ := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodPost, "/api/bots", store.Bot{Name: "report", Active: true, ScriptPath: "/opt/bots/report.sh"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[store.Bot](t, rec)
	assert.NotZero(t, b.ID)

	b.Name = "report-v2"
	rec = doReq(t, h, http.MethodPost, "/api/bots", b)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "report-v2", decode[store.Bot](t, rec).Name)

	bad := []store.Bot{
		{Name: "x", ScriptPath: "relative/bot.sh"},
		{Name: "x", ScriptPath: "/opt/../etc/bot.sh"},
		{Name: "x", ScriptPath: ""},
		{Name: "x", ScriptPath: "/opt/bot.py", VenvPath: "venv/bin/python"},
		{Name: "x", ScriptPath: "/opt/bot.sh", LogFilePath: "logs/bot.log"},
		{Name: " ", ScriptPath: "/opt/bot.sh"},
	}
	for _, b := range bad {
		rec := doReq(t, h, http.MethodPost, "/api/bots", b)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%+v: %s", b, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/bots", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBotRoutes(t *testing.T) {
	h, mgr := setupRouter(t, "/api")
	logPath := filepath.Join(t.TempDir(), "bot.log")
	b := store.Bot{Name: "watcher", Active: true, ScriptPath: "/opt/bots/watcher.sh", LogFilePath: logPath}
	require.NoError(t, mgr.RegisterBot(context.Background(), &b))

	rec := doReq(t, h, http.MethodGet, "/api/bots/"+itoa(b.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "watcher", decode[store.Bot](t, rec).Name)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/bots/999", nil).Code)

	rec = doReq(t, h, http.MethodPost, "/api/bots/"+itoa(b.ID)+"/active", map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[store.Bot](t, rec).Active)
	rec = doReq(t, h, http.MethodPost, "/api/bots/"+itoa(b.ID)+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/bots/"+itoa(b.ID)+"/active", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/bots/999/active", map[string]bool{"active": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/bots/"+itoa(b.ID)+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[logResp](t, rec).Content)
	require.NoError(t, os.WriteFile(logPath, []byte("one\ntwo\n"), 0o600))
	rec = doReq(t, h, http.MethodGet, "/api/bots/"+itoa(b.ID)+"/logs?tail=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[logResp](t, rec)
	assert.Equal(t, b.ID, got.BotID)
	assert.Equal(t, "two\n", got.Content)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/api/bots/"+itoa(b.ID)+"/logs?tail=-1", nil).Code)

	quiet := store.Bot{Name: "quiet", Active: true, ScriptPath: "/opt/bots/quiet.sh"}
	require.NoError(t, mgr.RegisterBot(context.Background(), &quiet))
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/bots/"+itoa(quiet.ID)+"/logs", nil).Code)
}

func TestRunAndExecutions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are unix only")
	}
	h, mgr := setupRouter(t, "")
	script := writeScript(t, "echo done")
	b := store.Bot{Name: "runner", Active: true, ScriptPath: script}
	require.NoError(t, mgr.RegisterBot(context.Background(), &b))

	rec := doReq(t, h, http.MethodPost, "/bots/"+itoa(b.ID)+"/run?user_id=7", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	e := decode[store.Execution](t, rec)
	assert.Equal(t, store.StatusPending, e.Status)
	require.NotNil(t, e.TriggeredBy)
	assert.Equal(t, int64(7), *e.TriggeredBy)

	require.Eventually(t, func() bool {
		rec := doReq(t, h, http.MethodGet, "/executions/"+itoa(e.ID), nil)
		if rec.Code != http.StatusOK {
			return false
		}
		got := decode[store.Execution](t, rec)
		return got.Status == store.StatusSuccess && got.CompletedAt != nil
	}, 10*time.Second, 20*time.Millisecond)

	rec = doReq(t, h, http.MethodGet, "/bots/"+itoa(b.ID)+"/executions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]store.Execution](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "done\n", list[0].Stdout)
}

func TestRunErrors(t *testing.T) {
	h, mgr := setupRouter(t, "/api")
	inactive := store.Bot{Name: "sleeper", Active: false, ScriptPath: "/opt/bots/sleeper.sh"}
	require.NoError(t, mgr.RegisterBot(context.Background(), &inactive))

	cases := []struct {
		path string
		code int
	}{
		{"/api/bots/999/run", http.StatusNotFound},
		{"/api/bots/" + itoa(inactive.ID) + "/run", http.StatusConflict},
		{"/api/bots/abc/run", http.StatusBadRequest},
		{"/api/bots/0/run", http.StatusBadRequest},
		{"/api/bots/1/run?user_id=-3", http.StatusBadRequest},
	}
	for _, c := range cases {
		rec := doReq(t, h, http.MethodPost, c.path, nil)
		assert.Equal(t, c.code, rec.Code, "%s: %s", c.path, rec.Body.String())
		assert.NotEmpty(t, decode[errorResp](t, rec).Error)
	}

	rec := doReq(t, h, http.MethodGet, "/api/bots/999/executions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/executions/12345", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKillNotRunning(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/bots/3/kill", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	res := decode[manager.KillResult](t, rec)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not running")

	rec = doReq(t, h, http.MethodGet, "/running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"bot_ids":[]}`, rec.Body.String())
}

func TestKillRunningBot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are unix only")
	}
	h, mgr := setupRouter(t, "")
	b := store.Bot{Name: "long", Active: true, ScriptPath: writeScript(t, "sleep 30")}
	require.NoError(t, mgr.RegisterBot(context.Background(), &b))

	rec := doReq(t, h, http.MethodPost, "/bots/"+itoa(b.ID)+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	e := decode[store.Execution](t, rec)

	require.Eventually(t, func() bool {
		return len(decode[runningResp](t, doReq(t, h, http.MethodGet, "/running", nil)).BotIDs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	rec = doReq(t, h, http.MethodPost, "/bots/"+itoa(b.ID)+"/kill", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[manager.KillResult](t, rec).Success)

	require.Eventually(t, func() bool {
		got, err := mgr.Execution(context.Background(), e.ID)
		return err == nil && got.Status == store.StatusCancelled && got.CompletedAt != nil
	}, 10*time.Second, 20*time.Millisecond)
}

func TestScheduleRoutes(t *testing.T) {
	h, mgr := setupRouter(t, "/api")
	b := store.Bot{Name: "nightly", Active: true, ScriptPath: "/opt/bots/nightly.sh"}
	require.NoError(t, mgr.RegisterBot(context.Background(), &b))

	rec := doReq(t, h, http.MethodPost, "/api/schedules", store.Schedule{BotID: b.ID, Name: "nightly", CronExpression: "0 2 * * *", Timezone: "Asia/Seoul", Active: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sc := decode[store.Schedule](t, rec)
	jobID := store.ScheduleJobID(sc.ID)

	jobs := decode[[]cron.JobInfo](t, doReq(t, h, http.MethodGet, "/api/jobs", nil))
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)
	assert.NotNil(t, jobs[0].NextRun)

	rec = doReq(t, h, http.MethodPost, "/api/schedules/"+itoa(sc.ID)+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs = decode[[]cron.JobInfo](t, doReq(t, h, http.MethodGet, "/api/jobs", nil))
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Paused)
	assert.Nil(t, jobs[0].NextRun)

	rec = doReq(t, h, http.MethodPost, "/api/schedules/"+itoa(sc.ID)+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs = decode[[]cron.JobInfo](t, doReq(t, h, http.MethodGet, "/api/jobs", nil))
	assert.False(t, jobs[0].Paused)

	// pausing an unknown schedule is a no-op
	rec = doReq(t, h, http.MethodPost, "/api/schedules/777/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/schedules", store.Schedule{BotID: b.ID, Name: "bad", CronExpression: "61 * * * *", Active: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/schedules", store.Schedule{BotID: b.ID, Name: "bad tz", CronExpression: "@hourly", Timezone: "Nowhere/City", Active: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/schedules", store.Schedule{BotID: 999, Name: "orphan", CronExpression: "@hourly", Active: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	off := store.Schedule{BotID: b.ID, Name: "weekly", CronExpression: "0 4 * * 1"}
	require.Equal(t, http.StatusCreated, doReq(t, h, http.MethodPost, "/api/schedules", off).Code)
	assert.Len(t, decode[[]store.Schedule](t, doReq(t, h, http.MethodGet, "/api/schedules", nil)), 2)
	active := decode[[]store.Schedule](t, doReq(t, h, http.MethodGet, "/api/schedules?active=true", nil))
	require.Len(t, active, 1)
	assert.Equal(t, sc.ID, active[0].ID)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/api/schedules?active=maybe", nil).Code)

	rec = doReq(t, h, http.MethodDelete, "/api/schedules/"+itoa(sc.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, doReq(t, h, http.MethodGet, "/api/jobs", nil).Body.String())

	rec = doReq(t, h, http.MethodDelete, "/api/schedules/"+itoa(sc.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "botrunner_executions_total")

	gin.SetMode(gin.TestMode)
	plain := NewRouter(nil, "/api").Handler()
	rec = doReq(t, plain, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := NewServer("127.0.0.1:0", NewRouter(nil, "/api"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = NewServer("127.0.0.1:-1", NewRouter(nil, ""))
	assert.Error(t, err)
}

func TestNewServerTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tc, err := itls.Setup(itls.Config{Enabled: true, Dir: t.TempDir(), AutoGenerate: true})
	require.NoError(t, err)
	srv, err := NewServerTLS("127.0.0.1:0", NewRouter(nil, "/api"), tc)
	require.NoError(t, err)
	assert.Same(t, tc, srv.TLSConfig)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/loykin/botrunner/internal/manager"
	"github.com/loykin/botrunner/internal/store"
)

const defaultExecutionLimit = 50

// Router provides embeddable HTTP handlers over a manager.
// Endpoints (relative to basePath):
//
//	POST   /bots                  register or update a bot
//	GET    /bots/:id              one bot
//	POST   /bots/:id/active       set the active flag, body {"active": bool}
//	GET    /bots/:id/logs         bot log file, query tail (bytes) optional
//	POST   /bots/:id/run          run once, query user_id optional (202)
//	POST   /bots/:id/kill         kill the running process
//	GET    /bots/:id/executions   newest executions, query limit optional
//	GET    /running               ids of running bots
//	GET    /schedules             stored schedules, query active=true optional
//	POST   /schedules             create or update a schedule
//	DELETE /schedules/:id         unschedule and delete
//	POST   /schedules/:id/pause   pause future firings
//	POST   /schedules/:id/resume  resume firings
//	GET    /jobs                  live scheduler jobs
//	GET    /executions/:id        one execution
//	GET    /metrics               prometheus, when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *manager.Manager
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a Router serving under basePath, e.g. "/api".
func NewRouter(mgr *manager.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// WithMetrics exposes h at {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// BasePath returns the sanitized base path.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.POST("/bots", r.handleRegisterBot)
	group.GET("/bots/:id", r.handleBot)
	group.POST("/bots/:id/active", r.handleSetActive)
	group.GET("/bots/:id/logs", r.handleBotLog)
	group.POST("/bots/:id/run", r.handleRun)
	group.POST("/bots/:id/kill", r.handleKill)
	group.GET("/bots/:id/executions", r.handleExecutions)
	group.GET("/running", r.handleRunning)
	group.GET("/schedules", r.handleSchedules)
	group.POST("/schedules", r.handleSaveSchedule)
	group.DELETE("/schedules/:id", r.handleDeleteSchedule)
	group.POST("/schedules/:id/pause", r.handlePause)
	group.POST("/schedules/:id/resume", r.handleResume)
	group.GET("/jobs", r.handleJobs)
	group.GET("/executions/:id", r.handleExecution)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
}

// NewServer binds addr and serves r in the background. Bind errors are
// returned synchronously; the caller shuts the server down.
func NewServer(addr string, r *Router) (*http.Server, error) {
	return NewServerTLS(addr, r, nil)
}

// NewServerTLS is NewServer over HTTPS when tc is non-nil.
func NewServerTLS(addr string, r *Router, tc *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	if tc != nil {
		ln = tls.NewListener(ln, tc)
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tc,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type runningResp struct {
	BotIDs []int64 `json:"bot_ids"`
}

type activeReq struct {
	Active *bool `json:"active"`
}

type logResp struct {
	BotID   int64  `json:"bot_id"`
	Content string `json:"content"`
}

func (r *Router) handleRegisterBot(c *gin.Context) {
	var b store.Bot
	if err := c.ShouldBindJSON(&b); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(b.ScriptPath) || b.ScriptPath == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid script_path: must be an absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(b.VenvPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid venv_path: must be an absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(b.LogFilePath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid log_file_path: must be an absolute path without traversal"})
		return
	}
	created := b.ID == 0
	if err := r.mgr.RegisterBot(c.Request.Context(), &b); err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(c, code, b)
}

func (r *Router) handleBot(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	b, err := r.mgr.Bot(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}

func (r *Router) handleSetActive(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	var req activeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Active == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "active is required"})
		return
	}
	b, err := r.mgr.SetBotActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}

func (r *Router) handleBotLog(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	tail, ok := int64Query(c, "tail", manager.DefaultLogTail)
	if !ok {
		return
	}
	content, err := r.mgr.BotLog(c.Request.Context(), id, tail)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, logResp{BotID: id, Content: content})
}

func (r *Router) handleRun(c *gin.Context) {
	botID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	userID, ok := int64Query(c, "user_id", 0)
	if !ok {
		return
	}
	e, err := r.mgr.RunOnce(c.Request.Context(), botID, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, e)
}

func (r *Router) handleKill(c *gin.Context) {
	botID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	res := r.mgr.Kill(c.Request.Context(), botID)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusConflict
	}
	writeJSON(c, code, res)
}

func (r *Router) handleExecutions(c *gin.Context) {
	botID, ok := int64Param(c, "id")
	if !ok {
		return
	}
	limit, ok := int64Query(c, "limit", defaultExecutionLimit)
	if !ok {
		return
	}
	list, err := r.mgr.Executions(c.Request.Context(), botID, int(limit))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []store.Execution{}
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleRunning(c *gin.Context) {
	ids := r.mgr.RunningBots()
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(c, http.StatusOK, runningResp{BotIDs: ids})
}

func (r *Router) handleSchedules(c *gin.Context) {
	activeOnly := false
	if raw := c.Query("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid active: " + raw})
			return
		}
		activeOnly = v
	}
	list, err := r.mgr.Schedules(c.Request.Context(), activeOnly)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []store.Schedule{}
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleSaveSchedule(c *gin.Context) {
	var sc store.Schedule
	if err := c.ShouldBindJSON(&sc); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	created := sc.ID == 0
	if err := r.mgr.SaveSchedule(c.Request.Context(), &sc); err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(c, code, sc)
}

func (r *Router) handleDeleteSchedule(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	if err := r.mgr.DeleteSchedule(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePause(c *gin.Context) {
	r.toggle(c, r.mgr.Pause)
}

func (r *Router) handleResume(c *gin.Context) {
	r.toggle(c, r.mgr.Resume)
}

func (r *Router) toggle(c *gin.Context, fn func(context.Context, int64) error) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleJobs(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.ListJobs())
}

func (r *Router) handleExecution(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	e, err := r.mgr.Execution(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

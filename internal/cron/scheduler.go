package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/store"
)

type job struct {
	rec   store.JobRecord
	sched cron.Schedule // nil for one-shot jobs
	entry cron.EntryID  // zero while paused
}

// Scheduler owns the live cron jobs, persists their definitions and feeds
// firings into a fixed-size worker pool. The cron loop itself never blocks
// on execution: ticks only enqueue.
type Scheduler struct {
	cfg   Config
	store store.Store
	hooks Hooks
	log   *slog.Logger
	cron  *cron.Cron
	now   func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	pending []Firing
	started bool
	stopped bool

	queue  chan Firing
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler backed by st. Call Recover and then Start.
func New(cfg Config, st store.Store, hooks Hooks, lg *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if lg == nil {
		lg = slog.Default()
	}
	lg = lg.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		hooks:  hooks,
		log:    lg,
		cron:   cron.New(cron.WithLocation(time.UTC), cron.WithLogger(slogAdapter{lg})),
		now:    time.Now,
		jobs:   make(map[string]*job),
		queue:  make(chan Firing, cfg.QueueSize),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Schedule installs or replaces the recurring job of sc. An inactive
// schedule is removed instead. Replacing keeps the job's paused state.
func (s *Scheduler) Schedule(ctx context.Context, sc store.Schedule) error {
	id := store.ScheduleJobID(sc.ID)
	if !sc.Active {
		_, err := s.Remove(ctx, id)
		return err
	}
	sched, err := Parse(sc.CronExpression, sc.Timezone)
	if err != nil {
		return err
	}
	sid := sc.ID
	rec := store.JobRecord{
		ID:             id,
		Kind:           store.JobKindSchedule,
		BotID:          sc.BotID,
		ScheduleID:     &sid,
		Name:           sc.Name,
		CronExpression: sc.CronExpression,
		Timezone:       sc.Timezone,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[id]; ok {
		rec.Paused = old.rec.Paused
	}
	if err := s.installLocked(ctx, rec, sched); err != nil {
		return err
	}
	s.log.Info("job scheduled", "job_id", id, "bot_id", sc.BotID, "cron", sc.CronExpression, "timezone", sc.Timezone, "paused", rec.Paused)
	return nil
}

// installLocked persists rec and swaps it in as the live job. On a store
// failure the previous job, if any, is left untouched.
func (s *Scheduler) installLocked(ctx context.Context, rec store.JobRecord, sched cron.Schedule) error {
	now := s.now()
	rec.UpdatedAt = now
	rec.NextRunAt = nil
	if !rec.Paused {
		next := sched.Next(now)
		rec.NextRunAt = &next
	}
	if err := s.store.SaveJob(ctx, rec); err != nil {
		return errors.Wrapf(err, "persist job %s", rec.ID)
	}
	if old, ok := s.jobs[rec.ID]; ok && old.entry != 0 {
		s.cron.Remove(old.entry)
	}
	j := &job{rec: rec, sched: sched}
	if !rec.Paused {
		j.entry = s.cron.Schedule(sched, s.tick(rec.ID))
	}
	s.jobs[rec.ID] = j
	metrics.SetScheduledJobs(len(s.jobs))
	return nil
}

func (s *Scheduler) tick(id string) cron.Job {
	return cron.FuncJob(func() { s.fire(id) })
}

// fire runs on the cron goroutine for each due tick.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.rec.Paused || j.sched == nil {
		s.mu.Unlock()
		return
	}
	now := s.now()
	next := j.sched.Next(now)
	j.rec.NextRunAt = &next
	j.rec.UpdatedAt = now
	rec := j.rec
	s.mu.Unlock()

	if err := s.store.SaveJob(s.ctx, rec); err != nil {
		s.log.Warn("persist next run failed", "job_id", id, "error", err)
	}
	s.submit(firingOf(rec, now))
}

// submit hands f to the pool without waiting.
func (s *Scheduler) submit(f Firing) {
	select {
	case s.queue <- f:
	default:
		s.drop(f, ErrQueueFull)
	}
}

func (s *Scheduler) drop(f Firing, reason error) {
	metrics.IncDropped("queue_full")
	s.log.Warn("firing dropped", "job_id", f.JobID, "bot_id", f.BotID, "reason", reason)
	if s.hooks.Dropped != nil {
		s.hooks.Dropped(f, reason)
	}
}

func (s *Scheduler) missed(f Firing) {
	metrics.IncMissed()
	s.log.Warn("firing missed", "job_id", f.JobID, "bot_id", f.BotID, "scheduled_at", f.ScheduledAt, "grace", s.cfg.MisfireGrace)
	if s.hooks.Missed != nil {
		s.hooks.Missed(f)
	}
}

// Remove deletes the job and its stored record. It reports whether a live
// job existed.
func (s *Scheduler) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if ok {
		if j.entry != 0 {
			s.cron.Remove(j.entry)
		}
		delete(s.jobs, id)
		metrics.SetScheduledJobs(len(s.jobs))
		s.log.Info("job removed", "job_id", id)
	}
	if err := s.store.DeleteJob(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return ok, errors.Wrapf(err, "delete job %s", id)
	}
	return ok, nil
}

// Pause suspends future firings of a recurring job, keeping its definition.
// It reports whether the job exists.
func (s *Scheduler) Pause(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.sched == nil {
		return false, nil
	}
	if j.rec.Paused {
		return true, nil
	}
	rec := j.rec
	rec.Paused = true
	rec.NextRunAt = nil
	rec.UpdatedAt = s.now()
	if err := s.store.SaveJob(ctx, rec); err != nil {
		return true, errors.Wrapf(err, "persist job %s", id)
	}
	s.cron.Remove(j.entry)
	j.entry = 0
	j.rec = rec
	s.log.Info("job paused", "job_id", id)
	return true, nil
}

// Resume reactivates a paused job. The next fire time comes from the same
// cron schedule, so the cadence is unchanged.
func (s *Scheduler) Resume(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.sched == nil {
		return false, nil
	}
	if !j.rec.Paused {
		return true, nil
	}
	rec := j.rec
	rec.Paused = false
	if err := s.installLocked(ctx, rec, j.sched); err != nil {
		return true, err
	}
	s.log.Info("job resumed", "job_id", id, "next_run", s.jobs[id].rec.NextRunAt)
	return true, nil
}

// Enqueue persists a one-shot job for executionID and hands it to the pool,
// waiting for queue space until ctx ends. On failure the job is forgotten.
func (s *Scheduler) Enqueue(ctx context.Context, botID, executionID int64, scheduledAt time.Time) error {
	now := s.now()
	eid := executionID
	rec := store.JobRecord{
		ID:          store.ImmediateJobID(executionID),
		Kind:        store.JobKindImmediate,
		BotID:       botID,
		ExecutionID: &eid,
		Name:        fmt.Sprintf("Immediate run of bot %d", botID),
		NextRunAt:   &now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveJob(ctx, rec); err != nil {
		return errors.Wrapf(err, "persist job %s", rec.ID)
	}
	f := firingOf(rec, scheduledAt)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.forget(rec.ID)
		return ErrNotRunning
	}
	s.jobs[rec.ID] = &job{rec: rec}
	metrics.SetScheduledJobs(len(s.jobs))
	if !s.started {
		s.pending = append(s.pending, f)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	select {
	case s.queue <- f:
		return nil
	case <-ctx.Done():
		s.forget(rec.ID)
		return errors.Wrapf(ctx.Err(), "enqueue %s", rec.ID)
	case <-s.quit:
		s.forget(rec.ID)
		return ErrNotRunning
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	metrics.SetScheduledJobs(len(s.jobs))
	s.mu.Unlock()
	if err := s.store.DeleteJob(context.WithoutCancel(s.ctx), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("delete job record failed", "job_id", id, "error", err)
	}
}

// markFired retires a one-shot job: it leaves the live set and its record
// keeps a NULL next run until the cleanup loop purges it.
func (s *Scheduler) markFired(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
		metrics.SetScheduledJobs(len(s.jobs))
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	rec := j.rec
	rec.NextRunAt = nil
	rec.UpdatedAt = s.now()
	if err := s.store.SaveJob(context.WithoutCancel(s.ctx), rec); err != nil {
		s.log.Warn("persist fired job failed", "job_id", id, "error", err)
	}
}

// Jobs returns a snapshot of the live jobs ordered by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{ID: j.rec.ID, Name: j.rec.Name, Kind: j.rec.Kind, BotID: j.rec.BotID, Paused: j.rec.Paused}
		if j.rec.NextRunAt != nil {
			t := *j.rec.NextRunAt
			info.NextRun = &t
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Has reports whether id is a live job.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Recover reinstalls persisted jobs. A recurring job whose stored next run
// has passed fires once when still inside the misfire grace window and is
// reported missed otherwise. Unfired one-shot jobs follow the same rule.
// Recovered firings are dispatched by Start.
func (s *Scheduler) Recover(ctx context.Context) error {
	recs, err := s.store.ListJobRecords(ctx)
	if err != nil {
		return errors.Wrap(err, "list job records")
	}
	now := s.now()
	var restored, due, missed int
	for _, rec := range recs {
		switch rec.Kind {
		case store.JobKindSchedule:
			sched, err := Parse(rec.CronExpression, rec.Timezone)
			if err != nil {
				s.log.Warn("discarding unparsable job", "job_id", rec.ID, "error", err)
				if err := s.store.DeleteJob(ctx, rec.ID); err != nil {
					s.log.Warn("delete job record failed", "job_id", rec.ID, "error", err)
				}
				continue
			}
			last := rec.NextRunAt
			s.mu.Lock()
			err = s.installLocked(ctx, rec, sched)
			s.mu.Unlock()
			if err != nil {
				return err
			}
			restored++
			if rec.Paused || last == nil || last.After(now) {
				continue
			}
			f := firingOf(rec, *last)
			if now.Sub(*last) <= s.cfg.MisfireGrace {
				s.mu.Lock()
				s.pending = append(s.pending, f)
				s.mu.Unlock()
				due++
			} else {
				s.missed(f)
				missed++
			}

		case store.JobKindImmediate:
			if rec.NextRunAt == nil {
				continue
			}
			f := firingOf(rec, *rec.NextRunAt)
			s.mu.Lock()
			s.jobs[rec.ID] = &job{rec: rec}
			inGrace := now.Sub(*rec.NextRunAt) <= s.cfg.MisfireGrace
			if inGrace {
				s.pending = append(s.pending, f)
			}
			metrics.SetScheduledJobs(len(s.jobs))
			s.mu.Unlock()
			restored++
			if inGrace {
				due++
			} else {
				s.markFired(rec.ID)
				s.missed(f)
				missed++
			}
		}
	}
	s.log.Info("jobs recovered", "restored", restored, "due", due, "missed", missed)
	return nil
}

// Start launches the workers, the cleanup loop and the cron loop, then
// dispatches any firings recovered or enqueued before start.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	s.cron.Start()
	s.log.Info("scheduler started", "workers", s.cfg.Workers, "queue", s.cfg.QueueSize)

	for _, f := range pending {
		if !s.Has(f.JobID) {
			continue
		}
		if f.Kind == store.JobKindSchedule {
			s.submit(f)
			continue
		}
		select {
		case s.queue <- f:
		case <-s.quit:
			return nil
		}
	}
	return nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case f := <-s.queue:
			s.run(f)
		}
	}
}

func (s *Scheduler) run(f Firing) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("dispatch panicked", "job_id", f.JobID, "bot_id", f.BotID, "panic", r)
		}
	}()
	switch f.Kind {
	case store.JobKindImmediate:
		if !s.Has(f.JobID) {
			return
		}
		s.markFired(f.JobID)
	default:
		// the job may have been removed or paused while the firing was queued
		s.mu.Lock()
		j, ok := s.jobs[f.JobID]
		live := ok && !j.rec.Paused
		s.mu.Unlock()
		if !live {
			s.log.Debug("skipping stale firing", "job_id", f.JobID)
			return
		}
	}
	if s.hooks.Dispatch != nil {
		s.hooks.Dispatch(s.ctx, f)
	}
}

func (s *Scheduler) cleanupLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			if _, err := s.Cleanup(s.ctx); err != nil {
				s.log.Warn("job cleanup failed", "error", err)
			}
		}
	}
}

// Cleanup deletes the records of jobs that have fired for the last time.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeFiredJobs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "purge fired jobs")
	}
	if n > 0 {
		s.log.Debug("purged fired jobs", "count", n)
	}
	return n, nil
}

// Stop halts the cron loop and the workers. Running dispatches get until ctx
// ends to finish; after that their context is cancelled. Queued firings that
// were not picked up stay persisted for the next Recover.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.cron.Stop().Done()
	}
	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("shutdown deadline reached, cancelling running executions")
		s.cancel()
		<-done
	}
	s.cancel()
	s.log.Info("scheduler stopped")
}

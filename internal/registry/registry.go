// Package registry holds the process-local coordination state shared by
// the orchestrator and the kill path: per-bot locks, kill intents and the
// table of live child processes. Each table has its own mutex.
package registry

import (
	"sort"
	"sync"
)

// Locks hands out one non-blocking lock per bot id.
type Locks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func NewLocks() *Locks { return &Locks{m: make(map[int64]*sync.Mutex)} }

// TryAcquire returns a release func when the bot lock was free.
// The lock object is created lazily and never removed.
func (l *Locks) TryAcquire(botID int64) (release func(), ok bool) {
	l.mu.Lock()
	bl, exists := l.m[botID]
	if !exists {
		bl = &sync.Mutex{}
		l.m[botID] = bl
	}
	l.mu.Unlock()
	if !bl.TryLock() {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(bl.Unlock) }, true
}

// KillIntents records bots the operator asked to terminate.
type KillIntents struct {
	mu  sync.Mutex
	set map[int64]struct{}
}

func NewKillIntents() *KillIntents { return &KillIntents{set: make(map[int64]struct{})} }

func (k *KillIntents) Mark(botID int64) {
	k.mu.Lock()
	k.set[botID] = struct{}{}
	k.mu.Unlock()
}

func (k *KillIntents) Clear(botID int64) {
	k.mu.Lock()
	delete(k.set, botID)
	k.mu.Unlock()
}

// Consume removes the intent and reports whether it was present.
func (k *KillIntents) Consume(botID int64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.set[botID]
	delete(k.set, botID)
	return ok
}

// Handle is a live child process.
type Handle interface {
	PID() int
	// ExecutionID is the execution the child runs for, 0 when unbound.
	ExecutionID() int64
	// Kill force-terminates the child and its descendants.
	Kill() error
	// Done is closed once the child has been reaped.
	Done() <-chan struct{}
}

// Running maps bot ids to their live child.
type Running struct {
	mu sync.RWMutex
	m  map[int64]Handle
}

func NewRunning() *Running { return &Running{m: make(map[int64]Handle)} }

func (r *Running) Register(botID int64, h Handle) {
	r.mu.Lock()
	r.m[botID] = h
	r.mu.Unlock()
}

// Deregister removes the entry only if it still points at h.
func (r *Running) Deregister(botID int64, h Handle) {
	r.mu.Lock()
	if cur, ok := r.m[botID]; ok && cur == h {
		delete(r.m, botID)
	}
	r.mu.Unlock()
}

func (r *Running) Get(botID int64) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[botID]
	return h, ok
}

// BotIDs returns the ids with a live child, ascending.
func (r *Running) BotIDs() []int64 {
	r.mu.RLock()
	out := make([]int64, 0, len(r.m))
	for id := range r.m {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PIDs returns the pid of every live child keyed by bot id.
func (r *Running) PIDs() map[int64]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]int, len(r.m))
	for id, h := range r.m {
		out[id] = h.PID()
	}
	return out
}

package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/registry"
	"github.com/loykin/botrunner/internal/store"
)

// KillResult reports the outcome of a Kill request.
type KillResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Unconfirmed is set when the signal was sent but the exit was not
	// observed within the kill wait.
	Unconfirmed bool `json:"unconfirmed,omitempty"`
}

// Kill terminates the running process of botID. The kill intent is recorded
// before anything else so the executing worker resolves the run as
// CANCELLED whatever exit status the process reports.
func (m *Manager) Kill(ctx context.Context, botID int64) KillResult {
	m.intents.Mark(botID)
	h, ok := m.running.Get(botID)
	if !ok {
		m.intents.Clear(botID)
		metrics.IncKill("not_running")
		return KillResult{Message: fmt.Sprintf("Bot %d is not running", botID)}
	}

	m.markCancelled(ctx, botID, h)

	if err := h.Kill(); err != nil {
		m.intents.Clear(botID)
		metrics.IncKill("error")
		m.log.Error("kill failed", "bot_id", botID, "pid", h.PID(), "error", err)
		return KillResult{Message: fmt.Sprintf("Failed to kill bot %d: %v", botID, err)}
	}

	t := time.NewTimer(m.cfg.KillWait)
	defer t.Stop()
	select {
	case <-h.Done():
		metrics.IncKill("success")
		m.log.Info("bot killed", "bot_id", botID, "pid", h.PID())
		return KillResult{Success: true, Message: fmt.Sprintf("Bot %d killed", botID)}
	case <-t.C:
	case <-ctx.Done():
	}
	metrics.IncKill("unconfirmed")
	m.log.Warn("kill signal sent but exit not observed", "bot_id", botID, "pid", h.PID(), "wait", m.cfg.KillWait)
	return KillResult{
		Success:     true,
		Message:     fmt.Sprintf("Kill signal sent to bot %d; exit not yet confirmed", botID),
		Unconfirmed: true,
	}
}

// markCancelled flips the RUNNING execution bound to h to CANCELLED.
// The worker fills in completion details afterwards.
func (m *Manager) markCancelled(ctx context.Context, botID int64, h registry.Handle) {
	id := h.ExecutionID()
	if id == 0 {
		return
	}
	msg := msgCancelled
	if _, err := m.st.TransitionExecution(ctx, id, []store.Status{store.StatusRunning},
		store.ExecutionUpdate{Status: store.StatusCancelled, Error: &msg}); err != nil {
		m.log.Warn("failed to mark execution cancelled", "bot_id", botID, "execution_id", id, "error", err)
	}
}

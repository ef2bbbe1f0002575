// Package approval gates branch merges behind an operator decision. The
// coordinator blocks on Request; a TUI or CLI answers through Submit. A
// run with nobody listening resolves every request by timeout, and the
// timeout default is rejection.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/vbranch"
	"github.com/kunho817/echelon/pkg/models"
)

// Request is one pending approval: a task's branch wants to reach the
// workspace.
type Request struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	Title    string `json:"title"`
	// Summary describes what the task accomplished.
	Summary string `json:"summary"`
	// Diff is the rendered change set under review.
	Diff string `json:"diff"`
	// DiffHash binds any decision to this exact change set.
	DiffHash    string    `json:"diff_hash"`
	RequestedAt time.Time `json:"requested_at"`
}

// Decision is the outcome of one approval request.
type Decision struct {
	TaskID   string `json:"task_id"`
	Approved bool   `json:"approved"`
	// Note carries the operator's reasoning, mostly for rejections.
	Note string `json:"note,omitempty"`
	// DecidedBy is "operator", "auto", "timeout", or "cancelled".
	DecidedBy string `json:"decided_by"`
	// DiffHash is the hash of the change set the decision was made on.
	DiffHash  string    `json:"diff_hash"`
	DecidedAt time.Time `json:"decided_at"`
}

// Manager tracks pending approval requests and routes decisions back to
// the waiting coordinator.
type Manager struct {
	mu      sync.RWMutex
	pending map[string]chan Decision
	// requests mirrors pending with the request payloads, for Pending().
	requests map[string]*Request

	timeout     time.Duration
	autoApprove bool
	bus         *bus.Bus
	debugLog    func(format string, args ...interface{})
}

// New creates a manager. A non-positive timeout means requests wait until
// a decision or context cancellation.
func New(timeout time.Duration) *Manager {
	return &Manager{
		pending:  make(map[string]chan Decision),
		requests: make(map[string]*Request),
		timeout:  timeout,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetBus wires the event bus.
func (m *Manager) SetBus(b *bus.Bus) { m.bus = b }

// SetAutoApprove makes every request resolve immediately as approved, for
// non-interactive runs.
func (m *Manager) SetAutoApprove(on bool) { m.autoApprove = on }

// SetDebugLog sets the debug logging function.
func (m *Manager) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.debugLog = fn
	}
}

// Request blocks until the task's change set is decided on. The decision
// is a rejection when the timeout elapses or the context ends; the error
// is reserved for bookkeeping failures, not for "no".
func (m *Manager) Request(ctx context.Context, task *models.Task, changes []vbranch.FileChange) (*Decision, error) {
	diff := RenderDiff(changes)
	req := &Request{
		TaskID:      task.ID,
		AgentID:     task.AssignedAgent,
		Title:       task.Title,
		Summary:     fmt.Sprintf("%d file(s) changed", len(changes)),
		Diff:        diff,
		DiffHash:    DiffHash(diff),
		RequestedAt: time.Now(),
	}

	if m.autoApprove {
		decision := &Decision{
			TaskID:    task.ID,
			Approved:  true,
			DecidedBy: "auto",
			DiffHash:  req.DiffHash,
			DecidedAt: time.Now(),
		}
		m.debugLog("[approval] task %s auto-approved (%d files)", task.ID, len(changes))
		m.publish(bus.EventApprovalResolved, req, "auto-approved")
		return decision, nil
	}

	ch := make(chan Decision, 1)
	m.mu.Lock()
	if _, exists := m.pending[task.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("approval already pending for task %s", task.ID)
	}
	m.pending[task.ID] = ch
	m.requests[task.ID] = req
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, task.ID)
		delete(m.requests, task.ID)
		m.mu.Unlock()
	}()

	m.debugLog("[approval] task %s awaiting decision (%d files, hash %.8s)", task.ID, len(changes), req.DiffHash)
	m.publish(bus.EventApprovalRequested, req, req.Summary)

	var timeoutCh <-chan time.Time
	if m.timeout > 0 {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var decision Decision
	select {
	case decision = <-ch:
		decision.DiffHash = req.DiffHash
	case <-timeoutCh:
		decision = Decision{
			TaskID:    task.ID,
			Approved:  false,
			Note:      fmt.Sprintf("no decision within %s", m.timeout),
			DecidedBy: "timeout",
			DiffHash:  req.DiffHash,
		}
	case <-ctx.Done():
		decision = Decision{
			TaskID:    task.ID,
			Approved:  false,
			Note:      "run ended before a decision",
			DecidedBy: "cancelled",
			DiffHash:  req.DiffHash,
		}
	}
	decision.DecidedAt = time.Now()

	m.debugLog("[approval] task %s decided: approved=%v by %s", task.ID, decision.Approved, decision.DecidedBy)
	m.publish(bus.EventApprovalResolved, req, decision.DecidedBy)
	return &decision, nil
}

// Submit delivers an operator decision for a pending request. It reports
// whether a request was actually waiting.
func (m *Manager) Submit(taskID string, approved bool, note string) bool {
	m.mu.RLock()
	ch, exists := m.pending[taskID]
	m.mu.RUnlock()
	if !exists {
		return false
	}

	select {
	case ch <- Decision{TaskID: taskID, Approved: approved, Note: note, DecidedBy: "operator"}:
		return true
	default:
		// Already decided.
		return false
	}
}

// Pending returns the outstanding requests, oldest first.
func (m *Manager) Pending() []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		dup := *req
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Valid reports whether a decision still binds the given change set. A
// branch mutated after approval needs re-approval.
func Valid(d *Decision, changes []vbranch.FileChange) bool {
	return d != nil && d.Approved && d.DiffHash == DiffHash(RenderDiff(changes))
}

// DiffHash is the SHA-256 of a rendered change set.
func DiffHash(diff string) string {
	sum := sha256.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:])
}

// RenderDiff flattens a change set into one reviewable document, with a
// header line per file.
func RenderDiff(changes []vbranch.FileChange) string {
	sorted := append([]vbranch.FileChange(nil), changes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var sb strings.Builder
	for _, c := range sorted {
		fmt.Fprintf(&sb, "--- %s (%s)\n", c.Path, c.Kind)
		body := c.Diff
		if body == "" {
			body = c.Modified
		}
		sb.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (m *Manager) publish(eventType bus.EventType, req *Request, message string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Type:    eventType,
		TaskID:  req.TaskID,
		AgentID: req.AgentID,
		Message: message,
		Data: map[string]any{
			"title":     req.Title,
			"diff":      req.Diff,
			"diff_hash": req.DiffHash,
		},
	})
}

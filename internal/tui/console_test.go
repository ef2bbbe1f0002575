package tui

import (
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kunho817/echelon/internal/approval"
	"github.com/kunho817/echelon/internal/bus"
)

type recordedDecision struct {
	taskID   string
	approved bool
	note     string
}

// decisionRecorder stands in for approval.Manager.Submit.
type decisionRecorder struct {
	decisions []recordedDecision
	stale     bool
}

func (r *decisionRecorder) submit(taskID string, approved bool, note string) bool {
	r.decisions = append(r.decisions, recordedDecision{taskID, approved, note})
	return !r.stale
}

func pendingRequest(taskID, title, diff string) *approval.Request {
	return &approval.Request{
		TaskID:      taskID,
		AgentID:     "agent-" + taskID,
		Title:       title,
		Summary:     "1 file(s) changed",
		Diff:        diff,
		DiffHash:    approval.DiffHash(diff),
		RequestedAt: time.Now(),
	}
}

func newTestConsole(t *testing.T, rec *decisionRecorder, pending ...*approval.Request) *Console {
	t.Helper()
	c := NewConsole(rec.submit, pending...)
	return press(c, tea.WindowSizeMsg{Width: 80, Height: 24})
}

func press(c *Console, msg tea.Msg) *Console {
	model, _ := c.Update(msg)
	return model.(*Console)
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestApproveAdvancesQueue(t *testing.T) {
	rec := &decisionRecorder{}
	c := newTestConsole(t, rec,
		pendingRequest("task-1", "wire the cache", "--- a.ts (modify)\n+x\n"),
		pendingRequest("task-2", "add retries", "--- b.ts (create)\n+y\n"),
	)

	if cur := c.current(); cur == nil || cur.TaskID != "task-1" {
		t.Fatalf("expected task-1 at the front, got %+v", cur)
	}

	c = press(c, keyRunes("y"))
	if len(rec.decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(rec.decisions))
	}
	if d := rec.decisions[0]; d.taskID != "task-1" || !d.approved || d.note != "" {
		t.Errorf("unexpected decision %+v", d)
	}
	if cur := c.current(); cur == nil || cur.TaskID != "task-2" {
		t.Fatalf("expected task-2 after approval, got %+v", cur)
	}

	c = press(c, keyRunes("y"))
	if c.current() != nil {
		t.Errorf("queue should be empty after both approvals")
	}
	if !strings.Contains(c.View(), "no approvals pending") {
		t.Errorf("empty-queue view missing idle message:\n%s", c.View())
	}
}

func TestRejectRecordsNote(t *testing.T) {
	rec := &decisionRecorder{}
	c := newTestConsole(t, rec, pendingRequest("task-1", "risky change", "--- a.ts (modify)\n+x\n"))

	c = press(c, keyRunes("n"))
	if !c.noting {
		t.Fatalf("n should open the note input")
	}
	c = press(c, keyRunes("out of scope"))
	c = press(c, tea.KeyMsg{Type: tea.KeyEnter})

	if len(rec.decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(rec.decisions))
	}
	if d := rec.decisions[0]; d.taskID != "task-1" || d.approved || d.note != "out of scope" {
		t.Errorf("unexpected decision %+v", d)
	}
	if c.current() != nil {
		t.Errorf("queue should be empty after rejection")
	}
}

func TestEscapeCancelsNote(t *testing.T) {
	rec := &decisionRecorder{}
	c := newTestConsole(t, rec, pendingRequest("task-1", "risky change", "--- a.ts (modify)\n+x\n"))

	c = press(c, keyRunes("n"))
	c = press(c, keyRunes("half a thought"))
	c = press(c, tea.KeyMsg{Type: tea.KeyEsc})

	if c.noting {
		t.Errorf("esc should close the note input")
	}
	if len(rec.decisions) != 0 {
		t.Errorf("esc should not submit, got %+v", rec.decisions)
	}
	if cur := c.current(); cur == nil || cur.TaskID != "task-1" {
		t.Errorf("request should survive a cancelled note, got %+v", cur)
	}
}

func TestResolvedElsewhereDropsRequest(t *testing.T) {
	rec := &decisionRecorder{}
	c := newTestConsole(t, rec,
		pendingRequest("task-1", "first", "--- a.ts (modify)\n+x\n"),
		pendingRequest("task-2", "second", "--- b.ts (create)\n+y\n"),
	)

	c = press(c, ApprovalResolvedMsg{TaskID: "task-1", DecidedBy: "timeout"})
	if cur := c.current(); cur == nil || cur.TaskID != "task-2" {
		t.Fatalf("expected task-2 after external resolution, got %+v", cur)
	}
	if len(rec.decisions) != 0 {
		t.Errorf("external resolution must not submit, got %+v", rec.decisions)
	}
}

func TestReRequestReplacesPayload(t *testing.T) {
	rec := &decisionRecorder{}
	c := newTestConsole(t, rec, pendingRequest("task-1", "first", "--- a.ts (modify)\n+old\n"))

	updated := pendingRequest("task-1", "first", "--- a.ts (modify)\n+new\n")
	c = press(c, ApprovalRequestMsg{Request: updated})

	if len(c.queue) != 1 {
		t.Fatalf("re-request must replace, not append; queue has %d", len(c.queue))
	}
	if got := c.current().DiffHash; got != updated.DiffHash {
		t.Errorf("expected replacement hash %.8s, got %.8s", updated.DiffHash, got)
	}
}

func TestStaleDecisionStillClearsRequest(t *testing.T) {
	rec := &decisionRecorder{stale: true}
	c := newTestConsole(t, rec, pendingRequest("task-1", "first", "--- a.ts (modify)\n+x\n"))

	c = press(c, keyRunes("y"))
	if len(rec.decisions) != 1 {
		t.Fatalf("expected the submit attempt to be recorded")
	}
	if c.current() != nil {
		t.Errorf("stale request should leave the queue")
	}
}

func TestTabJumpsToNextFileHeader(t *testing.T) {
	var lines []string
	lines = append(lines, "--- a.ts (modify)")
	for i := 0; i < 9; i++ {
		lines = append(lines, fmt.Sprintf("+a%d", i))
	}
	lines = append(lines, "--- b.ts (create)")
	for i := 0; i < 30; i++ {
		lines = append(lines, fmt.Sprintf("+b%d", i))
	}
	diff := strings.Join(lines, "\n") + "\n"

	rec := &decisionRecorder{}
	c := newTestConsole(t, rec, pendingRequest("task-1", "two files", diff))

	if len(c.headerLines) != 2 {
		t.Fatalf("expected 2 file headers, got %v", c.headerLines)
	}
	if c.vp.YOffset != 0 {
		t.Fatalf("viewport should open at the top, got offset %d", c.vp.YOffset)
	}

	c = press(c, tea.KeyMsg{Type: tea.KeyTab})
	if c.vp.YOffset != 10 {
		t.Errorf("tab should land on the second header at line 10, got %d", c.vp.YOffset)
	}

	c = press(c, tea.KeyMsg{Type: tea.KeyTab})
	if c.vp.YOffset != 0 {
		t.Errorf("tab past the last header should wrap to the first, got %d", c.vp.YOffset)
	}
}

func TestDetachAndMissionDoneQuit(t *testing.T) {
	rec := &decisionRecorder{}
	c := newTestConsole(t, rec)

	_, cmd := c.Update(keyRunes("q"))
	if cmd == nil {
		t.Fatalf("q should produce a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("q should quit, got %T", cmd())
	}

	model, cmd := c.Update(MissionDoneMsg{Status: "completed"})
	if cmd == nil {
		t.Fatalf("mission end should produce a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("mission end should quit, got %T", cmd())
	}
	if got := model.(*Console).status; got != "completed" {
		t.Errorf("expected status completed, got %q", got)
	}
}

func TestDiffLineClass(t *testing.T) {
	cases := []struct {
		line string
		want diffClass
	}{
		{"+added line", diffAdd},
		{"-removed line", diffRemove},
		{"+++ b/file.ts", diffHeader},
		{"--- src/a.ts (modify)", diffHeader},
		{"@@ -1,4 +1,4 @@", diffHeader},
		{"diff --git a/x b/x", diffHeader},
		{"index 3f1a2b..9c0d1e 100644", diffHeader},
		{" unchanged line", diffContext},
		{"", diffContext},
	}
	for _, tc := range cases {
		if got := diffLineClass(tc.line); got != tc.want {
			t.Errorf("diffLineClass(%q) = %d, want %d", tc.line, got, tc.want)
		}
	}
}

func TestMessageFor(t *testing.T) {
	now := time.Now()
	e := bus.Event{
		Type:      bus.EventApprovalRequested,
		TaskID:    "task-9",
		AgentID:   "agent-3",
		Message:   "2 file(s) changed",
		Timestamp: now,
		Data: map[string]any{
			"title":     "wire the cache",
			"diff":      "--- a.ts (modify)\n+x\n",
			"diff_hash": "abc123",
		},
	}

	msg, ok := messageFor(e).(ApprovalRequestMsg)
	if !ok {
		t.Fatalf("expected ApprovalRequestMsg, got %T", messageFor(e))
	}
	req := msg.Request
	if req.TaskID != "task-9" || req.AgentID != "agent-3" || req.Title != "wire the cache" {
		t.Errorf("request fields not carried over: %+v", req)
	}
	if req.DiffHash != "abc123" || req.Summary != "2 file(s) changed" || !req.RequestedAt.Equal(now) {
		t.Errorf("request metadata not carried over: %+v", req)
	}

	resolved, ok := messageFor(bus.Event{Type: bus.EventApprovalResolved, TaskID: "task-9", Message: "timeout"}).(ApprovalResolvedMsg)
	if !ok || resolved.TaskID != "task-9" || resolved.DecidedBy != "timeout" {
		t.Errorf("unexpected resolved message %+v", resolved)
	}

	if done, ok := messageFor(bus.Event{Type: bus.EventMissionCancelled}).(MissionDoneMsg); !ok || done.Status != "cancelled" {
		t.Errorf("unexpected mission message %+v", done)
	}

	if msg := messageFor(bus.Event{Type: bus.EventTaskStarted}); msg != nil {
		t.Errorf("task events should not reach the console, got %T", msg)
	}
}

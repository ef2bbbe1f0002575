package approval

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/vbranch"
	"github.com/kunho817/echelon/pkg/models"
)

func sampleTask() *models.Task {
	return &models.Task{
		ID:            "task-1",
		Title:         "add the endpoint",
		AssignedAgent: "agent-1",
		Level:         models.LevelExecutor,
	}
}

func sampleChanges() []vbranch.FileChange {
	return []vbranch.FileChange{
		{Path: "src/api.ts", Kind: vbranch.ChangeModify, Diff: "@@ -1 +1 @@\n-old\n+new"},
		{Path: "src/new.ts", Kind: vbranch.ChangeCreate, Modified: "export const x = 1;"},
	}
}

func TestRequestApproved(t *testing.T) {
	m := New(5 * time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Wait until the request registers, then decide.
		for i := 0; i < 100; i++ {
			if m.Submit("task-1", true, "looks right") {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Error("request never became pending")
	}()

	decision, err := m.Request(context.Background(), sampleTask(), sampleChanges())
	wg.Wait()
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !decision.Approved {
		t.Error("decision not approved")
	}
	if decision.DecidedBy != "operator" {
		t.Errorf("DecidedBy = %q, want operator", decision.DecidedBy)
	}
	if decision.Note != "looks right" {
		t.Errorf("Note = %q", decision.Note)
	}
	if decision.DiffHash == "" {
		t.Error("decision not bound to a diff hash")
	}
}

func TestRequestTimeoutRejects(t *testing.T) {
	m := New(20 * time.Millisecond)

	decision, err := m.Request(context.Background(), sampleTask(), sampleChanges())
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if decision.Approved {
		t.Error("timeout should reject")
	}
	if decision.DecidedBy != "timeout" {
		t.Errorf("DecidedBy = %q, want timeout", decision.DecidedBy)
	}
}

func TestRequestContextCancelRejects(t *testing.T) {
	m := New(0) // no timeout: only the context can end the wait

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	decision, err := m.Request(ctx, sampleTask(), sampleChanges())
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if decision.Approved {
		t.Error("cancelled run should reject")
	}
	if decision.DecidedBy != "cancelled" {
		t.Errorf("DecidedBy = %q, want cancelled", decision.DecidedBy)
	}
}

func TestAutoApprove(t *testing.T) {
	m := New(time.Hour)
	m.SetAutoApprove(true)

	start := time.Now()
	decision, err := m.Request(context.Background(), sampleTask(), sampleChanges())
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("auto-approve should not block")
	}
	if !decision.Approved || decision.DecidedBy != "auto" {
		t.Errorf("decision = %+v, want immediate auto approval", decision)
	}
}

func TestSubmitWithoutPendingRequest(t *testing.T) {
	m := New(time.Second)
	if m.Submit("ghost", true, "") {
		t.Error("Submit with nothing pending should report false")
	}
}

func TestPendingListsOutstandingRequests(t *testing.T) {
	m := New(time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Request(context.Background(), sampleTask(), sampleChanges())
	}()

	var pending []*Request
	for i := 0; i < 100; i++ {
		pending = m.Pending()
		if len(pending) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d requests, want 1", len(pending))
	}
	if pending[0].TaskID != "task-1" || pending[0].Title != "add the endpoint" {
		t.Errorf("pending request = %+v", pending[0])
	}
	if !strings.Contains(pending[0].Diff, "src/api.ts") {
		t.Errorf("diff missing file header:\n%s", pending[0].Diff)
	}

	m.Submit("task-1", false, "not yet")
	<-done
	if got := m.Pending(); len(got) != 0 {
		t.Errorf("pending after decision = %d, want 0", len(got))
	}
}

func TestRequestPublishesEvents(t *testing.T) {
	m := New(10 * time.Millisecond)
	b := bus.New(0)
	defer b.Close()
	m.SetBus(b)

	var mu sync.Mutex
	var seen []bus.EventType
	b.SubscribeAll(func(e bus.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	if _, err := m.Request(context.Background(), sampleTask(), sampleChanges()); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != bus.EventApprovalRequested || seen[1] != bus.EventApprovalResolved {
		t.Errorf("events = %v, want requested then resolved", seen)
	}
}

func TestValidBindsDiffHash(t *testing.T) {
	changes := sampleChanges()
	decision := &Decision{Approved: true, DiffHash: DiffHash(RenderDiff(changes))}

	if !Valid(decision, changes) {
		t.Error("decision should bind the unchanged set")
	}

	mutated := append([]vbranch.FileChange(nil), changes...)
	mutated[0].Diff = "@@ -1 +1 @@\n-old\n+different"
	if Valid(decision, mutated) {
		t.Error("decision should not survive a mutated change set")
	}

	rejected := &Decision{Approved: false, DiffHash: decision.DiffHash}
	if Valid(rejected, changes) {
		t.Error("a rejection never validates")
	}
}

func TestRenderDiffDeterministic(t *testing.T) {
	a := RenderDiff(sampleChanges())
	reversed := []vbranch.FileChange{sampleChanges()[1], sampleChanges()[0]}
	b := RenderDiff(reversed)
	if a != b {
		t.Error("render order should not depend on input order")
	}
	if !strings.Contains(a, "--- src/api.ts (modify)") {
		t.Errorf("missing header:\n%s", a)
	}
}

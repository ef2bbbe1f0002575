package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kunho817/echelon/internal/api"
	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/config"
	"github.com/kunho817/echelon/pkg/models"
)

// scriptedInvoker answers invocations from a handler function and tracks
// concurrency peaks globally and per level.
type scriptedInvoker struct {
	handler func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error)

	mu        sync.Mutex
	calls     []api.Request
	cancelled []string
	cur       int
	peak      int
	curLevel  map[models.Level]int
	peakLevel map[models.Level]int
}

func newScriptedInvoker(handler func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error)) *scriptedInvoker {
	return &scriptedInvoker{
		handler:   handler,
		curLevel:  make(map[models.Level]int),
		peakLevel: make(map[models.Level]int),
	}
}

func (f *scriptedInvoker) Execute(ctx context.Context, level models.Level, req api.Request) (*api.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.cur++
	if f.cur > f.peak {
		f.peak = f.cur
	}
	f.curLevel[level]++
	if f.curLevel[level] > f.peakLevel[level] {
		f.peakLevel[level] = f.curLevel[level]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.cur--
		f.curLevel[level]--
		f.mu.Unlock()
	}()
	return f.handler(ctx, level, req)
}

func (f *scriptedInvoker) Cancel(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return true
}

func decompositionReply(summary string, subs ...map[string]any) *api.Response {
	doc := map[string]any{"summary": summary, "subTasks": subs}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return &api.Response{
		Content: string(raw),
		Usage:   api.Usage{InputTokens: 10, OutputTokens: 20},
	}
}

func sub(title string, deps ...string) map[string]any {
	m := map[string]any{"title": title, "description": "scripted step"}
	if len(deps) > 0 {
		m["dependencies"] = deps
	}
	return m
}

func leafReply(path, kind, content string) *api.Response {
	return &api.Response{
		Content:           "file changes attached",
		StructuredChanges: []api.FileSpec{{Path: path, Kind: kind, Content: content}},
		Usage:             api.Usage{InputTokens: 10, OutputTokens: 20},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Approval.AutoApprove = true
	cfg.Approval.TimeoutMinutes = 1
	cfg.Execution.StaggerMillis = 0
	return cfg
}

func writePlan(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.md")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func newTestCoordinator(t *testing.T, cfg *config.Config, invoker api.Invoker) (*Coordinator, string) {
	t.Helper()
	root := t.TempDir()
	coord, err := New(RequiredConfig{ProjectRoot: root, Config: cfg, Invoker: invoker})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return coord, root
}

func runMission(t *testing.T, coord *Coordinator, planPath string) *Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := coord.Run(ctx, planPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report == nil {
		t.Fatal("Run returned nil report")
	}
	return report
}

// eventCollector records bus events for post-run assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []bus.Event
}

func collectEvents(b *bus.Bus) *eventCollector {
	c := &eventCollector{}
	b.SubscribeAll(func(e bus.Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	})
	return c
}

func (c *eventCollector) ofType(t bus.EventType) []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestRunDrivesTreeToMergedLeaves(t *testing.T) {
	var leafSeq sync.Mutex
	leafCount := 0

	fake := newScriptedInvoker(func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error) {
		time.Sleep(20 * time.Millisecond)
		switch {
		case level == models.LevelStrategist:
			return decompositionReply("four independent workstreams",
				sub("workstream one"), sub("workstream two"), sub("workstream three"), sub("workstream four")), nil
		case level.IsLeaf():
			leafSeq.Lock()
			leafCount++
			n := leafCount
			leafSeq.Unlock()
			path := fmt.Sprintf("src/stream_%d.ts", n)
			return leafReply(path, "create", fmt.Sprintf("export const stream = %d;\n", n)), nil
		default:
			return decompositionReply("pass through", sub("next step")), nil
		}
	})

	cfg := testConfig()
	cfg.Execution.GlobalMaxConcurrent = 3

	coord, root := newTestCoordinator(t, cfg, fake)
	report := runMission(t, coord, writePlan(t, "# Four streams\n\nBuild four files."))

	if report.Status != models.MissionStatusCompleted {
		t.Fatalf("mission status = %s, want %s", report.Status, models.MissionStatusCompleted)
	}
	if report.Tasks.Total != 21 {
		t.Errorf("total tasks = %d, want 21", report.Tasks.Total)
	}
	if got := report.Tasks.Counts[models.TaskStatusMerged]; got != 4 {
		t.Errorf("merged leaves = %d, want 4", got)
	}
	if got := report.Tasks.Counts[models.TaskStatusCompleted]; got != 17 {
		t.Errorf("completed non-leaves = %d, want 17", got)
	}
	if report.Calls != 21 {
		t.Errorf("model calls = %d, want 21", report.Calls)
	}
	if report.InputTokens != 210 || report.OutputTokens != 420 {
		t.Errorf("token totals = %d/%d, want 210/420", report.InputTokens, report.OutputTokens)
	}

	for n := 1; n <= 4; n++ {
		path := filepath.Join(root, "src", fmt.Sprintf("stream_%d.ts", n))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("merged file %s missing: %v", path, err)
		}
	}
}

func TestRunHonorsConcurrencyCeilings(t *testing.T) {
	fake := newScriptedInvoker(func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error) {
		time.Sleep(25 * time.Millisecond)
		switch {
		case level == models.LevelStrategist:
			return decompositionReply("spread wide",
				sub("lane one"), sub("lane two"), sub("lane three"), sub("lane four")), nil
		case level.IsLeaf():
			return &api.Response{Content: "analysis only, no changes", Usage: api.Usage{InputTokens: 10, OutputTokens: 20}}, nil
		default:
			return decompositionReply("pass through", sub("next step")), nil
		}
	})

	cfg := testConfig()
	cfg.Execution.GlobalMaxConcurrent = 3

	coord, _ := newTestCoordinator(t, cfg, fake)
	report := runMission(t, coord, writePlan(t, "# Ceiling exercise\n\nFour parallel lanes."))

	if report.Status != models.MissionStatusCompleted {
		t.Fatalf("mission status = %s, want completed", report.Status)
	}

	fake.mu.Lock()
	peak := fake.peak
	peakArchitect := fake.peakLevel[models.LevelArchitect]
	peakPlanner := fake.peakLevel[models.LevelPlanner]
	fake.mu.Unlock()

	if peak > 3 {
		t.Errorf("global concurrency peak = %d, exceeds ceiling 3", peak)
	}
	if peak < 2 {
		t.Errorf("global concurrency peak = %d, four lanes should overlap", peak)
	}
	if peakArchitect > 2 {
		t.Errorf("architect concurrency peak = %d, exceeds level ceiling 2", peakArchitect)
	}
	if peakPlanner > 2 {
		t.Errorf("planner concurrency peak = %d, exceeds level ceiling 2", peakPlanner)
	}
}

func TestRunHonorsDependencyOrder(t *testing.T) {
	fake := newScriptedInvoker(func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error) {
		switch {
		case level == models.LevelStrategist:
			return decompositionReply("ordered pair",
				sub("first piece"), sub("second piece", "first piece")), nil
		case level.IsLeaf():
			return &api.Response{Content: "done", Usage: api.Usage{InputTokens: 10, OutputTokens: 20}}, nil
		default:
			title := "first step"
			if strings.Contains(req.Prompt, "second") {
				title = "second step"
			}
			return decompositionReply("pass through", sub(title)), nil
		}
	})

	coord, _ := newTestCoordinator(t, testConfig(), fake)
	report := runMission(t, coord, writePlan(t, "# Ordered work\n\nSecond depends on first."))

	if report.Status != models.MissionStatusCompleted {
		t.Fatalf("mission status = %s, want completed", report.Status)
	}

	fake.mu.Lock()
	firstIdx, secondIdx := -1, -1
	for i, req := range fake.calls {
		if !strings.Contains(req.System, "architect") {
			continue
		}
		if strings.Contains(req.Prompt, "first piece") {
			firstIdx = i
		}
		if strings.Contains(req.Prompt, "second piece") {
			secondIdx = i
		}
	}
	fake.mu.Unlock()

	if firstIdx < 0 || secondIdx < 0 {
		t.Fatalf("architect invocations missing: first=%d second=%d", firstIdx, secondIdx)
	}
	if secondIdx < firstIdx {
		t.Errorf("dependent task invoked at %d before its dependency at %d", secondIdx, firstIdx)
	}
}

const sharedBase = `export function sumItems(items: number[]): number {
  let total = 0;
  for (const item of items) {
    total += item;
  }
  return total;
}
`

const sharedOurs = `export function sumItems(items: number[]): number {
  let total = 0; // running sum
  for (const item of items) {
    total += item;
  }
  return total;
}
`

const sharedTheirs = `export function sumItems(items: number[]): number {
  let total = 0;
  for (const item of items) {
    total += item;
  }
  return Math.round(total);
}
`

const sharedMergedWant = `export function sumItems(items: number[]): number {
  let total = 0; // running sum
  for (const item of items) {
    total += item;
  }
  return Math.round(total);
}
`

// Two executor chains edit the same function in src/shared.ts on different
// lines. Both branches must be live when the second one settles, so the
// leaf replies are released together and approvals are held until both
// requests are pending.
func TestRunTwoBranchConflictAutoResolved(t *testing.T) {
	var barrier sync.WaitGroup
	barrier.Add(2)

	fake := newScriptedInvoker(func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error) {
		switch {
		case level == models.LevelStrategist:
			return decompositionReply("two touches on the shared module",
				sub("alpha change"), sub("beta change")), nil
		case level.IsLeaf():
			barrier.Done()
			barrier.Wait()
			if strings.Contains(req.Prompt, "beta") {
				return leafReply("src/shared.ts", "modify", sharedTheirs), nil
			}
			return leafReply("src/shared.ts", "modify", sharedOurs), nil
		default:
			title := "alpha change"
			if strings.Contains(req.Prompt, "beta") {
				title = "beta change"
			}
			return decompositionReply("pass through", sub(title)), nil
		}
	})

	cfg := testConfig()
	cfg.Approval.AutoApprove = false

	coord, root := newTestCoordinator(t, cfg, fake)
	events := collectEvents(coord.Bus())

	if err := os.MkdirAll(filepath.Join(root, "src"), 0755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "shared.ts"), []byte(sharedBase), 0644); err != nil {
		t.Fatalf("seed shared.ts: %v", err)
	}

	// Approve everything, but only once both leaves are waiting so the
	// second settle sees two active branches.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		sawBoth := false
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			pending := coord.Approvals().Pending()
			if !sawBoth {
				if len(pending) < 2 {
					continue
				}
				sawBoth = true
			}
			for _, req := range pending {
				coord.Approvals().Submit(req.TaskID, true, "looks good")
			}
		}
	}()

	report := runMission(t, coord, writePlan(t, "# Shared module\n\nTwo concurrent edits."))

	if report.Status != models.MissionStatusCompleted {
		t.Fatalf("mission status = %s, want completed", report.Status)
	}

	got, err := os.ReadFile(filepath.Join(root, "src", "shared.ts"))
	if err != nil {
		t.Fatalf("read merged file: %v", err)
	}
	if string(got) != sharedMergedWant {
		t.Errorf("merged content:\n%s\nwant:\n%s", got, sharedMergedWant)
	}

	if detected := events.ofType(bus.EventConflictDetected); len(detected) == 0 {
		t.Error("no conflict_detected event published")
	}
	resolved := events.ofType(bus.EventConflictResolved)
	if len(resolved) == 0 {
		t.Fatal("no conflict_resolved event published")
	}
	if resolved[0].Message != "auto" {
		t.Errorf("resolution strategy = %q, want auto", resolved[0].Message)
	}

	for _, task := range coord.Graph().TasksForMission(report.MissionID) {
		if task.Level.IsLeaf() && task.Status != models.TaskStatusMerged {
			t.Errorf("leaf %s status = %s, want merged", task.Title, task.Status)
		}
	}
}

func TestRunRejectionAbandonsBranch(t *testing.T) {
	fake := newScriptedInvoker(func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error) {
		switch {
		case level == models.LevelStrategist:
			return decompositionReply("one feature", sub("the feature")), nil
		case level.IsLeaf():
			return leafReply("src/feature.ts", "create", "export const feature = true;\n"), nil
		default:
			return decompositionReply("pass through", sub("the feature")), nil
		}
	})

	cfg := testConfig()
	cfg.Approval.AutoApprove = false

	coord, root := newTestCoordinator(t, cfg, fake)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			for _, req := range coord.Approvals().Pending() {
				coord.Approvals().Submit(req.TaskID, false, "not in scope")
			}
		}
	}()

	report := runMission(t, coord, writePlan(t, "# Feature\n\nOne rejected feature."))

	if report.Status != models.MissionStatusFailed {
		t.Fatalf("mission status = %s, want failed", report.Status)
	}
	if got := report.Tasks.Counts[models.TaskStatusRejected]; got != 1 {
		t.Errorf("rejected tasks = %d, want 1", got)
	}

	var leaf *models.Task
	for _, task := range coord.Graph().TasksForMission(report.MissionID) {
		if task.Level.IsLeaf() {
			leaf = task
		}
	}
	if leaf == nil {
		t.Fatal("no leaf task found")
	}
	if leaf.Status != models.TaskStatusRejected {
		t.Errorf("leaf status = %s, want rejected", leaf.Status)
	}
	if leaf.RetryCount != 0 {
		t.Errorf("leaf retry count = %d, rejection must not retry", leaf.RetryCount)
	}
	if leaf.Error == "" {
		t.Error("leaf should carry the rejection note")
	}

	if _, err := os.Stat(filepath.Join(root, "src", "feature.ts")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("rejected change reached the workspace: %v", err)
	}
	if active := coord.Branches().ActiveBranches(); len(active) != 0 {
		t.Errorf("active branches after rejection = %d, want 0", len(active))
	}
}

func TestCancelMissionDrainsInFlight(t *testing.T) {
	started := make(chan struct{}, 4)

	fake := newScriptedInvoker(func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error) {
		if level == models.LevelStrategist {
			return decompositionReply("two long tasks", sub("long one"), sub("long two")), nil
		}
		// Architects block until cancelled.
		started <- struct{}{}
		<-ctx.Done()
		return nil, api.ErrCancelled
	})

	coord, _ := newTestCoordinator(t, testConfig(), fake)
	planPath := writePlan(t, "# Long haul\n\nTwo blocked tasks.")

	type runResult struct {
		report *Report
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		report, err := coord.Run(ctx, planPath)
		done <- runResult{report, err}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(10 * time.Second):
			t.Fatal("architect invocations never started")
		}
	}
	coord.CancelMission("operator request")

	var report *Report
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Run after cancel: %v", res.err)
		}
		report = res.report
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not drain after cancel")
	}

	if report.Status != models.MissionStatusCancelled {
		t.Fatalf("mission status = %s, want cancelled", report.Status)
	}
	if got := report.Tasks.Counts[models.TaskStatusCancelled]; got != 2 {
		t.Errorf("cancelled tasks = %d, want 2", got)
	}
	if got := report.Tasks.Counts[models.TaskStatusCompleted]; got != 1 {
		t.Errorf("completed tasks = %d, want 1 (the strategist)", got)
	}

	fake.mu.Lock()
	cancelCalls := len(fake.cancelled)
	fake.mu.Unlock()
	if cancelCalls != 2 {
		t.Errorf("invoker cancel calls = %d, want 2", cancelCalls)
	}
}

func TestPauseControllerGate(t *testing.T) {
	p := NewPauseController()
	if p.IsPaused() {
		t.Fatal("new controller should not be paused")
	}

	// Unpaused wait returns immediately.
	if err := p.WaitIfPaused(context.Background()); err != nil {
		t.Fatalf("WaitIfPaused unpaused: %v", err)
	}

	p.Pause()
	released := make(chan error, 1)
	go func() {
		released <- p.WaitIfPaused(context.Background())
	}()

	select {
	case err := <-released:
		t.Fatalf("WaitIfPaused returned %v while paused", err)
	case <-time.After(30 * time.Millisecond):
	}

	p.Resume()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("WaitIfPaused after resume: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WaitIfPaused did not return after Resume")
	}
}

func TestPauseControllerStopAndContext(t *testing.T) {
	p := NewPauseController()
	p.Pause()

	released := make(chan error, 1)
	go func() {
		released <- p.WaitIfPaused(context.Background())
	}()
	time.Sleep(10 * time.Millisecond)
	p.Stop()
	select {
	case err := <-released:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("WaitIfPaused after Stop = %v, want ErrStopped", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WaitIfPaused did not return after Stop")
	}

	p2 := NewPauseController()
	p2.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	released2 := make(chan error, 1)
	go func() {
		released2 <- p2.WaitIfPaused(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-released2:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("WaitIfPaused after ctx cancel = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WaitIfPaused did not return after ctx cancel")
	}
}

func TestRunDropsProtectedPathChanges(t *testing.T) {
	fake := newScriptedInvoker(func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error) {
		switch {
		case level == models.LevelStrategist:
			return decompositionReply("one guarded write", sub("the write")), nil
		case level.IsLeaf():
			return &api.Response{
				Content: "three writes attempted",
				StructuredChanges: []api.FileSpec{
					{Path: "src/real.ts", Kind: "create", Content: "export const ok = 1;\n"},
					{Path: ".env", Kind: "create", Content: "API_KEY=leaked\n"},
					{Path: ".echelon/echelon.db", Kind: "modify", Content: "garbage"},
				},
				Usage: api.Usage{InputTokens: 10, OutputTokens: 20},
			}, nil
		default:
			return decompositionReply("pass through", sub("the write")), nil
		}
	})

	coord, root := newTestCoordinator(t, testConfig(), fake)
	report := runMission(t, coord, writePlan(t, "# Guarded\n\nOne write plus two that must not land."))

	if report.Status != models.MissionStatusCompleted {
		t.Fatalf("mission status = %s, want completed", report.Status)
	}
	if _, err := os.Stat(filepath.Join(root, "src", "real.ts")); err != nil {
		t.Errorf("allowed change missing: %v", err)
	}
	for _, rel := range []string{".env", filepath.Join(".echelon", "echelon.db")} {
		if _, err := os.Stat(filepath.Join(root, rel)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("protected path %s reached the workspace (stat err: %v)", rel, err)
		}
	}
}

func TestRootTaskContextCarriesProjectLayout(t *testing.T) {
	fake := newScriptedInvoker(func(ctx context.Context, level models.Level, req api.Request) (*api.Response, error) {
		switch {
		case level == models.LevelStrategist:
			return decompositionReply("single lane", sub("only step")), nil
		case level.IsLeaf():
			return &api.Response{Content: "done", Usage: api.Usage{InputTokens: 10, OutputTokens: 20}}, nil
		default:
			return decompositionReply("pass through", sub("only step")), nil
		}
	})

	coord, root := newTestCoordinator(t, testConfig(), fake)
	for _, rel := range []string{"src/index.ts", "src/app.ts"} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte("export {};\n"), 0644); err != nil {
			t.Fatalf("seed %s: %v", rel, err)
		}
	}

	report := runMission(t, coord, writePlan(t, "# Lane\n\nOne lane."))
	if report.Status != models.MissionStatusCompleted {
		t.Fatalf("mission status = %s, want completed", report.Status)
	}

	fake.mu.Lock()
	rootCtx := fake.calls[0].Context
	var architectCtx string
	for _, req := range fake.calls {
		if strings.Contains(req.System, "architect") {
			architectCtx = req.Context
			break
		}
	}
	fake.mu.Unlock()

	if !strings.Contains(rootCtx, "Project layout:") || !strings.Contains(rootCtx, "src: 2 files") {
		t.Errorf("root context missing the layout survey:\n%s", rootCtx)
	}
	if strings.Contains(architectCtx, "Project layout:") {
		t.Errorf("non-root context should not carry the layout survey:\n%s", architectCtx)
	}
}

func TestPlanObjective(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"heading", "# Build the scheduler\n\ndetails", "Build the scheduler"},
		{"deep heading", "\n\n## Phase two\nrest", "Phase two"},
		{"plain line", "ship the thing\nmore", "ship the thing"},
		{"only hashes", "###\n", "plan.md"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := planObjective(tc.body, "/tmp/plan.md"); got != tc.want {
				t.Errorf("planObjective(%q) = %q, want %q", tc.body, got, tc.want)
			}
		})
	}
}

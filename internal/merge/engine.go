package merge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kunho817/echelon/internal/api"
	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/regions"
	"github.com/kunho817/echelon/internal/vbranch"
)

// ErrConflictNotFound indicates an operation referenced an unknown or
// already-retired conflict.
var ErrConflictNotFound = errors.New("conflict not found")

// ConflictStatus is the lifecycle state of one conflict record.
type ConflictStatus string

const (
	// ConflictDetected means the conflict is in the active set, awaiting
	// resolution.
	ConflictDetected ConflictStatus = "detected"
	// ConflictAutoResolved means the deterministic three-way pass
	// reconciled it.
	ConflictAutoResolved ConflictStatus = "auto_resolved"
	// ConflictAIResolved means the model-assisted pass reconciled it.
	ConflictAIResolved ConflictStatus = "ai_resolved"
	// ConflictManual means a marker document was produced for human
	// resolution.
	ConflictManual ConflictStatus = "manual"
)

// Strategy names the pass that produced a resolution.
type Strategy string

const (
	StrategyAuto   Strategy = "auto"
	StrategyAI     Strategy = "ai_assisted"
	StrategyManual Strategy = "manual"
)

// statusFor maps a strategy to the conflict status it leaves behind.
func statusFor(s Strategy) ConflictStatus {
	switch s {
	case StrategyAuto:
		return ConflictAutoResolved
	case StrategyAI:
		return ConflictAIResolved
	default:
		return ConflictManual
	}
}

// RegionPair couples one changed region from each branch's version of the
// conflicting file. The pair is the evidence the two edits genuinely
// clash rather than merely touching the same file.
type RegionPair struct {
	Ours   regions.Region `json:"ours"`
	Theirs regions.Region `json:"theirs"`
}

// StageAttempt records one pass of the resolution pipeline over a
// conflict.
type StageAttempt struct {
	Strategy Strategy  `json:"strategy"`
	At       time.Time `json:"at"`
	// Err is empty when the pass produced a resolution.
	Err string `json:"err,omitempty"`
}

// Conflict is a file simultaneously modified by two active branches.
type Conflict struct {
	ID       string `json:"id"`
	FilePath string `json:"file_path"`
	// Ancestor is the common before-state both branches edited against.
	Ancestor string `json:"ancestor"`
	// BranchA and BranchB are the competing branch IDs. Resolutions land
	// on BranchA; BranchB's change is retracted.
	BranchA string `json:"branch_a"`
	BranchB string `json:"branch_b"`
	// Ours and Theirs are the two branches' modified contents.
	Ours   string `json:"ours"`
	Theirs string `json:"theirs"`
	// Regions lists the overlapping changed-region pairs.
	Regions []RegionPair   `json:"regions,omitempty"`
	Status  ConflictStatus `json:"status"`
	// Attempts is the pipeline's audit trail, oldest first.
	Attempts   []StageAttempt `json:"attempts,omitempty"`
	DetectedAt time.Time      `json:"detected_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	ConflictID string   `json:"conflict_id"`
	Content    string   `json:"content"`
	Strategy   Strategy `json:"strategy"`
	// ResolvedBy identifies the resolver: the pass name for auto, the
	// model for ai_assisted, "operator" once a human settles a manual
	// document.
	ResolvedBy string `json:"resolved_by"`
}

// Engine detects conflicts between active branches and resolves them
// through the staged pipeline.
type Engine struct {
	mu        sync.RWMutex
	conflicts map[string]*Conflict

	branches *vbranch.Store
	analyzer *regions.Analyzer
	resolver *resolver
	bus      *bus.Bus
	debugLog func(format string, args ...interface{})
}

// NewEngine creates an engine over the given branch store and region
// analyzer. Without SetInvoker the model-assisted pass is skipped.
func NewEngine(branches *vbranch.Store, analyzer *regions.Analyzer) *Engine {
	e := &Engine{
		conflicts: make(map[string]*Conflict),
		branches:  branches,
		analyzer:  analyzer,
		debugLog:  func(format string, args ...interface{}) {},
	}
	e.resolver = newResolver(e)
	return e
}

// SetInvoker wires the model collaborator used by the AI pass. The model
// should be the highest-capability one available.
func (e *Engine) SetInvoker(invoker api.Invoker, model string) {
	e.resolver.invoker = invoker
	e.resolver.model = model
}

// SetBus wires the event bus.
func (e *Engine) SetBus(b *bus.Bus) { e.bus = b }

// SetDebugLog sets the debug logging function.
func (e *Engine) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		e.debugLog = fn
	}
}

// DetectConflicts pairs every two active branches, takes their file-level
// intersections, and keeps the files whose changed regions genuinely
// overlap. It returns the full active conflict set, newly found records
// included; stale records whose branches have since closed are dropped.
func (e *Engine) DetectConflicts() ([]*Conflict, error) {
	active := e.branches.ActiveBranches()

	activeIDs := make(map[string]bool, len(active))
	for _, b := range active {
		activeIDs[b.ID] = true
	}
	e.pruneStale(activeIDs)

	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			if err := e.detectPair(active[i], active[j]); err != nil {
				return nil, err
			}
		}
	}

	return e.ActiveConflicts(), nil
}

func (e *Engine) detectPair(a, b *vbranch.Branch) error {
	shared, err := e.branches.ConflictingFiles(a.ID, b.ID)
	if err != nil {
		return fmt.Errorf("conflicting files for %s/%s: %w", a.ID, b.ID, err)
	}

	for _, path := range shared {
		if e.hasActiveConflict(a.ID, b.ID, path) {
			continue
		}

		changeA, err := e.branches.ChangeFor(a.ID, path)
		if err != nil {
			return fmt.Errorf("change on branch %s: %w", a.ID, err)
		}
		changeB, err := e.branches.ChangeFor(b.ID, path)
		if err != nil {
			return fmt.Errorf("change on branch %s: %w", b.ID, err)
		}

		ancestor := changeA.Original
		if changeB.Original != ancestor {
			e.debugLog("[merge.detect] %s: branches disagree on the ancestor, using %s's", path, a.ID)
		}

		pairs := e.overlappingRegions(path, ancestor, changeA.Modified, changeB.Modified)
		if len(pairs) == 0 {
			e.debugLog("[merge.detect] %s: changed regions are disjoint, not a conflict", path)
			continue
		}

		conflict := &Conflict{
			ID:         uuid.New().String(),
			FilePath:   path,
			Ancestor:   ancestor,
			BranchA:    a.ID,
			BranchB:    b.ID,
			Ours:       changeA.Modified,
			Theirs:     changeB.Modified,
			Regions:    pairs,
			Status:     ConflictDetected,
			DetectedAt: time.Now(),
		}

		e.mu.Lock()
		e.conflicts[conflict.ID] = conflict
		e.mu.Unlock()

		e.debugLog("[merge.detect] %s: conflict %s between %s and %s (%d region pairs)",
			path, conflict.ID, a.ID, b.ID, len(pairs))
		e.publish(bus.EventConflictDetected, conflict, fmt.Sprintf("%d region pairs", len(pairs)))
	}
	return nil
}

// overlappingRegions returns the changed-region pairs of the two versions
// whose line ranges intersect.
func (e *Engine) overlappingRegions(path, ancestor, ours, theirs string) []RegionPair {
	changedA := e.changedRegions(path, ancestor, ours)
	changedB := e.changedRegions(path, ancestor, theirs)

	var pairs []RegionPair
	for _, ra := range changedA {
		for _, rb := range changedB {
			if regions.Overlap(ra, rb) {
				pairs = append(pairs, RegionPair{Ours: ra, Theirs: rb})
			}
		}
	}
	return pairs
}

// changedRegions analyzes one version of the file and keeps the regions
// whose text is absent from or different in the ancestor.
func (e *Engine) changedRegions(path, ancestor, version string) []regions.Region {
	verRegions := e.analyzer.AnalyzeFile(path, version)
	if ancestor == "" {
		return verRegions
	}

	ancestorText := make(map[string]string)
	for _, r := range e.analyzer.AnalyzeFile(path, ancestor) {
		ancestorText[regionKey(r)] = regionText(ancestor, r)
	}

	var changed []regions.Region
	for _, r := range verRegions {
		prior, existed := ancestorText[regionKey(r)]
		if !existed || prior != regionText(version, r) {
			changed = append(changed, r)
		}
	}
	return changed
}

// ActiveConflicts returns copies of every unresolved conflict, oldest
// first.
func (e *Engine) ActiveConflicts() []*Conflict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*Conflict
	for _, c := range e.conflicts {
		if c.Status == ConflictDetected {
			out = append(out, cloneConflict(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of one conflict record.
func (e *Engine) Get(conflictID string) (*Conflict, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conflicts[conflictID]
	if !ok {
		return nil, fmt.Errorf("get: %s: %w", conflictID, ErrConflictNotFound)
	}
	return cloneConflict(c), nil
}

// ApplyResolution writes the resolved content back as a new change on the
// first branch, retracts the competing change from the second branch, and
// retires the conflict from the active set.
func (e *Engine) ApplyResolution(res *Resolution) error {
	e.mu.Lock()
	conflict, ok := e.conflicts[res.ConflictID]
	if !ok || conflict.Status != ConflictDetected {
		e.mu.Unlock()
		return fmt.Errorf("apply resolution: %s: %w", res.ConflictID, ErrConflictNotFound)
	}
	snapshot := cloneConflict(conflict)
	e.mu.Unlock()

	err := e.branches.RecordChange(snapshot.BranchA, vbranch.FileChange{
		Path:     snapshot.FilePath,
		Original: snapshot.Ancestor,
		Modified: res.Content,
		Kind:     vbranch.ChangeModify,
	})
	if err != nil {
		return fmt.Errorf("record resolved content on %s: %w", snapshot.BranchA, err)
	}

	// The losing change is retracted, not re-queued. The branch may hold
	// nothing afterwards; merging an empty branch is a no-op.
	if err := e.branches.RemoveChange(snapshot.BranchB, snapshot.FilePath); err != nil {
		if !errors.Is(err, vbranch.ErrMissingChanges) {
			return fmt.Errorf("retract competing change from %s: %w", snapshot.BranchB, err)
		}
	}

	e.mu.Lock()
	now := time.Now()
	conflict.Status = statusFor(res.Strategy)
	conflict.ResolvedAt = &now
	snapshot = cloneConflict(conflict)
	e.mu.Unlock()

	e.debugLog("[merge.apply] conflict %s on %s resolved via %s by %s",
		res.ConflictID, snapshot.FilePath, res.Strategy, res.ResolvedBy)
	e.publish(bus.EventConflictResolved, snapshot, string(res.Strategy))
	return nil
}

// Summary renders a short human-readable account of a conflict for
// approval prompts and logs.
func Summary(c *Conflict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Conflict in %s (branches %s / %s)\n", c.FilePath, shortID(c.BranchA), shortID(c.BranchB))
	fmt.Fprintf(&sb, "Overlapping regions: %d\n", len(c.Regions))
	for i, pair := range c.Regions {
		fmt.Fprintf(&sb, "  %d. %s %s (lines %d-%d) vs %s %s (lines %d-%d)\n",
			i+1,
			pair.Ours.Kind, pair.Ours.Name, pair.Ours.StartLine, pair.Ours.EndLine,
			pair.Theirs.Kind, pair.Theirs.Name, pair.Theirs.StartLine, pair.Theirs.EndLine)
	}
	return sb.String()
}

func (e *Engine) hasActiveConflict(branchA, branchB, path string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.conflicts {
		if c.Status != ConflictDetected || c.FilePath != path {
			continue
		}
		samePair := (c.BranchA == branchA && c.BranchB == branchB) ||
			(c.BranchA == branchB && c.BranchB == branchA)
		if samePair {
			return true
		}
	}
	return false
}

// pruneStale drops still-unresolved conflicts whose branches are no
// longer both active; a merged or abandoned branch cannot conflict.
func (e *Engine) pruneStale(activeIDs map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.conflicts {
		if c.Status != ConflictDetected {
			continue
		}
		if !activeIDs[c.BranchA] || !activeIDs[c.BranchB] {
			e.debugLog("[merge.detect] dropping stale conflict %s on %s", id, c.FilePath)
			delete(e.conflicts, id)
		}
	}
}

func (e *Engine) publish(eventType bus.EventType, c *Conflict, message string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Type:    eventType,
		Message: message,
		Data: map[string]any{
			"conflict_id": c.ID,
			"file_path":   c.FilePath,
			"branch_a":    c.BranchA,
			"branch_b":    c.BranchB,
		},
	})
}

func regionKey(r regions.Region) string {
	return string(r.Kind) + "|" + r.Name
}

// regionText extracts a region's lines from its file content.
func regionText(content string, r regions.Region) string {
	lines := strings.Split(content, "\n")
	start := r.StartLine - 1
	end := r.EndLine
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cloneConflict(c *Conflict) *Conflict {
	dup := *c
	dup.Regions = append([]RegionPair(nil), c.Regions...)
	dup.Attempts = append([]StageAttempt(nil), c.Attempts...)
	if c.ResolvedAt != nil {
		resolved := *c.ResolvedAt
		dup.ResolvedAt = &resolved
	}
	return &dup
}

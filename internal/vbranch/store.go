// Package vbranch gives each (agent, task) pair an isolated, named set of
// pending file changes, detects file-level collisions between branches,
// and merges an approved branch into the shared workspace.
package vbranch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kunho817/echelon/internal/bus"
)

// ErrBranchNotFound indicates an operation referenced an unknown branch ID.
var ErrBranchNotFound = errors.New("branch not found")

// ErrInvalidBranch indicates an operation on a branch that is no longer
// active. Caller error, surfaced immediately.
var ErrInvalidBranch = errors.New("branch is not active")

// ErrMissingChanges indicates a branch unexpectedly holds no change for a
// path the caller relies on. Integrity error, not retried.
var ErrMissingChanges = errors.New("no change recorded for path")

// Status is the branch lifecycle state. Merged and abandoned are terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusMerged    Status = "merged"
	StatusAbandoned Status = "abandoned"
)

// ChangeKind classifies a file change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// FileChange is one file's proposed before/after state. Original is
// immutable once recorded; a later change for the same path replaces the
// whole entry but keeps the first Original.
type FileChange struct {
	Path     string     `json:"path"`
	Original string     `json:"original"`
	Modified string     `json:"modified"`
	Diff     string     `json:"diff,omitempty"`
	Kind     ChangeKind `json:"kind"`
}

// Branch is an isolated, uncommitted edit set owned by one (agent, task)
// pair.
type Branch struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	// BaseMark labels the workspace snapshot the branch edits against.
	BaseMark  string                `json:"base_mark"`
	Status    Status                `json:"status"`
	Changes   map[string]FileChange `json:"changes"`
	CreatedAt time.Time             `json:"created_at"`
	ClosedAt  *time.Time            `json:"closed_at,omitempty"`
}

// MergeReport is the per-file outcome of applying a branch to the
// workspace.
type MergeReport struct {
	BranchID string `json:"branch_id"`
	// Applied lists paths written successfully.
	Applied []string `json:"applied,omitempty"`
	// Failed maps paths to the error that kept them out of the workspace.
	Failed map[string]string `json:"failed,omitempty"`
}

// Success is true when every change applied.
func (r *MergeReport) Success() bool {
	return len(r.Failed) == 0
}

// WorkspaceFS is the file surface MergeBranch writes through.
type WorkspaceFS interface {
	WriteFile(path, content string) error
	Delete(path string) error
}

// Store owns every branch record under one lock.
type Store struct {
	mu       sync.RWMutex
	branches map[string]*Branch
	bus      *bus.Bus
	dmp      *diffmatchpatch.DiffMatchPatch
	debugLog func(format string, args ...interface{})
}

// NewStore creates an empty branch store.
func NewStore() *Store {
	return &Store{
		branches: make(map[string]*Branch),
		dmp:      diffmatchpatch.New(),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetBus wires the event bus.
func (s *Store) SetBus(b *bus.Bus) { s.bus = b }

// SetDebugLog sets the debug logging function.
func (s *Store) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// CreateBranch opens an active branch for the (agent, task) pair.
func (s *Store) CreateBranch(agentID, taskID string) *Branch {
	branch := &Branch{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		TaskID:    taskID,
		BaseMark:  fmt.Sprintf("base-%d", time.Now().UnixNano()),
		Status:    StatusActive,
		Changes:   make(map[string]FileChange),
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.branches[branch.ID] = branch
	s.mu.Unlock()

	s.debugLog("[vbranch.CreateBranch] id=%s agent=%s task=%s", branch.ID, agentID, taskID)
	s.publish(bus.EventBranchCreated, branch, "")
	return cloneBranch(branch)
}

// RecordChange stores a file change on an active branch. A second change
// for the same path replaces the entry; the first recorded Original is
// kept so the before-state cannot drift.
func (s *Store) RecordChange(branchID string, change FileChange) error {
	if change.Path == "" {
		return fmt.Errorf("record change: empty path")
	}
	if change.Kind == "" {
		change.Kind = ChangeModify
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[branchID]
	if !ok {
		return fmt.Errorf("record change: %s: %w", branchID, ErrBranchNotFound)
	}
	if branch.Status != StatusActive {
		return fmt.Errorf("record change on %s branch %s: %w", branch.Status, branchID, ErrInvalidBranch)
	}

	if prior, exists := branch.Changes[change.Path]; exists {
		change.Original = prior.Original
	}
	if change.Diff == "" && change.Kind != ChangeDelete {
		patches := s.dmp.PatchMake(change.Original, s.dmp.DiffMain(change.Original, change.Modified, false))
		change.Diff = s.dmp.PatchToText(patches)
	}
	branch.Changes[change.Path] = change

	s.debugLog("[vbranch.RecordChange] branch=%s path=%s kind=%s", branchID, change.Path, change.Kind)
	return nil
}

// RemoveChange retracts a path from an active branch. Used when a conflict
// resolution lands the surviving content on the competing branch.
func (s *Store) RemoveChange(branchID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[branchID]
	if !ok {
		return fmt.Errorf("remove change: %s: %w", branchID, ErrBranchNotFound)
	}
	if branch.Status != StatusActive {
		return fmt.Errorf("remove change on %s branch %s: %w", branch.Status, branchID, ErrInvalidBranch)
	}
	if _, exists := branch.Changes[path]; !exists {
		return fmt.Errorf("remove change: branch %s path %s: %w", branchID, path, ErrMissingChanges)
	}
	delete(branch.Changes, path)
	return nil
}

// ConflictingFiles returns the sorted intersection of two branches'
// modified path sets. The result is symmetric in its arguments.
func (s *Store) ConflictingFiles(branchA, branchB string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.branches[branchA]
	if !ok {
		return nil, fmt.Errorf("conflicting files: %s: %w", branchA, ErrBranchNotFound)
	}
	b, ok := s.branches[branchB]
	if !ok {
		return nil, fmt.Errorf("conflicting files: %s: %w", branchB, ErrBranchNotFound)
	}

	var paths []string
	for path := range a.Changes {
		if _, shared := b.Changes[path]; shared {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// MergeBranch applies every change to the shared workspace. Failures are
// collected per file; on any failure the branch stays active so the caller
// can retry or abandon deliberately.
func (s *Store) MergeBranch(branchID string, fs WorkspaceFS) (*MergeReport, error) {
	s.mu.Lock()
	branch, ok := s.branches[branchID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("merge branch: %s: %w", branchID, ErrBranchNotFound)
	}
	if branch.Status != StatusActive {
		s.mu.Unlock()
		return nil, fmt.Errorf("merge %s branch %s: %w", branch.Status, branchID, ErrInvalidBranch)
	}
	changes := make([]FileChange, 0, len(branch.Changes))
	for _, change := range branch.Changes {
		changes = append(changes, change)
	}
	s.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	report := &MergeReport{BranchID: branchID, Failed: make(map[string]string)}
	for _, change := range changes {
		var err error
		switch change.Kind {
		case ChangeDelete:
			err = fs.Delete(change.Path)
		default:
			err = fs.WriteFile(change.Path, change.Modified)
		}
		if err != nil {
			report.Failed[change.Path] = err.Error()
			continue
		}
		report.Applied = append(report.Applied, change.Path)
	}

	if !report.Success() {
		s.debugLog("[vbranch.MergeBranch] branch=%s partial failure: %d applied, %d failed",
			branchID, len(report.Applied), len(report.Failed))
		return report, nil
	}

	s.mu.Lock()
	now := time.Now()
	branch.Status = StatusMerged
	branch.ClosedAt = &now
	snapshot := cloneBranch(branch)
	s.mu.Unlock()

	s.debugLog("[vbranch.MergeBranch] branch=%s merged %d files", branchID, len(report.Applied))
	s.publish(bus.EventBranchMerged, snapshot, fmt.Sprintf("%d files", len(report.Applied)))
	return report, nil
}

// Abandon closes an active branch without applying it.
func (s *Store) Abandon(branchID string) error {
	s.mu.Lock()
	branch, ok := s.branches[branchID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("abandon: %s: %w", branchID, ErrBranchNotFound)
	}
	if branch.Status != StatusActive {
		s.mu.Unlock()
		return fmt.Errorf("abandon %s branch %s: %w", branch.Status, branchID, ErrInvalidBranch)
	}
	now := time.Now()
	branch.Status = StatusAbandoned
	branch.ClosedAt = &now
	snapshot := cloneBranch(branch)
	s.mu.Unlock()

	s.publish(bus.EventBranchAbandoned, snapshot, "")
	return nil
}

// Get returns a copy of the branch.
func (s *Store) Get(branchID string) (*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branch, ok := s.branches[branchID]
	if !ok {
		return nil, fmt.Errorf("get: %s: %w", branchID, ErrBranchNotFound)
	}
	return cloneBranch(branch), nil
}

// ChangeFor returns one recorded change from an active or closed branch.
func (s *Store) ChangeFor(branchID, path string) (FileChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branch, ok := s.branches[branchID]
	if !ok {
		return FileChange{}, fmt.Errorf("change for: %s: %w", branchID, ErrBranchNotFound)
	}
	change, exists := branch.Changes[path]
	if !exists {
		return FileChange{}, fmt.Errorf("change for: branch %s path %s: %w", branchID, path, ErrMissingChanges)
	}
	return change, nil
}

// ChangesFor returns a branch's changes sorted by path.
func (s *Store) ChangesFor(branchID string) ([]FileChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branch, ok := s.branches[branchID]
	if !ok {
		return nil, fmt.Errorf("changes for: %s: %w", branchID, ErrBranchNotFound)
	}
	changes := make([]FileChange, 0, len(branch.Changes))
	for _, change := range branch.Changes {
		changes = append(changes, change)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// ActiveBranches returns copies of every active branch, oldest first.
func (s *Store) ActiveBranches() []*Branch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Branch
	for _, branch := range s.branches {
		if branch.Status == StatusActive {
			active = append(active, cloneBranch(branch))
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	return active
}

func (s *Store) publish(eventType bus.EventType, branch *Branch, message string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Type:    eventType,
		TaskID:  branch.TaskID,
		AgentID: branch.AgentID,
		Message: message,
		Data:    map[string]any{"branch_id": branch.ID},
	})
}

func cloneBranch(b *Branch) *Branch {
	c := *b
	c.Changes = make(map[string]FileChange, len(b.Changes))
	for path, change := range b.Changes {
		c.Changes[path] = change
	}
	if b.ClosedAt != nil {
		closed := *b.ClosedAt
		c.ClosedAt = &closed
	}
	return &c
}

package orchestrator

import (
	"github.com/kunho817/echelon/internal/api"
	"github.com/kunho817/echelon/internal/approval"
	"github.com/kunho817/echelon/internal/bus"
	"github.com/kunho817/echelon/internal/config"
	"github.com/kunho817/echelon/internal/hierarchy"
	"github.com/kunho817/echelon/internal/merge"
	"github.com/kunho817/echelon/internal/state"
	"github.com/kunho817/echelon/internal/taskgraph"
	"github.com/kunho817/echelon/internal/vbranch"
	"github.com/kunho817/echelon/internal/workspace"
)

// RequiredConfig holds the configuration a Coordinator cannot run without.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// ProjectRoot is the directory the mission's file changes apply to.
	ProjectRoot string
	// Config carries model, ceiling, and approval settings.
	Config *config.Config
	// Invoker executes model calls for the agents.
	Invoker api.Invoker
}

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*coordinatorOptions)

// coordinatorOptions holds optional construction-time configuration.
type coordinatorOptions struct {
	logger  *DebugLogger
	bus     *bus.Bus
	store   *state.Store
	signals *workspace.Signals

	// Injectable managers for testing. Nil fields are built in New.
	graph     *taskgraph.Manager
	agents    *hierarchy.Manager
	branches  *vbranch.Store
	engine    *merge.Engine
	approvals *approval.Manager
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *coordinatorOptions) { o.logger = l }
}

// WithBus sets the event bus. Without it the Coordinator creates its own.
func WithBus(b *bus.Bus) Option {
	return func(o *coordinatorOptions) { o.bus = b }
}

// WithStore sets the persistence store. Without it nothing is persisted.
func WithStore(s *state.Store) Option {
	return func(o *coordinatorOptions) { o.store = s }
}

// WithSignals sets the signal-file watcher driving pause/resume/cancel.
func WithSignals(s *workspace.Signals) Option {
	return func(o *coordinatorOptions) { o.signals = s }
}

// WithTaskGraph injects a task graph manager.
func WithTaskGraph(g *taskgraph.Manager) Option {
	return func(o *coordinatorOptions) { o.graph = g }
}

// WithHierarchy injects an agent hierarchy manager.
func WithHierarchy(h *hierarchy.Manager) Option {
	return func(o *coordinatorOptions) { o.agents = h }
}

// WithBranches injects a virtual branch store.
func WithBranches(s *vbranch.Store) Option {
	return func(o *coordinatorOptions) { o.branches = s }
}

// WithMergeEngine injects a merge engine.
func WithMergeEngine(e *merge.Engine) Option {
	return func(o *coordinatorOptions) { o.engine = e }
}

// WithApprovals injects an approval manager.
func WithApprovals(a *approval.Manager) Option {
	return func(o *coordinatorOptions) { o.approvals = a }
}

package campusflow

import (
	"context"

	"github.com/dingyuana/campusflow/state"
)

// Reserved node identifiers.
const (
	// End is the terminal sentinel a router returns to finish a turn.
	End = "__end__"

	// Supervisor is the node id of the graph's router.
	Supervisor = "supervisor"
)

// NodeKind is the closed set of node kinds a graph can contain
type NodeKind int

const (
	NodeKindUnknown NodeKind = iota
	NodeKindRouter
	NodeKindWorker
	NodeKindParallel
	NodeKindEnd
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindRouter:
		return "router"
	case NodeKindWorker:
		return "worker"
	case NodeKindParallel:
		return "parallel"
	case NodeKindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Worker is a unit of work that reads the thread state and returns a partial
// update. Workers never receive the live state.
type Worker interface {
	// Name returns the node id the worker is registered under
	Name() string

	// Execute runs the worker against a read-only view of the state
	Execute(ctx context.Context, s state.Reader) (*Update, error)
}

// WorkerFunc adapts a function to the Worker interface
type WorkerFunc struct {
	name string
	fn   func(ctx context.Context, s state.Reader) (*Update, error)
}

// NewWorkerFunc returns a Worker backed by fn.
func NewWorkerFunc(name string, fn func(ctx context.Context, s state.Reader) (*Update, error)) *WorkerFunc {
	return &WorkerFunc{name: name, fn: fn}
}

func (w *WorkerFunc) Name() string {
	return w.name
}

func (w *WorkerFunc) Execute(ctx context.Context, s state.Reader) (*Update, error) {
	return w.fn(ctx, s)
}

// reservedNode reports whether id may not be used as a worker or group name.
func reservedNode(id string) bool {
	switch id {
	case End, Supervisor, nodeInterrupt, ScratchKeyDegraded, "":
		return true
	}
	return false
}

package campusflow

import (
	"context"
	"time"
)

// ExecutionCallbacks defines the callback interface for executor events
type ExecutionCallbacks interface {
	// Run-level callbacks, once per Invoke or Resume
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Step-level callbacks
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)

	// OnPause is called when a thread pauses in front of a gated node
	OnPause(ctx context.Context, event *PauseEvent)

	// OnGuard is called for every guard action and rejection
	OnGuard(ctx context.Context, event *GuardExecutionEvent)
}

// RunEvent provides context for run-level events
type RunEvent struct {
	ThreadID  string
	GraphName string
	Operation string
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	StepCount int
	Steps     int
	Error     error
}

// StepEvent provides context for step-level events
type StepEvent struct {
	ThreadID  string
	GraphName string
	Step      int
	Node      string
	Kind      NodeKind
	NextNode  string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// PauseEvent provides context for an interrupt pause
type PauseEvent struct {
	ThreadID  string
	GraphName string
	Step      int
	Interrupt *Interrupt
}

// GuardExecutionEvent provides context for a guard action
type GuardExecutionEvent struct {
	ThreadID  string
	GraphName string
	Step      int
	Node      string
	Phase     Phase
	Event     *GuardEvent
	Rejection *Rejection
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) OnPause(ctx context.Context, event *PauseEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) OnGuard(ctx context.Context, event *GuardExecutionEvent) {
	// noop
}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStep(ctx, event)
	}
}

func (c *CallbackChain) OnPause(ctx context.Context, event *PauseEvent) {
	for _, callback := range c.callbacks {
		callback.OnPause(ctx, event)
	}
}

func (c *CallbackChain) OnGuard(ctx context.Context, event *GuardExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.OnGuard(ctx, event)
	}
}

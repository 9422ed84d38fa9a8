package sandbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ToolDescriptor is one entry of the tool registry.
type ToolDescriptor struct {
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	Parameters       map[string]any `yaml:"parameters"`
	ApprovalRequired bool           `yaml:"approval_required"`
	TimeoutMs        int            `yaml:"timeout_ms"`
	Mutex            string         `yaml:"mutex"`
}

// mutexNone is the distinguished group whose tools run with true
// parallelism instead of sequentially.
const mutexNone = "none"

func (d ToolDescriptor) mutexGroup() string {
	if d.Mutex == "" {
		return mutexNone
	}
	return d.Mutex
}

// ToolCall is one requested invocation within a batch.
type ToolCall struct {
	EntryId   EntryId
	ToolName  string
	Arguments map[string]any
}

// ExecContext carries the routing keys a tool invocation needs to reach
// the right Container/Console Actor.
type ExecContext struct {
	TrackId       TrackId
	WorkspaceSlug string
	ContainerId   ContainerId
}

// ToolEventKind is the tagged union of messages a tool worker emits:
// executing on start, then exactly one terminal event (success, async,
// or error).
type ToolEventKind int

const (
	ToolExecuting ToolEventKind = iota
	ToolSuccess
	ToolAsync
	ToolError
)

// ToolEvent is one message the Execution Manager emits about a single
// tool call's progress.
type ToolEvent struct {
	EntryId   EntryId
	Kind      ToolEventKind
	Value     string
	CommandId CommandId
	Err       *Error
}

// ToolOutcome is what a ToolInvoker returns once its invocation reaches a
// terminal result.
type ToolOutcome struct {
	Value     string
	CommandId CommandId
	Err       *Error
}

// ToolInvoker is the collaborator that actually runs one tool call. It is
// expected to block until the call's effect is fully resolved: for a
// console or shell tool that means waiting on the owning actor's
// completion, not just on the initial dispatch returning. That is what
// lets the sequential-group worker await completion of tool N before
// dispatching N+1 even though, from the caller's point of view, the
// command itself was reported "async".
type ToolInvoker interface {
	Invoke(ctx context.Context, ectx ExecContext, call ToolCall, descriptor ToolDescriptor) ToolOutcome
}

// Dispatch groups calls by mutex key and runs each group: `none` tools
// run with one worker each, fully in parallel; every other group runs
// one worker that executes its tools strictly in submitted order.
// Dispatch blocks until every tool call has produced its terminal
// event (success, async, or error); emit is called from whichever
// worker goroutine produced the event, so callers needing ordering
// across groups must synchronize emit themselves.
func Dispatch(ctx context.Context, reg *Registry, ectx ExecContext, calls []ToolCall, invoker ToolInvoker, emit func(ToolEvent)) {
	groups := make(map[string][]ToolCall)
	var order []string
	for _, call := range calls {
		desc, ok := reg.Get(call.ToolName)
		group := mutexNone
		if ok {
			group = desc.mutexGroup()
		}
		if _, seen := groups[group]; !seen {
			order = append(order, group)
		}
		groups[group] = append(groups[group], call)
	}
	sort.Strings(order) // deterministic iteration only; dispatch order within a group is preserved separately

	var wg sync.WaitGroup
	for _, group := range order {
		calls := groups[group]
		if group == mutexNone {
			for _, call := range calls {
				wg.Add(1)
				go func(call ToolCall) {
					defer wg.Done()
					runOne(ctx, reg, ectx, call, invoker, emit)
				}(call)
			}
			continue
		}

		wg.Add(1)
		go func(calls []ToolCall) {
			defer wg.Done()
			for _, call := range calls {
				runOne(ctx, reg, ectx, call, invoker, emit)
			}
		}(calls)
	}
	wg.Wait()
}

func runOne(ctx context.Context, reg *Registry, ectx ExecContext, call ToolCall, invoker ToolInvoker, emit func(ToolEvent)) {
	desc, ok := reg.Get(call.ToolName)
	if !ok {
		emit(ToolEvent{EntryId: call.EntryId, Kind: ToolError, Err: NewError(KindUnknownTool, call.ToolName)})
		return
	}

	emit(ToolEvent{EntryId: call.EntryId, Kind: ToolExecuting})

	callCtx := ctx
	var cancel context.CancelFunc
	if desc.TimeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(desc.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	// The invoker may not honor the deadline (the underlying command
	// keeps running); the manager enforces the timeout itself. The
	// command may still complete later; its result is discarded.
	outcomeCh := make(chan ToolOutcome, 1)
	go func() { outcomeCh <- invoker.Invoke(callCtx, ectx, call, desc) }()

	var outcome ToolOutcome
	select {
	case outcome = <-outcomeCh:
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded && desc.TimeoutMs > 0 {
			emit(ToolEvent{EntryId: call.EntryId, Kind: ToolError, Err: NewError(KindTimeout, desc.Name)})
		} else {
			emit(ToolEvent{EntryId: call.EntryId, Kind: ToolError, Err: NewError(KindExecutionError, callCtx.Err().Error())})
		}
		return
	}

	switch {
	case outcome.Err != nil:
		emit(ToolEvent{EntryId: call.EntryId, Kind: ToolError, Err: outcome.Err})
	case outcome.CommandId != "":
		emit(ToolEvent{EntryId: call.EntryId, Kind: ToolAsync, CommandId: outcome.CommandId, Value: outcome.Value})
	default:
		emit(ToolEvent{EntryId: call.EntryId, Kind: ToolSuccess, Value: outcome.Value})
	}
}

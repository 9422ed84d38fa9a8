package sandbox

import (
	"time"

	"github.com/google/uuid"
)

// EntryId names one ToolInvocation within a Turn; it is the LLM's own
// tool_call id, reused as the join key throughout.
type EntryId string

// InvocationStatus is a tool invocation's progress state.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationApproved  InvocationStatus = "approved"
	InvocationDenied    InvocationStatus = "denied"
	InvocationExecuting InvocationStatus = "executing"
	InvocationSuccess   InvocationStatus = "success"
	InvocationError     InvocationStatus = "error"
	InvocationCancelled InvocationStatus = "cancelled"
	InvocationTimeout   InvocationStatus = "timeout"
)

func (s InvocationStatus) terminal() bool {
	switch s {
	case InvocationSuccess, InvocationError, InvocationDenied, InvocationCancelled, InvocationTimeout:
		return true
	}
	return false
}

// ToolInvocation is one requested tool call within a turn.
type ToolInvocation struct {
	CallId    string
	Name      string
	Arguments map[string]any
	Status    InvocationStatus
	CommandId CommandId
	StartedAt time.Time
	Result    string
	ErrMsg    string
}

// TurnStatus is a turn's overall state.
type TurnStatus string

const (
	TurnIdle            TurnStatus = "idle"
	TurnPending         TurnStatus = "pending"
	TurnStreaming       TurnStatus = "streaming"
	TurnPendingApproval TurnStatus = "pending_approval"
	TurnExecutingTools  TurnStatus = "executing_tools"
	TurnFinished        TurnStatus = "finished"
	TurnError           TurnStatus = "error"
	TurnCancelled       TurnStatus = "cancelled"
)

func (s TurnStatus) inactive() bool {
	switch s {
	case TurnIdle, TurnFinished, TurnError, TurnCancelled:
		return true
	}
	return false
}

// Turn is the per-track reducer state. Every exported function in this
// file treats it as immutable: each returns a new Turn value rather
// than mutating its receiver, so the reducer can be property-tested in
// isolation.
type Turn struct {
	Status           TurnStatus
	TurnId           string
	Model            string
	LLMRef           any
	Invocations      map[EntryId]ToolInvocation
	CommandToEntry   map[CommandId]EntryId
	LastCacheContext any
	Position         int64
	Autonomous       bool
	lastStopReason   string
	sawComplete      bool

	// entryOrder remembers tool_call arrival order; within a mutex group
	// dispatch order must equal submission order and Go map iteration
	// would lose it.
	entryOrder []EntryId
}

// NewTurn returns an idle Turn, the zero state a track starts in.
func NewTurn() Turn {
	return Turn{
		Status:         TurnIdle,
		Invocations:    map[EntryId]ToolInvocation{},
		CommandToEntry: map[CommandId]EntryId{},
	}
}

func (t Turn) clone() Turn {
	invs := make(map[EntryId]ToolInvocation, len(t.Invocations))
	for k, v := range t.Invocations {
		invs[k] = v
	}
	cte := make(map[CommandId]EntryId, len(t.CommandToEntry))
	for k, v := range t.CommandToEntry {
		cte[k] = v
	}
	t.Invocations = invs
	t.CommandToEntry = cte
	t.entryOrder = append([]EntryId(nil), t.entryOrder...)
	return t
}

// ActionKind is the tagged union of effect descriptors the reducer
// emits; the action executor (outside this package's purity boundary)
// is the only thing that performs I/O for these.
type ActionKind string

const (
	ActionCreateTurn       ActionKind = "create_turn"
	ActionPersistMessage   ActionKind = "persist_message"
	ActionStartLLM         ActionKind = "start_llm"
	ActionSendMSFCommand   ActionKind = "send_msf_command"
	ActionSendBashCommand  ActionKind = "send_bash_command"
	ActionBroadcastChat    ActionKind = "broadcast_chat_state"
	ActionUpdateTurnStatus ActionKind = "update_turn_status"
	ActionUpdateToolStatus ActionKind = "update_tool_status"
)

// LLMParams is the lazily-built LLM request body. It must be assembled
// only after the persist_message action has actually run, so the first
// user message is never omitted from the prompt it conditions.
type LLMParams struct {
	Model            string
	UserText         string
	LastCacheContext any
}

// Action is one effect descriptor returned by the reducer. Only the
// fields relevant to Kind are populated.
type Action struct {
	Kind ActionKind

	Text    string // persist_message / send_*_command text
	EntryId EntryId
	Status  InvocationStatus
	Turn    TurnStatus
	ErrMsg  string

	// BuildParams is the lazy-params escape hatch: the executor must call
	// this only after the preceding persist_message action has completed.
	BuildParams func() LLMParams
}

// StartTurn allocates the next monotonic position and begins a turn.
func StartTurn(t Turn, userText, model string, cacheContext any, autonomous bool) (Turn, []Action) {
	t = t.clone()
	t.Status = TurnPending
	t.TurnId = uuid.NewString()
	t.Model = model
	t.Position++
	t.Autonomous = autonomous
	t.Invocations = map[EntryId]ToolInvocation{}
	t.CommandToEntry = map[CommandId]EntryId{}
	t.entryOrder = nil
	t.LastCacheContext = cacheContext
	t.lastStopReason = ""
	t.sawComplete = false

	actions := []Action{
		{Kind: ActionCreateTurn},
		{Kind: ActionPersistMessage, Text: userText},
		{Kind: ActionStartLLM, BuildParams: func() LLMParams {
			return LLMParams{Model: model, UserText: userText, LastCacheContext: cacheContext}
		}},
	}
	return t, actions
}

// LLMEventKind is the tagged union of stream events the turn reducer
// consumes.
type LLMEventKind string

const (
	EventStarted    LLMEventKind = "started"
	EventBlockStart LLMEventKind = "block_start"
	EventDelta      LLMEventKind = "delta"
	EventBlockStop  LLMEventKind = "block_stop"
	EventToolCall   LLMEventKind = "tool_call"
	EventComplete   LLMEventKind = "complete"
	EventError      LLMEventKind = "error"
)

// LLMEvent is one event of the LLM provider's stream. The provider
// itself is a black box; this struct is the typed shape its adapter
// must emit.
type LLMEvent struct {
	Kind         LLMEventKind
	ToolCallId   string
	ToolName     string
	Arguments    map[string]any
	Text         string
	StopReason   string
	CacheContext any
	ErrMsg       string
}

// OnEvent applies one LLM stream event and reconciles.
func OnEvent(t Turn, evt LLMEvent, reg *Registry) (Turn, []Action) {
	t = t.clone()

	switch evt.Kind {
	case EventStarted:
		if t.Status == TurnPending {
			t.Status = TurnStreaming
		}
		return reconcile(t, reg)

	case EventBlockStart, EventDelta, EventBlockStop:
		return t, []Action{{Kind: ActionBroadcastChat}}

	case EventToolCall:
		status := InvocationPending
		if t.Autonomous {
			status = InvocationApproved
		} else if desc, ok := reg.Get(evt.ToolName); ok && !desc.ApprovalRequired {
			status = InvocationApproved
		}
		entry := EntryId(evt.ToolCallId)
		if _, seen := t.Invocations[entry]; !seen {
			t.entryOrder = append(t.entryOrder, entry)
		}
		t.Invocations[entry] = ToolInvocation{
			CallId:    evt.ToolCallId,
			Name:      evt.ToolName,
			Arguments: evt.Arguments,
			Status:    status,
			StartedAt: time.Now(),
		}
		return reconcile(t, reg)

	case EventComplete:
		t.lastStopReason = evt.StopReason
		t.LastCacheContext = evt.CacheContext
		t.sawComplete = true
		return reconcile(t, reg)

	case EventError:
		t.Status = TurnError
		return t, []Action{{Kind: ActionUpdateTurnStatus, Turn: TurnError, ErrMsg: evt.ErrMsg}}
	}
	return t, nil
}

// Approve transitions a pending invocation to approved and reconciles.
func Approve(t Turn, entry EntryId, reg *Registry) (Turn, []Action, *Error) {
	inv, ok := t.Invocations[entry]
	if !ok || inv.Status != InvocationPending {
		return t, nil, NewError(KindInvalidStatus, string(entry))
	}
	t = t.clone()
	inv.Status = InvocationApproved
	t.Invocations[entry] = inv
	nt, actions := reconcile(t, reg)
	return nt, actions, nil
}

// Deny transitions a pending invocation to denied and reconciles.
func Deny(t Turn, entry EntryId, reason string, reg *Registry) (Turn, []Action, *Error) {
	inv, ok := t.Invocations[entry]
	if !ok || inv.Status != InvocationPending {
		return t, nil, NewError(KindInvalidStatus, string(entry))
	}
	t = t.clone()
	inv.Status = InvocationDenied
	inv.ErrMsg = reason
	t.Invocations[entry] = inv
	nt, actions := reconcile(t, reg)
	return nt, actions, nil
}

// OnToolEvent applies a tool completion message forwarded from the
// execution manager and reconciles. A completion for an invocation that
// is already terminal (typically because the turn was cancelled while
// it was in flight) is surfaced to the chat timeline but drives no
// further action: a terminal status is never overwritten, and a
// cancelled turn never reconciles into a new LLM call.
func OnToolEvent(t Turn, ev ToolEvent, reg *Registry) (Turn, []Action) {
	t = t.clone()

	inv, ok := t.Invocations[ev.EntryId]
	if !ok {
		return t, nil
	}

	if inv.Status.terminal() {
		// Recognized but ignored for state purposes; still surfaced to
		// the chat timeline so the transcript is not silently missing
		// output the agent might reference.
		return t, []Action{{Kind: ActionBroadcastChat}}
	}

	switch ev.Kind {
	case ToolSuccess:
		inv.Status = InvocationSuccess
		inv.Result = ev.Value
	case ToolError:
		if ev.Err != nil && ev.Err.Kind == KindTimeout {
			inv.Status = InvocationTimeout
		} else {
			inv.Status = InvocationError
		}
		if ev.Err != nil {
			inv.ErrMsg = ev.Err.Message()
		}
	case ToolAsync:
		inv.CommandId = ev.CommandId
		if ev.CommandId != "" {
			t.CommandToEntry[ev.CommandId] = ev.EntryId
		}
		t.Invocations[ev.EntryId] = inv
		return t, []Action{{Kind: ActionBroadcastChat}}
	case ToolExecuting:
		inv.Status = InvocationExecuting
	}
	t.Invocations[ev.EntryId] = inv

	return reconcile(t, reg)
}

// CancelTurn rejects inactive turns; otherwise every non-terminal
// invocation is marked cancelled (terminal statuses are preserved) and
// the turn severs its link to the LLM stream. In-flight I/O is not
// aborted; its eventual completion is absorbed by OnToolEvent.
func CancelTurn(t Turn) (Turn, []Action, *Error) {
	if t.Status.inactive() {
		return t, nil, NewError(KindInvalidStatus, "no_active_turn")
	}
	t = t.clone()
	t.Status = TurnCancelled
	t.LLMRef = nil
	t.CommandToEntry = map[CommandId]EntryId{}

	for id, inv := range t.Invocations {
		if !inv.Status.terminal() {
			inv.Status = InvocationCancelled
			inv.ErrMsg = "User cancelled the execution"
			t.Invocations[id] = inv
		}
	}

	return t, []Action{
		{Kind: ActionUpdateTurnStatus, Turn: TurnCancelled},
		{Kind: ActionBroadcastChat},
	}, nil
}

// reconcile decides the turn's status and which tool invocations, if
// any, should start executing next.
func reconcile(t Turn, reg *Registry) (Turn, []Action) {
	// A cancelled turn never reconciles into further action.
	if t.Status == TurnCancelled {
		return t, nil
	}

	for _, inv := range t.Invocations {
		if inv.Status == InvocationPending {
			t.Status = TurnPendingApproval
			return t, []Action{{Kind: ActionUpdateTurnStatus, Turn: TurnPendingApproval}}
		}
	}

	allTerminal := true
	executingByGroup := map[string]bool{}
	for _, inv := range t.Invocations {
		if !inv.Status.terminal() {
			allTerminal = false
		}
		if inv.Status == InvocationExecuting {
			executingByGroup[mutexGroupFor(reg, inv.Name)] = true
		}
	}

	// A batch of tool calls can finish executing before the model has
	// signaled "complete" for this streaming round (more tool_call events
	// may still be coming), so the round is only over once both hold:
	// every invocation is terminal AND the model told us it stopped.
	if allTerminal && t.sawComplete {
		if t.lastStopReason == "end_turn" {
			t.Status = TurnFinished
			return t, []Action{{Kind: ActionUpdateTurnStatus, Turn: TurnFinished}}
		}
		t.Status = TurnPending
		t.sawComplete = false
		t.lastStopReason = ""
		cacheCtx := t.LastCacheContext
		return t, []Action{{Kind: ActionStartLLM, BuildParams: func() LLMParams {
			return LLMParams{Model: t.Model, LastCacheContext: cacheCtx}
		}}}
	}

	if len(t.Invocations) == 0 {
		// No tool calls requested (yet); nothing to dispatch, no status
		// change; still waiting on the LLM stream.
		return t, nil
	}

	var actions []Action
	anyExecuting := len(executingByGroup) > 0

	startable := pendingApprovedInOrder(t)
	for _, id := range startable {
		inv := t.Invocations[id]
		group := mutexGroupFor(reg, inv.Name)
		if group != mutexNone && executingByGroup[group] {
			continue // that sequential group is paused behind an in-flight invocation
		}

		inv.Status = InvocationExecuting
		t.Invocations[id] = inv
		executingByGroup[group] = true

		kind := ActionSendBashCommand
		if desc, ok := reg.Get(inv.Name); ok && desc.Mutex == "console" {
			kind = ActionSendMSFCommand
		}
		actions = append(actions,
			Action{Kind: ActionUpdateToolStatus, EntryId: id, Status: InvocationExecuting},
			Action{Kind: kind, EntryId: id, Text: argumentsText(inv.Arguments)},
		)
	}

	if anyExecuting || len(actions) > 0 {
		t.Status = TurnExecutingTools
	}
	return t, actions
}

func mutexGroupFor(reg *Registry, toolName string) string {
	if desc, ok := reg.Get(toolName); ok {
		return desc.mutexGroup()
	}
	return mutexNone
}

// pendingApprovedInOrder returns approved invocations in submission
// order, so sequential mutex groups start their members in the order
// the model requested them.
func pendingApprovedInOrder(t Turn) []EntryId {
	var out []EntryId
	for _, id := range t.entryOrder {
		if inv, ok := t.Invocations[id]; ok && inv.Status == InvocationApproved {
			out = append(out, id)
		}
	}
	return out
}

func argumentsText(args map[string]any) string {
	if text, ok := args["text"].(string); ok {
		return text
	}
	if cmd, ok := args["command"].(string); ok {
		return cmd
	}
	return ""
}

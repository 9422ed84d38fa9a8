package sandbox

import "testing"

func testReg() *Registry {
	reg := NewRegistry()
	reg.Register(ToolDescriptor{Name: "msf_console", ApprovalRequired: true, Mutex: "console"})
	reg.Register(ToolDescriptor{Name: "shell", ApprovalRequired: true, Mutex: mutexNone})
	reg.Register(ToolDescriptor{Name: "memory_update", ApprovalRequired: false, Mutex: "memory"})
	return reg
}

func findAction(actions []Action, kind ActionKind) *Action {
	for i := range actions {
		if actions[i].Kind == kind {
			return &actions[i]
		}
	}
	return nil
}

func TestStartTurnEmitsCreatePersistStartLLM(t *testing.T) {
	turn := NewTurn()
	turn, actions := StartTurn(turn, "enumerate the target", "claude-x", nil, false)

	if turn.Status != TurnPending {
		t.Fatalf("status = %v, want %v", turn.Status, TurnPending)
	}
	if turn.TurnId == "" {
		t.Error("expected a turn id to be allocated")
	}
	if len(actions) != 3 || actions[0].Kind != ActionCreateTurn || actions[1].Kind != ActionPersistMessage || actions[2].Kind != ActionStartLLM {
		t.Fatalf("unexpected actions: %#v", actions)
	}
	if actions[1].Text != "enumerate the target" {
		t.Errorf("persist_message text = %q", actions[1].Text)
	}
	params := actions[2].BuildParams()
	if params.Model != "claude-x" {
		t.Errorf("params.Model = %q", params.Model)
	}
}

func TestOnEventStartedTransitionsToStreaming(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, false)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	if turn.Status != TurnStreaming {
		t.Fatalf("status = %v, want %v", turn.Status, TurnStreaming)
	}
}

func TestToolCallRequiringApprovalGatesAtPendingApproval(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, false)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, actions := OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "call1", ToolName: "shell", Arguments: map[string]any{"command": "ls"}}, reg)

	if turn.Status != TurnPendingApproval {
		t.Fatalf("status = %v, want %v", turn.Status, TurnPendingApproval)
	}
	if inv := turn.Invocations["call1"]; inv.Status != InvocationPending {
		t.Errorf("invocation status = %v, want %v", inv.Status, InvocationPending)
	}
	if a := findAction(actions, ActionSendBashCommand); a != nil {
		t.Errorf("tool must not start before approval, got %#v", actions)
	}
}

func TestApproveStartsTheInvocation(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, false)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "call1", ToolName: "shell", Arguments: map[string]any{"command": "ls"}}, reg)

	turn, actions, err := Approve(turn, "call1", reg)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if turn.Status != TurnExecutingTools {
		t.Fatalf("status = %v, want %v", turn.Status, TurnExecutingTools)
	}
	if inv := turn.Invocations["call1"]; inv.Status != InvocationExecuting {
		t.Errorf("invocation status = %v, want %v", inv.Status, InvocationExecuting)
	}
	if a := findAction(actions, ActionSendBashCommand); a == nil || a.Text != "ls" {
		t.Errorf("expected send_bash_command(ls), got %#v", actions)
	}
}

func TestApproveOnNonPendingIsIdempotentlyRejected(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, false)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "call1", ToolName: "shell", Arguments: nil}, reg)
	turn, _, err := Approve(turn, "call1", reg)
	if err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	if _, _, err := Approve(turn, "call1", reg); err == nil || err.Kind != KindInvalidStatus {
		t.Fatalf("second Approve: got %v, want invalid_status", err)
	}
}

// TestMutexExclusionWithinBatch: two console-mutex tool calls in the
// same batch must run strictly one after the other, never concurrently.
func TestMutexExclusionWithinBatch(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, true)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, actions1 := OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c1", ToolName: "msf_console", Arguments: map[string]any{"text": "help"}}, reg)
	turn, actions2 := OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c2", ToolName: "msf_console", Arguments: map[string]any{"text": "version"}}, reg)

	starts := 0
	for _, a := range append(actions1, actions2...) {
		if a.Kind == ActionSendMSFCommand {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("expected exactly one console invocation to start this reconcile pass, got %d (actions1=%#v actions2=%#v)", starts, actions1, actions2)
	}
	if turn.Invocations["c1"].Status != InvocationExecuting {
		t.Errorf("c1 should already be executing from the first tool_call's reconcile")
	}
	if turn.Invocations["c2"].Status != InvocationApproved {
		t.Errorf("c2 must wait behind c1 in the same mutex group, got %v", turn.Invocations["c2"].Status)
	}
}

// TestMutexGroupDispatchFollowsSubmissionOrder: two console tool calls
// gated on approval, approved in reverse order: the first-submitted one
// must still execute first.
func TestMutexGroupDispatchFollowsSubmissionOrder(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, false)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c1", ToolName: "msf_console", Arguments: map[string]any{"text": "help"}}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c2", ToolName: "msf_console", Arguments: map[string]any{"text": "version"}}, reg)

	turn, _, err := Approve(turn, "c2", reg)
	if err != nil {
		t.Fatalf("Approve(c2): %v", err)
	}
	if turn.Status != TurnPendingApproval {
		t.Fatalf("c1 is still pending, status = %v, want %v", turn.Status, TurnPendingApproval)
	}
	if turn.Invocations["c2"].Status != InvocationApproved {
		t.Fatalf("c2 must not start while a sibling is pending, got %v", turn.Invocations["c2"].Status)
	}

	turn, actions, err := Approve(turn, "c1", reg)
	if err != nil {
		t.Fatalf("Approve(c1): %v", err)
	}
	if turn.Invocations["c1"].Status != InvocationExecuting {
		t.Errorf("c1 (submitted first) should execute first, got %v", turn.Invocations["c1"].Status)
	}
	if turn.Invocations["c2"].Status != InvocationApproved {
		t.Errorf("c2 must wait behind c1, got %v", turn.Invocations["c2"].Status)
	}
	if a := findAction(actions, ActionSendMSFCommand); a == nil || a.EntryId != "c1" {
		t.Errorf("expected send_msf_command for c1, got %#v", actions)
	}
}

func TestToolCompletionStartsNextInMutexGroup(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, true)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c1", ToolName: "msf_console", Arguments: map[string]any{"text": "help"}}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c2", ToolName: "msf_console", Arguments: map[string]any{"text": "version"}}, reg)

	turn, actions := OnToolEvent(turn, ToolEvent{EntryId: "c1", Kind: ToolSuccess, Value: "help text"}, reg)

	if turn.Invocations["c1"].Status != InvocationSuccess {
		t.Errorf("c1 status = %v, want success", turn.Invocations["c1"].Status)
	}
	if turn.Invocations["c2"].Status != InvocationExecuting {
		t.Errorf("c2 should start once c1 completes, got %v", turn.Invocations["c2"].Status)
	}
	if a := findAction(actions, ActionSendMSFCommand); a == nil || a.EntryId != "c2" {
		t.Errorf("expected send_msf_command for c2, got %#v", actions)
	}
}

// TestToolTimeoutMarksInvocationTimeoutNotError: a ToolError event
// carrying a KindTimeout error must land the invocation in
// InvocationTimeout, not the generic InvocationError, so the next LLM
// turn can tell the two apart.
func TestToolTimeoutMarksInvocationTimeoutNotError(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, true)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c1", ToolName: "shell", Arguments: nil}, reg)

	turn, _ = OnToolEvent(turn, ToolEvent{EntryId: "c1", Kind: ToolError, Err: NewError(KindTimeout, "")}, reg)
	if turn.Invocations["c1"].Status != InvocationTimeout {
		t.Fatalf("status = %v, want %v", turn.Invocations["c1"].Status, InvocationTimeout)
	}
}

func TestAllTerminalEndTurnFinishesTurn(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, true)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c1", ToolName: "shell", Arguments: nil}, reg)
	turn, _ = OnToolEvent(turn, ToolEvent{EntryId: "c1", Kind: ToolSuccess, Value: "ok"}, reg)

	turn, actions := OnEvent(turn, LLMEvent{Kind: EventComplete, StopReason: "end_turn"}, reg)
	if turn.Status != TurnFinished {
		t.Fatalf("status = %v, want %v", turn.Status, TurnFinished)
	}
	if a := findAction(actions, ActionUpdateTurnStatus); a == nil || a.Turn != TurnFinished {
		t.Errorf("expected update_turn_status(finished), got %#v", actions)
	}
}

func TestAllTerminalToolUseContinuesWithNewLLMCall(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, true)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c1", ToolName: "shell", Arguments: nil}, reg)
	turn, _ = OnToolEvent(turn, ToolEvent{EntryId: "c1", Kind: ToolSuccess, Value: "ok"}, reg)

	turn, actions := OnEvent(turn, LLMEvent{Kind: EventComplete, StopReason: "tool_use", CacheContext: "ctx-2"}, reg)
	if turn.Status != TurnPending {
		t.Fatalf("status = %v, want %v", turn.Status, TurnPending)
	}
	a := findAction(actions, ActionStartLLM)
	if a == nil {
		t.Fatalf("expected a continuation start_llm action, got %#v", actions)
	}
	if params := a.BuildParams(); params.LastCacheContext != "ctx-2" {
		t.Errorf("continuation cache context = %v, want ctx-2", params.LastCacheContext)
	}
}

// TestCancelMidFlightAbsorbsLateCompletion: cancelling a turn with an
// in-flight shell tool must mark that invocation cancelled immediately
// with no further LLM call, and the tool's eventual completion message
// must be absorbed without overwriting the terminal status.
func TestCancelMidFlightAbsorbsLateCompletion(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, true)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c1", ToolName: "shell", Arguments: nil}, reg)

	if turn.Invocations["c1"].Status != InvocationExecuting {
		t.Fatalf("precondition: c1 should be executing, got %v", turn.Invocations["c1"].Status)
	}

	turn, actions, err := CancelTurn(turn)
	if err != nil {
		t.Fatalf("CancelTurn: %v", err)
	}
	if turn.Status != TurnCancelled {
		t.Fatalf("status = %v, want %v", turn.Status, TurnCancelled)
	}
	if turn.Invocations["c1"].Status != InvocationCancelled {
		t.Fatalf("c1 status = %v, want cancelled", turn.Invocations["c1"].Status)
	}
	if a := findAction(actions, ActionUpdateTurnStatus); a == nil || a.Turn != TurnCancelled {
		t.Errorf("expected update_turn_status(cancelled), got %#v", actions)
	}

	// The shell worker's eventual "success" arrives after the cancel.
	turn, actions = OnToolEvent(turn, ToolEvent{EntryId: "c1", Kind: ToolSuccess, Value: "too late"}, reg)
	if turn.Invocations["c1"].Status != InvocationCancelled {
		t.Fatalf("late completion must not overwrite the terminal cancelled status, got %v", turn.Invocations["c1"].Status)
	}
	if turn.Status != TurnCancelled {
		t.Fatalf("status must remain cancelled, got %v", turn.Status)
	}
	if a := findAction(actions, ActionStartLLM); a != nil {
		t.Errorf("a cancelled turn must never reconcile into a new LLM call, got %#v", actions)
	}
}

func TestCancelOnInactiveTurnIsRejected(t *testing.T) {
	turn := NewTurn()
	if _, _, err := CancelTurn(turn); err == nil || err.Kind != KindInvalidStatus {
		t.Fatalf("CancelTurn on idle turn: got %v, want invalid_status", err)
	}

	turn, _ = StartTurn(turn, "hi", "m", nil, true)
	reg := testReg()
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventComplete, StopReason: "end_turn"}, reg)
	if turn.Status != TurnFinished {
		t.Fatalf("precondition: turn should be finished, got %v", turn.Status)
	}
	if _, _, err := CancelTurn(turn); err == nil || err.Kind != KindInvalidStatus {
		t.Fatalf("CancelTurn on finished turn: got %v, want invalid_status", err)
	}
}

func TestDenyMarksInvocationDeniedAndCanFinishTurn(t *testing.T) {
	reg := testReg()
	turn, _ := StartTurn(NewTurn(), "hi", "m", nil, false)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventStarted}, reg)
	turn, _ = OnEvent(turn, LLMEvent{Kind: EventToolCall, ToolCallId: "c1", ToolName: "shell", Arguments: nil}, reg)

	turn, _, err := Deny(turn, "c1", "not authorized against this host", reg)
	if err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if turn.Invocations["c1"].Status != InvocationDenied {
		t.Fatalf("status = %v, want denied", turn.Invocations["c1"].Status)
	}

	turn, actions := OnEvent(turn, LLMEvent{Kind: EventComplete, StopReason: "end_turn"}, reg)
	if turn.Status != TurnFinished {
		t.Fatalf("status = %v, want %v", turn.Status, TurnFinished)
	}
	_ = actions
}

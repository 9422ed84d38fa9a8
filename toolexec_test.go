package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingInvoker struct {
	mu          sync.Mutex
	startOrder  []EntryId
	finishOrder []EntryId
	delay       map[EntryId]time.Duration
}

func (r *recordingInvoker) Invoke(_ context.Context, _ ExecContext, call ToolCall, _ ToolDescriptor) ToolOutcome {
	r.mu.Lock()
	r.startOrder = append(r.startOrder, call.EntryId)
	r.mu.Unlock()

	time.Sleep(r.delay[call.EntryId])

	r.mu.Lock()
	r.finishOrder = append(r.finishOrder, call.EntryId)
	r.mu.Unlock()

	return ToolOutcome{Value: "done"}
}

func indexOf(s []EntryId, v EntryId) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestDispatchMutexOrderingAcrossBatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ToolDescriptor{Name: "help", Mutex: "console"})
	reg.Register(ToolDescriptor{Name: "version", Mutex: "console"})
	reg.Register(ToolDescriptor{Name: "ls", Mutex: mutexNone})
	reg.Register(ToolDescriptor{Name: "pwd", Mutex: mutexNone})

	calls := []ToolCall{
		{EntryId: "1", ToolName: "help"},
		{EntryId: "2", ToolName: "version"},
		{EntryId: "3", ToolName: "ls"},
		{EntryId: "4", ToolName: "pwd"},
	}

	invoker := &recordingInvoker{delay: map[EntryId]time.Duration{"1": 50 * time.Millisecond}}

	var mu sync.Mutex
	var events []ToolEvent
	emit := func(ev ToolEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	Dispatch(context.Background(), reg, ExecContext{}, calls, invoker, emit)

	// console tool 2 must not start until console tool 1 finishes.
	if fin1 := indexOf(invoker.finishOrder, "1"); fin1 == -1 || indexOf(invoker.startOrder, "2") < fin1 {
		t.Errorf("expected tool 2 to start after tool 1 finished; finishOrder=%v startOrder=%v",
			invoker.finishOrder, invoker.startOrder)
	}

	// shell tools 3 and 4 must both have started before tool 1 (the slow
	// console tool) finished, i.e. they ran concurrently with it.
	fin1 := indexOf(invoker.finishOrder, "1")
	start3 := indexOf(invoker.startOrder, "3")
	start4 := indexOf(invoker.startOrder, "4")
	if start3 == -1 || start4 == -1 {
		t.Fatalf("expected shell tools to have started: startOrder=%v", invoker.startOrder)
	}
	if fin3, fin4 := indexOf(invoker.finishOrder, "3"), indexOf(invoker.finishOrder, "4"); fin3 > fin1 || fin4 > fin1 {
		t.Errorf("expected shell tools to finish while tool 1 was still running; finishOrder=%v", invoker.finishOrder)
	}

	for _, id := range []EntryId{"1", "2", "3", "4"} {
		found := false
		for _, ev := range events {
			if ev.EntryId == id && ev.Kind == ToolSuccess {
				found = true
			}
		}
		if !found {
			t.Errorf("expected a success event for entry %s", id)
		}
	}
}

func TestDispatchUnknownToolEmitsError(t *testing.T) {
	reg := NewRegistry()
	invoker := &recordingInvoker{delay: map[EntryId]time.Duration{}}

	var events []ToolEvent
	emit := func(ev ToolEvent) { events = append(events, ev) }

	Dispatch(context.Background(), reg, ExecContext{}, []ToolCall{{EntryId: "1", ToolName: "nope"}}, invoker, emit)

	if len(events) != 1 || events[0].Kind != ToolError || events[0].Err == nil || events[0].Err.Kind != KindUnknownTool {
		t.Fatalf("expected a single KindUnknownTool error event, got %#v", events)
	}
}

// TestDispatchTimeoutUnblocksSequentialGroup: a tool that outlives its
// descriptor timeout is marked timeout by the manager itself and the next
// tool in the same mutex group is submitted; the slow invocation's
// eventual return value is discarded.
func TestDispatchTimeoutUnblocksSequentialGroup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ToolDescriptor{Name: "slow", Mutex: "console", TimeoutMs: 20})
	reg.Register(ToolDescriptor{Name: "fast", Mutex: "console"})

	invoker := &recordingInvoker{delay: map[EntryId]time.Duration{"1": 300 * time.Millisecond}}

	var mu sync.Mutex
	var events []ToolEvent
	emit := func(ev ToolEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	calls := []ToolCall{
		{EntryId: "1", ToolName: "slow"},
		{EntryId: "2", ToolName: "fast"},
	}
	Dispatch(context.Background(), reg, ExecContext{}, calls, invoker, emit)

	mu.Lock()
	defer mu.Unlock()

	var slowTerminal *ToolEvent
	fastSucceeded := false
	for i := range events {
		ev := events[i]
		if ev.EntryId == "1" && ev.Kind == ToolError {
			slowTerminal = &events[i]
		}
		if ev.EntryId == "1" && ev.Kind == ToolSuccess {
			t.Errorf("the timed-out tool's late result must be discarded, got %#v", ev)
		}
		if ev.EntryId == "2" && ev.Kind == ToolSuccess {
			fastSucceeded = true
		}
	}
	if slowTerminal == nil || slowTerminal.Err == nil || slowTerminal.Err.Kind != KindTimeout {
		t.Fatalf("expected a KindTimeout error for entry 1, got %#v", events)
	}
	if !fastSucceeded {
		t.Fatalf("expected entry 2 to run after entry 1 timed out, got %#v", events)
	}
}

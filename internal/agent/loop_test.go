// File: internal/agent/loop_test.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot-cli/api/schemas"
)

// -- Fakes --

type fakeOracle struct {
	script   func(call int, req schemas.DecisionRequest) (schemas.Decision, error)
	requests []schemas.DecisionRequest
}

func (f *fakeOracle) DecideNextAction(_ context.Context, req schemas.DecisionRequest) (schemas.Decision, error) {
	f.requests = append(f.requests, req)
	return f.script(len(f.requests), req)
}

type fakeExecutor struct {
	outcomes func(call int, action schemas.Action) schemas.Outcome
	actions  []schemas.Action
	tools    []string
}

func (f *fakeExecutor) Execute(_ context.Context, action schemas.Action) schemas.Outcome {
	f.actions = append(f.actions, action)
	return f.outcomes(len(f.actions), action)
}

func (f *fakeExecutor) TakeToolsUsed() []string {
	tools := f.tools
	f.tools = nil
	return tools
}

type fakeObserver struct {
	pages    []string
	degraded []bool
	calls    int
}

func (f *fakeObserver) Capture(context.Context) schemas.Observation {
	pick := f.calls
	f.calls++
	page := "static page"
	if len(f.pages) > 0 {
		idx := pick
		if idx >= len(f.pages) {
			idx = len(f.pages) - 1
		}
		page = f.pages[idx]
	}
	degraded := false
	if len(f.degraded) > 0 {
		idx := pick
		if idx >= len(f.degraded) {
			idx = len(f.degraded) - 1
		}
		degraded = f.degraded[idx]
	}
	return schemas.Observation{
		DOM:           page,
		Console:       "",
		Accessibility: page,
		Degraded:      degraded,
	}
}

func alwaysSucceed(int, schemas.Action) schemas.Outcome {
	return schemas.Outcome{Success: true, Reason: "ok"}
}

func clickDecision(selector string) schemas.Decision {
	return schemas.Decision{Action: "click", Selector: selector, Reasoning: "try it"}
}

func newTestOrchestrator(t *testing.T, exec Executor, obs Observer, oracle schemas.Oracle, opts ...Option) *Orchestrator {
	t.Helper()
	return NewOrchestrator(exec, obs, oracle, zaptest.NewLogger(t), opts...)
}

// -- Run Scenarios --

func TestRunEndsWithSuccessWhenOracleSignalsDone(t *testing.T) {
	oracle := &fakeOracle{script: func(call int, _ schemas.DecisionRequest) (schemas.Decision, error) {
		if call < 3 {
			return clickDecision("#next"), nil
		}
		return schemas.Decision{Action: "done", Reasoning: "objective achieved"}, nil
	}}
	exec := &fakeExecutor{outcomes: alwaysSucceed}
	orch := newTestOrchestrator(t, exec, &fakeObserver{}, oracle)

	memory := orch.Run(context.Background(), "buy the thing")

	require.True(t, memory.Success)
	assert.Empty(t, memory.LastError)
	assert.Len(t, memory.History, 2)
	assert.Equal(t, "buy the thing", memory.Objective)
	assert.NotEmpty(t, memory.RunID)
}

func TestRunExhaustsStepBudget(t *testing.T) {
	oracle := &fakeOracle{script: func(int, schemas.DecisionRequest) (schemas.Decision, error) {
		return clickDecision("#forever"), nil
	}}
	exec := &fakeExecutor{outcomes: alwaysSucceed}
	orch := newTestOrchestrator(t, exec, &fakeObserver{}, oracle, WithMaxSteps(5))

	memory := orch.Run(context.Background(), "never finishes")

	require.False(t, memory.Success)
	assert.Equal(t, "step budget exhausted", memory.LastError)
	assert.Len(t, memory.History, 5)
	assert.Len(t, oracle.requests, 5)
}

func TestRunContinuesAfterFailedAction(t *testing.T) {
	oracle := &fakeOracle{script: func(call int, _ schemas.DecisionRequest) (schemas.Decision, error) {
		if call == 1 {
			return clickDecision("#missing"), nil
		}
		return schemas.Decision{Action: "done"}, nil
	}}
	exec := &fakeExecutor{outcomes: func(int, schemas.Action) schemas.Outcome {
		return schemas.Outcome{Success: false, Reason: "no clickable element found"}
	}}
	orch := newTestOrchestrator(t, exec, &fakeObserver{}, oracle)

	memory := orch.Run(context.Background(), "click something missing")

	// The failed click is not fatal; the oracle sees it and finishes.
	require.True(t, memory.Success)
	require.Len(t, memory.History, 2)
	for _, record := range memory.History {
		assert.False(t, record.Outcome.Success)
		assert.Contains(t, record.Outcome.Reason, "no clickable element found")
	}
	// The second oracle call saw the recorded failure.
	require.Len(t, oracle.requests, 2)
	require.NotEmpty(t, oracle.requests[1].History)
	assert.Contains(t, oracle.requests[1].History[0].Outcome.Reason, "no clickable element found")
}

func TestRunAbortsOnOracleFailure(t *testing.T) {
	oracle := &fakeOracle{script: func(call int, _ schemas.DecisionRequest) (schemas.Decision, error) {
		if call == 1 {
			return clickDecision("#first"), nil
		}
		return schemas.Decision{}, errors.New("model unavailable")
	}}
	exec := &fakeExecutor{outcomes: alwaysSucceed}
	orch := newTestOrchestrator(t, exec, &fakeObserver{}, oracle)

	memory := orch.Run(context.Background(), "doomed run")

	require.False(t, memory.Success)
	assert.Contains(t, memory.LastError, "oracle decision error")
	assert.Contains(t, memory.LastError, "model unavailable")
	// The run stopped at step 2, no third decision was requested.
	assert.Len(t, oracle.requests, 2)
	assert.Len(t, memory.History, 1)
}

func TestRetryCeilingStopsOnFirstSuccess(t *testing.T) {
	oracle := &fakeOracle{script: func(call int, _ schemas.DecisionRequest) (schemas.Decision, error) {
		if call == 1 {
			return clickDecision("#flaky"), nil
		}
		return schemas.Decision{Action: "done"}, nil
	}}
	exec := &fakeExecutor{outcomes: func(call int, _ schemas.Action) schemas.Outcome {
		if call < 3 {
			return schemas.Outcome{Success: false, Reason: "transient"}
		}
		return schemas.Outcome{Success: true}
	}}
	orch := newTestOrchestrator(t, exec, &fakeObserver{}, oracle, WithStepRetryLimit(5))

	memory := orch.Run(context.Background(), "flaky click")

	require.True(t, memory.Success)
	// Two failed attempts, one success, then no further attempts.
	require.Len(t, memory.History, 3)
	assert.Equal(t, 1, memory.History[0].Attempt)
	assert.Equal(t, 2, memory.History[1].Attempt)
	assert.Equal(t, 3, memory.History[2].Attempt)
	assert.True(t, memory.History[2].Outcome.Success)
}

func TestRetryCeilingIsRespected(t *testing.T) {
	oracle := &fakeOracle{script: func(call int, _ schemas.DecisionRequest) (schemas.Decision, error) {
		if call == 1 {
			return clickDecision("#broken"), nil
		}
		return schemas.Decision{Action: "done"}, nil
	}}
	exec := &fakeExecutor{outcomes: func(int, schemas.Action) schemas.Outcome {
		return schemas.Outcome{Success: false, Reason: "still broken"}
	}}
	orch := newTestOrchestrator(t, exec, &fakeObserver{}, oracle, WithStepRetryLimit(2))

	memory := orch.Run(context.Background(), "limited retries")

	require.True(t, memory.Success)
	assert.Len(t, exec.actions, 2)
	assert.Len(t, memory.History, 2)
}

func TestUnchangedStreakIncrementsAndResets(t *testing.T) {
	// Steps 1 and 2 leave the page identical, step 3 changes it.
	pages := []string{
		"page A", "page A", // step 1: before, after (unchanged)
		"page A", "page A", // step 2: unchanged again
		"page A", "page B", // step 3: changed
		"page B", "page B", // step 4: unchanged
	}
	oracle := &fakeOracle{script: func(call int, _ schemas.DecisionRequest) (schemas.Decision, error) {
		if call <= 4 {
			return clickDecision("#thing"), nil
		}
		return schemas.Decision{Action: "done"}, nil
	}}
	exec := &fakeExecutor{outcomes: alwaysSucceed}
	orch := newTestOrchestrator(t, exec, &fakeObserver{pages: pages}, oracle)

	memory := orch.Run(context.Background(), "watch the streak")

	require.True(t, memory.Success)
	streaks := make([]int, 0, len(oracle.requests))
	for _, req := range oracle.requests {
		streaks = append(streaks, req.UnchangedStreak)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1}, streaks)

	// The diff verdicts landed on the history entries.
	require.Len(t, memory.History, 4)
	require.NotNil(t, memory.History[2].DOMChanged)
	assert.True(t, *memory.History[2].DOMChanged)
	require.NotNil(t, memory.History[3].DOMChanged)
	assert.False(t, *memory.History[3].DOMChanged)
}

func TestDegradedCaptureNeverFeedsTheStreak(t *testing.T) {
	// Every capture fails with the same placeholder text. Comparing equal
	// placeholders must not count as a stalled page.
	oracle := &fakeOracle{script: func(call int, _ schemas.DecisionRequest) (schemas.Decision, error) {
		if call <= 4 {
			return clickDecision("#thing"), nil
		}
		return schemas.Decision{Action: "done"}, nil
	}}
	exec := &fakeExecutor{outcomes: alwaysSucceed}
	obs := &fakeObserver{
		pages:    []string{"[snapshot capture failed: tool process died]"},
		degraded: []bool{true},
	}
	orch := newTestOrchestrator(t, exec, obs, oracle)

	memory := orch.Run(context.Background(), "survive a dead tool")

	require.True(t, memory.Success)
	for _, req := range oracle.requests {
		assert.Zero(t, req.UnchangedStreak)
	}
	// The diff verdict was never computed, so it stays unset.
	for _, record := range memory.History {
		assert.Nil(t, record.DOMChanged)
	}
}

func TestDegradedCaptureResetsAccumulatedStreak(t *testing.T) {
	// Step 1 genuinely stalls, then step 2's post-action capture degrades.
	oracle := &fakeOracle{script: func(call int, _ schemas.DecisionRequest) (schemas.Decision, error) {
		if call <= 3 {
			return clickDecision("#thing"), nil
		}
		return schemas.Decision{Action: "done"}, nil
	}}
	exec := &fakeExecutor{outcomes: alwaysSucceed}
	obs := &fakeObserver{
		pages:    []string{"page A"},
		degraded: []bool{false, false, false, true, false},
	}
	orch := newTestOrchestrator(t, exec, obs, oracle)

	memory := orch.Run(context.Background(), "streak interrupted by capture failure")

	require.True(t, memory.Success)
	streaks := make([]int, 0, len(oracle.requests))
	for _, req := range oracle.requests {
		streaks = append(streaks, req.UnchangedStreak)
	}
	assert.Equal(t, []int{0, 1, 0, 1}, streaks)
	// Step 2's verdict was skipped, its neighbours were computed.
	require.Len(t, memory.History, 3)
	require.NotNil(t, memory.History[0].DOMChanged)
	assert.Nil(t, memory.History[1].DOMChanged)
	require.NotNil(t, memory.History[2].DOMChanged)
}

func TestRunAttachesToolTrace(t *testing.T) {
	oracle := &fakeOracle{script: func(call int, _ schemas.DecisionRequest) (schemas.Decision, error) {
		if call == 1 {
			return clickDecision("#thing"), nil
		}
		return schemas.Decision{Action: "done"}, nil
	}}
	exec := &fakeExecutor{outcomes: alwaysSucceed}
	exec.tools = []string{"evaluate_script", "click"}
	orch := newTestOrchestrator(t, exec, &fakeObserver{}, oracle)

	memory := orch.Run(context.Background(), "trace tools")

	require.Len(t, memory.History, 1)
	assert.Equal(t, []string{"evaluate_script", "click"}, memory.History[0].Outcome.ToolsUsed)
}

func TestBuildState(t *testing.T) {
	obs := schemas.Observation{
		Accessibility: `uid=1_0 RootWebArea "Example" https://example.com/search?q=x more`,
		Console:       "warning: slow frame\nUncaught TypeError: boom error\nplain line",
	}
	state := buildState(obs)
	assert.Equal(t, "https://example.com/search?q=x", state.URL)
	require.Len(t, state.ConsoleErrors, 1)
	assert.Contains(t, state.ConsoleErrors[0], "TypeError")
}

func TestBuildStateDefaultsURL(t *testing.T) {
	state := buildState(schemas.Observation{Accessibility: "no links here"})
	assert.Equal(t, "unknown", state.URL)
	assert.Empty(t, state.ConsoleErrors)
}

func ExampleNormalizeDecision() {
	action := NormalizeDecision(schemas.Decision{Action: "fill", Selector: `"Search"`, Value: "hello"})
	fmt.Println(action.Type)
	// Output: type
}

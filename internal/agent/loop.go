// File: internal/agent/loop.go
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot-cli/api/schemas"
)

// -- Defaults --

const (
	DefaultMaxSteps       = 20
	DefaultStepRetryLimit = 2

	// Number of consecutive unchanged observations before the oracle is
	// explicitly told its approach is not working.
	unchangedAlertThreshold = 3
)

// Executor runs one resolved action against the browser and exposes the
// per-action tool trace. *browser.Resolver satisfies it.
type Executor interface {
	Execute(ctx context.Context, action schemas.Action) schemas.Outcome
	TakeToolsUsed() []string
}

// Observer captures the current page evidence. *browser.Observer satisfies
// it.
type Observer interface {
	Capture(ctx context.Context) schemas.Observation
}

// Orchestrator drives the observe/decide/execute/diff loop until the oracle
// reports the objective done, the step budget runs out, or the oracle itself
// fails.
type Orchestrator struct {
	executor Executor
	observer Observer
	oracle   schemas.Oracle
	logger   *zap.Logger

	maxSteps       int
	stepRetryLimit int

	unchangedStreak int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxSteps caps the number of decision steps per run.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithStepRetryLimit caps action attempts per step.
func WithStepRetryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.stepRetryLimit = n
		}
	}
}

// NewOrchestrator wires the loop's collaborators together.
func NewOrchestrator(executor Executor, observer Observer, oracle schemas.Oracle, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		executor:       executor,
		observer:       observer,
		oracle:         oracle,
		logger:         logger.Named("orchestrator"),
		maxSteps:       DefaultMaxSteps,
		stepRetryLimit: DefaultStepRetryLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the loop for one objective and always returns a terminated
// RunMemory: Success true only when the oracle explicitly signalled
// completion, otherwise LastError explains why the run stopped.
func (o *Orchestrator) Run(ctx context.Context, objective string) *RunMemory {
	memory := NewRunMemory(objective)
	o.unchangedStreak = 0

	for step := 0; step < o.maxSteps; step++ {
		memory.StepIndex = step
		o.logger.Info("step starting",
			zap.Int("step", step+1), zap.Int("budget", o.maxSteps))

		obs := o.observer.Capture(ctx)
		state := buildState(obs)

		decision, err := o.oracle.DecideNextAction(ctx, schemas.DecisionRequest{
			Objective:       objective,
			State:           state,
			History:         memory.History,
			UnchangedStreak: o.unchangedStreak,
		})
		if err != nil {
			// The oracle failing is the one error that aborts the run.
			o.logger.Error("oracle decision failed", zap.Error(err))
			memory.LastError = fmt.Sprintf("oracle decision error: %v", err)
			break
		}

		verb := strings.ToLower(strings.TrimSpace(decision.Action))
		o.logger.Info("decision",
			zap.String("action", verb), zap.String("reasoning", decision.Reasoning))

		if verb == "done" {
			memory.Success = true
			break
		}

		action := NormalizeDecision(decision)
		o.executeWithRetry(ctx, memory, step, decision, action, obs)

		o.diffCheck(ctx, memory, obs)
	}

	if !memory.Success && memory.LastError == "" {
		memory.LastError = "step budget exhausted"
	}
	return memory
}

// executeWithRetry invokes the resolver up to the retry ceiling. Every
// attempt lands in history; exhausting the ceiling is not fatal, the oracle
// just sees the failure next iteration.
func (o *Orchestrator) executeWithRetry(ctx context.Context, memory *RunMemory, step int, decision schemas.Decision, action schemas.Action, obs schemas.Observation) {
	for attempt := 1; attempt <= o.stepRetryLimit; attempt++ {
		outcome := o.executor.Execute(ctx, action)
		outcome.ToolsUsed = o.executor.TakeToolsUsed()

		memory.Push(schemas.StepRecord{
			Step:            step,
			Attempt:         attempt,
			Decision:        decision,
			Outcome:         outcome,
			ConsoleHasError: obs.HasConsoleErrors(),
		})

		if outcome.Success {
			o.logger.Info("action succeeded",
				zap.Int("attempt", attempt),
				zap.Strings("tools", outcome.ToolsUsed))
			return
		}
		o.logger.Warn("action failed",
			zap.Int("attempt", attempt),
			zap.Int("limit", o.stepRetryLimit),
			zap.String("reason", outcome.Reason),
			zap.Strings("tools", outcome.ToolsUsed))
	}
}

// diffCheck fingerprints a fresh observation against the pre-action one and
// maintains the fail-fast counter. Equal fingerprints bump the streak, any
// change resets it. The verdict is attached to the last history entry.
// A degraded capture on either side makes the comparison meaningless, so the
// streak resets and the entry's verdict stays unset.
func (o *Orchestrator) diffCheck(ctx context.Context, memory *RunMemory, before schemas.Observation) {
	after := o.observer.Capture(ctx)
	if before.Degraded || after.Degraded {
		o.unchangedStreak = 0
		return
	}
	changed := HasChanged(SnapshotOf(before.Accessibility), SnapshotOf(after.Accessibility))
	if changed {
		o.unchangedStreak = 0
	} else {
		o.unchangedStreak++
		if o.unchangedStreak >= unchangedAlertThreshold {
			o.logger.Warn("page unchanged across consecutive steps",
				zap.Int("streak", o.unchangedStreak))
		}
	}
	memory.MarkLastDOMChanged(changed)
}

// -- State Summarization --

var urlRegex = regexp.MustCompile(`(?i)https?://[^\s"']+`)

// buildState condenses an observation into the oracle-facing page state. The
// accessibility tree stands in for the DOM view since it is more structured
// and carries the element handles.
func buildState(obs schemas.Observation) schemas.PageState {
	url := "unknown"
	if tree, ok := obs.Accessibility.(string); ok {
		if m := urlRegex.FindString(tree); m != "" {
			url = m
		}
	}
	return schemas.PageState{
		URL:           url,
		DOM:           obs.Accessibility,
		ConsoleErrors: consoleErrorLines(obs.Console),
	}
}

// consoleErrorLines pulls the first few error-looking console lines,
// truncated for prompt budget.
func consoleErrorLines(console any) []string {
	text, ok := console.(string)
	if !ok {
		return nil
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !strings.Contains(strings.ToLower(trimmed), "error") {
			continue
		}
		if len(trimmed) > 200 {
			trimmed = trimmed[:200]
		}
		out = append(out, trimmed)
		if len(out) >= 3 {
			break
		}
	}
	return out
}

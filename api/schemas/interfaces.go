// File: api/schemas/interfaces.go
package schemas

import "context"

// -- Oracle Interface --

// DecisionRequest carries everything the decision oracle needs to choose the
// next action: the run objective, the current page state, the full step
// history, and how many consecutive steps left the page fingerprint
// unchanged (the fail-fast counter).
type DecisionRequest struct {
	Objective       string
	State           PageState
	History         []StepRecord
	UnchangedStreak int
}

// Oracle is the external decision-making collaborator. Implementations own
// their transport and retry policy; the orchestrator treats any returned
// error as fatal to the run.
type Oracle interface {
	// DecideNextAction returns the next Decision for the run, or an error if
	// no decision could be obtained.
	DecideNextAction(ctx context.Context, req DecisionRequest) (Decision, error)
}

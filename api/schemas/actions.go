// File: api/schemas/actions.go
package schemas

import (
	"encoding/json"
	"strings"
	"time"
)

// -- Action Schemas --

// ActionType is an enumeration of the abstract browser actions the agent can
// perform. This provides a structured vocabulary for the agent's capabilities;
// legacy or synonymous verbs returned by the oracle (e.g. "open", "fill",
// "key") are canonicalized onto these values before execution.
type ActionType string

const (
	ActionNavigate    ActionType = "navigate"      // Navigates to a URL and waits for readiness.
	ActionClick       ActionType = "click"         // Clicks the element best matching a selector.
	ActionTypeText    ActionType = "type"          // Types text into an editable element.
	ActionPress       ActionType = "press"         // Presses a single key (e.g. "Enter").
	ActionWait        ActionType = "wait"          // Waits for a condition, or a plain timed pause.
	ActionWaitForText ActionType = "wait_for_text" // Waits for text to appear on the page.
	ActionQuery       ActionType = "query"         // Retrieves a structural snapshot.

	// ActionDone is the oracle's terminal verb. It is never executed against
	// the browser; the orchestrator ends the run with success when it sees it.
	ActionDone ActionType = "done"
)

// Action is a single, concrete browser action produced by normalizing an
// oracle decision. It is immutable once constructed.
type Action struct {
	Type      ActionType    `json:"type"`
	Selector  string        `json:"selector,omitempty"`   // CSS selector or free-text element description.
	Value     string        `json:"value,omitempty"`      // Text to type, key to press, or pause duration in ms.
	URL       string        `json:"url,omitempty"`        // Navigation target.
	WaitEvent string        `json:"wait_event,omitempty"` // Condition text for wait actions.
	Timeout   time.Duration `json:"timeout"`              // Per-action deadline for the executing tool call.
}

// Decision is the raw next-step object returned by the decision oracle. The
// verb in Action is not yet canonicalized; see agent.NormalizeDecision.
type Decision struct {
	Action    string `json:"action"`
	Selector  string `json:"selector,omitempty"`
	Value     string `json:"value,omitempty"`
	URL       string `json:"url,omitempty"`
	WaitEvent string `json:"wait_event,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Outcome reports the result of executing one Action. Recoverable failures
// (element not found, tool error, call timeout) are reported here rather than
// raised; the oracle sees them in the step history on its next decision.
type Outcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"` // Human-readable failure reason, empty on success.
	Raw     any    `json:"raw,omitempty"`    // The raw tool payload for post-hoc diagnosis.
	// ToolsUsed is the ordered set of distinct tool names invoked for this
	// action. It resets per action (read-and-clear on the resolver side).
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// -- Observation Schemas --

// Observation captures the visible browser state at a point in time. Each
// field is captured independently with its own deadline; a failed sub-capture
// degrades to an error placeholder instead of aborting the step.
type Observation struct {
	DOM           any `json:"dom"`
	Console       any `json:"console"`
	Accessibility any `json:"accessibility"`
	// ScreenshotPath is empty when the screenshot was skipped or failed.
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	// Degraded marks an observation whose accessibility capture failed and
	// carries a placeholder instead of page content. Placeholders compare
	// equal across captures, so degraded observations must not feed diffs.
	Degraded bool `json:"degraded,omitempty"`
}

// HasConsoleErrors reports whether the captured console output mentions an
// error. It is a coarse text scan; the oracle gets the full console payload.
func (o Observation) HasConsoleErrors() bool {
	if o.Console == nil {
		return false
	}
	blob, err := json.Marshal(o.Console)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(blob)), "error")
}

// PageState is the oracle-facing summary of an Observation.
type PageState struct {
	URL           string   `json:"url"`
	DOM           any      `json:"dom"`
	ConsoleErrors []string `json:"console_errors,omitempty"`
}

// -- Run History Schemas --

// StepRecord is one entry in the run history: a single attempt at a single
// step, successful or not.
type StepRecord struct {
	Step            int      `json:"step"`
	Attempt         int      `json:"attempt"`
	Decision        Decision `json:"decision"`
	Outcome         Outcome  `json:"outcome"`
	ConsoleHasError bool     `json:"console_has_error"`
	// DOMChanged is set after the post-action diff check. Nil when the step's
	// diff was never computed (e.g. the final attempt of an aborted run).
	DOMChanged *bool `json:"dom_changed,omitempty"`
}

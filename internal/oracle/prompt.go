// File: internal/oracle/prompt.go
package oracle

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot-cli/api/schemas"
)

const (
	domSummaryMaxLines  = 150
	domFallbackMaxChars = 3000
	maxConsoleErrors    = 3
	maxAlternatives     = 3

	// failFastThreshold is the unchanged-fingerprint streak at which the
	// prompt starts telling the model its approach is not working.
	failFastThreshold = 3
)

// decideSystemPrompt frames the model as a single-step planner. It must only
// ever use selectors visible in the snapshot it is shown.
const decideSystemPrompt = "You are an autonomous web testing agent using Chrome DevTools MCP. " +
	"Analyze the current browser state (URL, DOM structure, console) and decide the NEXT SINGLE action. " +
	"Return strict JSON with: action (navigate|click|type|press|wait|done), selector (string|null), " +
	"value (string|null), url (string|null), reasoning (string explaining why this action). " +
	"Use 'done' action when objective is fully achieved. " +
	"ALWAYS inspect the DOM structure carefully and ONLY use selectors that YOU CAN SEE in the provided DOM. " +
	"Never invent or guess selectors. If you cannot find a matching element in the DOM, try alternative approaches: " +
	"adjust the selector, use different search terms, try waiting for content to load, or navigate to a different page. " +
	"If previous action failed with 'no clickable element found', the selector did not match anything - analyze the DOM carefully " +
	"and find a selector that actually exists in the structure provided. Use semantic selectors when possible: role, aria-label, text content. " +
	"If previous action failed, analyze why and adjust your strategy instead of retrying the same selector."

// buildUserMessage assembles the per-step user prompt: objective, URL, DOM
// summary, recent console errors, the previous attempt's result, and the
// fail-fast alert once the page fingerprint has stalled.
func buildUserMessage(req schemas.DecisionRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Objective: %s\n\n", req.Objective)
	fmt.Fprintf(&sb, "Current URL: %s\n\n", req.State.URL)
	fmt.Fprintf(&sb, "DOM Structure:\n%s\n\n", summarizeDOM(req.State.DOM))

	if len(req.State.ConsoleErrors) > 0 {
		errs := req.State.ConsoleErrors
		if len(errs) > maxConsoleErrors {
			errs = errs[:maxConsoleErrors]
		}
		fmt.Fprintf(&sb, "Console Errors: %s\n\n", strings.Join(errs, " | "))
	}

	if len(req.History) > 0 {
		last := req.History[len(req.History)-1]
		fmt.Fprintf(&sb, "Last Action: %s %s\n", last.Decision.Action, last.Decision.Selector)
		if last.Outcome.Success {
			sb.WriteString("Result: Success\n\n")
		} else {
			sb.WriteString("Result: Failed\n")
			reason := last.Outcome.Reason
			if reason == "" {
				reason = "Unknown error"
			}
			fmt.Fprintf(&sb, "Error Reason: %s\n", reason)

			// Self-repair hint: surface clickable alternatives when the
			// resolver attached them to the failed outcome.
			if alts := alternativeDescriptions(last.Outcome.Raw); len(alts) > 0 {
				sb.WriteString("Suggested Clickable Alternatives:\n")
				for i, alt := range alts {
					fmt.Fprintf(&sb, "  %d. %s\n", i+1, alt)
				}
			}
			sb.WriteString("\n")
		}
	}

	if req.UnchangedStreak >= failFastThreshold {
		fmt.Fprintf(&sb,
			"FAIL-FAST ALERT: The page DOM has not changed for the last %d actions.\n"+
				"This suggests your current approach is not working. Try:\n"+
				"  - Using a completely different selector strategy\n"+
				"  - Waiting for dynamic content to load\n"+
				"  - Navigating to a different page\n"+
				"  - Reconsidering the approach entirely\n\n",
			req.UnchangedStreak)
	}

	sb.WriteString("Decide the NEXT action to progress toward the objective.")
	return sb.String()
}

// summarizeDOM extracts meaningful DOM structure for model analysis. Snapshot
// payloads arrive either as the flattened snapshot text or as the raw MCP
// content envelope; both collapse to the first N non-empty lines.
func summarizeDOM(dom any) string {
	var text string

	switch v := dom.(type) {
	case string:
		text = v
	case map[string]any:
		if content, ok := v["content"].([]any); ok {
			var parts []string
			for _, chunk := range content {
				m, ok := chunk.(map[string]any)
				if !ok || m["type"] != "text" {
					continue
				}
				if s, ok := m["text"].(string); ok {
					parts = append(parts, s)
				}
			}
			text = strings.Join(parts, "\n")
		}
	}

	if text == "" {
		fallback := fmt.Sprintf("%v", dom)
		if len(fallback) > domFallbackMaxChars {
			fallback = fallback[:domFallbackMaxChars]
		}
		return fallback
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) > domSummaryMaxLines {
		lines = lines[:domSummaryMaxLines]
	}
	return strings.Join(lines, "\n")
}

// alternativeDescriptions pulls the suggested_alternatives descriptions out of
// a raw outcome payload. The payload shape depends on whether the outcome is
// still in memory or has round-tripped through JSON, so it goes through a
// marshal cycle rather than a type assertion ladder.
func alternativeDescriptions(raw any) []string {
	if raw == nil {
		return nil
	}
	blob, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(raw)
	if err != nil {
		return nil
	}
	var envelope struct {
		SuggestedAlternatives []struct {
			Description string `json:"description"`
		} `json:"suggested_alternatives"`
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(blob, &envelope); err != nil {
		return nil
	}

	var out []string
	for _, alt := range envelope.SuggestedAlternatives {
		if alt.Description == "" {
			continue
		}
		out = append(out, alt.Description)
		if len(out) == maxAlternatives {
			break
		}
	}
	return out
}

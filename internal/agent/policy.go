// File: internal/agent/policy.go
package agent

import (
	"strings"
	"time"

	"github.com/xkilldash9x/webpilot-cli/api/schemas"
)

const defaultActionTimeout = 5 * time.Second

// NormalizeDecision canonicalizes a raw oracle decision into an executable
// action. Decision layers are sloppy about verbs, so synonyms and legacy
// names are folded onto the supported vocabulary, and a navigate without a
// url is downgraded to something that can actually run.
func NormalizeDecision(decision schemas.Decision) schemas.Action {
	verb := strings.ToLower(strings.TrimSpace(decision.Action))

	switch {
	case verb == "navigate" && decision.URL == "":
		if decision.Selector != "" {
			verb = "click"
		} else {
			verb = "wait"
		}
	case verb == "open":
		verb = "navigate"
	case verb == "fill":
		verb = "type"
	case verb == "press_key" || verb == "key" || verb == "keypress":
		verb = "press"
	}

	return schemas.Action{
		Type:      schemas.ActionType(verb),
		Selector:  decision.Selector,
		Value:     decision.Value,
		URL:       decision.URL,
		WaitEvent: decision.WaitEvent,
		Timeout:   defaultActionTimeout,
	}
}

// File: internal/browser/result.go
package browser

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot-cli/internal/llmutil"
)

// ToolResult is the discriminated outcome of one tool call, produced exactly
// once at the protocol boundary by Classify. Downstream logic pattern-matches
// on OK instead of re-sniffing the raw payload.
type ToolResult struct {
	OK     bool
	Reason string // Failure reason; empty when OK.
	// Payload is the structured object the tool (or the in-page script)
	// returned, when one could be extracted. May be nil even on success.
	Payload map[string]any
	Raw     json.RawMessage
}

var (
	failureTextRegex = regexp.MustCompile(`(?i)\b(error|failed|failure|timeout|no\s+clickable|no\s+editable|could\s+not\s+resolve|not\s+found)\b`)
	timeoutTextRegex = regexp.MustCompile(`(?i)\b(timed?\s*out|timeout)\b`)
)

// Classify interprets a raw tool response. Two failure shapes exist in the
// wild and both are handled here: the MCP convention of isError:true with a
// text content block, and business-level failures reported as a boolean
// false under ok/success/status keys at any depth.
func Classify(raw json.RawMessage) ToolResult {
	var decoded any
	if err := jsoniter.Unmarshal(raw, &decoded); err != nil {
		// Not JSON at all; treat the opaque payload as a success.
		return ToolResult{OK: true, Raw: raw}
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return ToolResult{OK: true, Raw: raw}
	}

	if isErr, _ := obj["isError"].(bool); isErr {
		reason := firstContentText(obj)
		if reason == "" {
			reason = "tool returned an error"
		}
		return ToolResult{Reason: reason, Payload: extractPayload(obj), Raw: raw}
	}

	payload := extractPayload(obj)

	// An explicit boolean verdict in the payload wins over text sniffing.
	if verdict, found := booleanVerdict(payload); found {
		if verdict {
			return ToolResult{OK: true, Payload: payload, Raw: raw}
		}
		return ToolResult{Reason: failureReason(obj, payload), Payload: payload, Raw: raw}
	}

	if containsNegativeSignal(obj) {
		return ToolResult{Reason: failureReason(obj, payload), Payload: payload, Raw: raw}
	}

	if reason := extractFailureText(obj); reason != "" {
		return ToolResult{Reason: reason, Payload: payload, Raw: raw}
	}

	return ToolResult{OK: true, Payload: payload, Raw: raw}
}

// FlattenText returns every string reachable in the raw result document,
// concatenated depth-first.
func (r ToolResult) FlattenText() string {
	return FlattenText(rawToAny(r.Raw))
}

// ContainsText reports whether the flattened textual content of the result
// mentions needle, case-insensitively. Used for transient-miss detection.
func (r ToolResult) ContainsText(needle string) bool {
	blob := strings.ToLower(r.FlattenText() + "\n" + r.Reason)
	return strings.Contains(blob, strings.ToLower(needle))
}

// TimeoutShaped reports whether a failure reason reads like a timeout.
func (r ToolResult) TimeoutShaped() bool {
	return timeoutTextRegex.MatchString(r.Reason) || timeoutTextRegex.MatchString(r.FlattenText())
}

// PayloadString returns a string field from the extracted payload.
func (r ToolResult) PayloadString(key string) string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return s
}

// PayloadBool returns a boolean field from the extracted payload.
func (r ToolResult) PayloadBool(key string) bool {
	if r.Payload == nil {
		return false
	}
	b, _ := r.Payload[key].(bool)
	return b
}

// booleanVerdict looks for an explicit ok/success/status boolean directly on
// the payload object.
func booleanVerdict(payload map[string]any) (verdict, found bool) {
	if payload == nil {
		return false, false
	}
	for _, key := range []string{"ok", "success", "status"} {
		if v, present := payload[key]; present {
			if b, isBool := v.(bool); isBool {
				return b, true
			}
		}
	}
	return false, false
}

// containsNegativeSignal recursively scans for a boolean false under the
// conventional verdict keys.
func containsNegativeSignal(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for _, key := range []string{"ok", "success", "status"} {
			if b, isBool := val[key].(bool); isBool && !b {
				return true
			}
		}
		for _, nested := range val {
			if containsNegativeSignal(nested) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if containsNegativeSignal(item) {
				return true
			}
		}
	}
	return false
}

// failureReason prefers the payload's own reason over generic sniffing.
func failureReason(obj, payload map[string]any) string {
	if payload != nil {
		for _, key := range []string{"reason", "error", "message"} {
			if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	if reason := extractFailureText(obj); reason != "" {
		return reason
	}
	return "action failed based on tool result"
}

// extractFailureText walks the value looking for failure-looking strings
// under conventional diagnostic keys or text content blocks.
func extractFailureText(v any) string {
	switch val := v.(type) {
	case map[string]any:
		for _, key := range []string{"reason", "error", "message", "details"} {
			if s, ok := val[key].(string); ok {
				s = strings.TrimSpace(s)
				if s != "" && failureTextRegex.MatchString(s) {
					return s
				}
			}
		}
		if content, ok := val["content"].([]any); ok {
			for _, chunk := range content {
				if m, ok := chunk.(map[string]any); ok && m["type"] == "text" {
					if s, _ := m["text"].(string); strings.TrimSpace(s) != "" && failureTextRegex.MatchString(s) {
						return strings.TrimSpace(s)
					}
				}
			}
		}
		for _, nested := range val {
			if s := extractFailureText(nested); s != "" {
				return s
			}
		}
	case []any:
		for _, item := range val {
			if s := extractFailureText(item); s != "" {
				return s
			}
		}
	}
	return ""
}

// extractPayload digs the structured object out of a tool response: a
// "result" object if present, otherwise a JSON object embedded in the
// flattened text content (the shape evaluate_script responses take).
func extractPayload(obj map[string]any) map[string]any {
	if result, ok := obj["result"].(map[string]any); ok {
		return result
	}

	text := FlattenText(obj)
	if text == "" {
		return nil
	}
	extracted, err := llmutil.ExtractJSONObject(text)
	if err != nil {
		return nil
	}
	var payload map[string]any
	if err := jsoniter.Unmarshal([]byte(extracted), &payload); err != nil {
		return nil
	}
	return payload
}

// firstContentText returns the first non-empty text content block.
func firstContentText(obj map[string]any) string {
	content, ok := obj["content"].([]any)
	if !ok {
		return ""
	}
	for _, chunk := range content {
		if m, ok := chunk.(map[string]any); ok && m["type"] == "text" {
			if s, _ := m["text"].(string); strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// FlattenText concatenates every string reachable in the value, depth-first.
func FlattenText(v any) string {
	var parts []string
	var walk func(any)
	walk = func(node any) {
		switch val := node.(type) {
		case string:
			if val != "" {
				parts = append(parts, val)
			}
		case map[string]any:
			for _, key := range sortedKeys(val) {
				walk(val[key])
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	return strings.Join(parts, "\n")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic flattening keeps fingerprints stable across captures.
	sort.Strings(keys)
	return keys
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := jsoniter.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

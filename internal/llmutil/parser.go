// File: internal/llmutil/parser.go
package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// fencedObjectRegex extracts a JSON object wrapped in a markdown code fence.
	fencedObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
)

// ParseJSONResponse parses a model or tool response string into T. Models and
// in-page scripts alike tend to wrap their JSON in markdown fences or pad it
// with conversational text, so the object is located heuristically first.
func ParseJSONResponse[T any](response string) (*T, error) {
	extracted, err := ExtractJSONObject(response)
	if err != nil {
		return nil, err
	}

	var result T
	if err := json.Unmarshal([]byte(extracted), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON response: %w (extracted: %s)", err, truncate(extracted, 500))
	}
	return &result, nil
}

// ExtractJSONObject locates the JSON object embedded in free-form text:
// a ```json fence first, then the outermost brace pair. Returns an error
// when no object boundary can be found at all.
func ExtractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty response, no JSON object to extract")
	}

	if strings.Contains(text, "```") {
		if matches := fencedObjectRegex.FindStringSubmatch(text); len(matches) > 1 {
			return matches[1], nil
		}
	}

	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first == -1 || last <= first {
		return "", fmt.Errorf("no JSON object found in response (truncated): %s", truncate(text, 200))
	}
	return text[first : last+1], nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

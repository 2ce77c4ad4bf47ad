// File: internal/browser/snapshot.go
package browser

import (
	"fmt"
	"regexp"
	"strings"
)

// -- Snapshot Resolution --
//
// The accessibility snapshot returned by take_snapshot is a text tree where
// each interactive node carries a "uid=<page>_<node>" handle. UID-addressed
// tools (click, fill) take those handles, so selector tokens coming from the
// decision layer have to be resolved against the snapshot first.

var (
	uidTokenRegex   = regexp.MustCompile(`^\d+_\d+$`)
	uidLineRegex    = regexp.MustCompile(`uid=(\d+_\d+)`)
	roleFullRegex   = regexp.MustCompile(`(?i)^role\s*[:=]\s*([a-zA-Z0-9_-]+)$`)
	rolePrefixRegex = regexp.MustCompile(`(?i)^role\s*[:=]`)
	cssShapeRegex   = regexp.MustCompile(`[#.\[\]>:+~]|\s`)
	bareWordRegex   = regexp.MustCompile(`(?i)^[a-z][a-z0-9_-]*$`)
	hasLetterRegex  = regexp.MustCompile(`[A-Za-zÀ-ÿ]`)
	quotedTextRegex = regexp.MustCompile(`['"]([^'"]+)['"]`)
)

// ResolutionError reports that a selector token could not be matched against
// the current snapshot. It is a failed action outcome, never fatal to a run.
type ResolutionError struct {
	Token  string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not resolve uid for selector %q: %s", e.Token, e.Reason)
}

// looksLikeCSS reports whether a token is shaped like a CSS selector rather
// than quotable free text. A single bare word counts as CSS because it parses
// as a tag selector.
func looksLikeCSS(token string) bool {
	if token == "" {
		return false
	}
	return cssShapeRegex.MatchString(token) || bareWordRegex.MatchString(token)
}

// snapshotLines splits a snapshot into trimmed non-empty lines.
func snapshotLines(snapshot string) []string {
	raw := strings.Split(snapshot, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

// extractUID pulls the uid handle out of a snapshot line, if any.
func extractUID(line string) string {
	m := uidLineRegex.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}

// findFirstUIDByRole returns the first uid whose line names role as a
// standalone token, optionally also requiring a case-insensitive text match.
func findFirstUIDByRole(lines []string, role, textMatch string) string {
	roleToken := " " + role + " "
	needle := strings.ToLower(textMatch)
	for _, line := range lines {
		uid := extractUID(line)
		if uid == "" {
			continue
		}
		lowered := strings.ToLower(line)
		if !strings.Contains(" "+lowered+" ", roleToken) {
			continue
		}
		if needle != "" && !strings.Contains(lowered, needle) {
			continue
		}
		return uid
	}
	return ""
}

func findFirstUID(lines []string) string {
	for _, line := range lines {
		if uid := extractUID(line); uid != "" {
			return uid
		}
	}
	return ""
}

// resolveUID matches a selector token against the snapshot text and returns
// the uid handle of the best candidate line. Preferred roles bias the search
// toward the element kind the pending action targets (buttons and links for
// clicks, text inputs for typing).
//
// The ladder, in order: exact uid passthrough, explicit role-qualified
// syntax, preferred role plus text containment, preferred role alone,
// free-text line containment, a "button"/"link" keyword inside the token,
// and finally the first uid in the snapshot. CSS-shaped tokens skip every
// text tier and fail outright, since a CSS selector matching snapshot text
// is a coincidence rather than a match.
func resolveUID(snapshot, token string, preferredRoles []string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if uidTokenRegex.MatchString(trimmed) {
		return trimmed, nil
	}

	cssLike := looksLikeCSS(trimmed)
	roleSyntax := rolePrefixRegex.MatchString(trimmed)
	lines := snapshotLines(snapshot)

	if m := roleFullRegex.FindStringSubmatch(trimmed); m != nil {
		if uid := findFirstUIDByRole(lines, strings.ToLower(m[1]), ""); uid != "" {
			return uid, nil
		}
	}

	textMatch := strings.Trim(trimmed, `"'`)

	if textMatch != "" && len(preferredRoles) > 0 && !cssLike {
		for _, role := range preferredRoles {
			if uid := findFirstUIDByRole(lines, role, textMatch); uid != "" {
				return uid, nil
			}
		}
	}

	if !cssLike {
		for _, role := range preferredRoles {
			if uid := findFirstUIDByRole(lines, role, ""); uid != "" {
				return uid, nil
			}
		}
	}

	if textMatch != "" && hasLetterRegex.MatchString(textMatch) && !roleSyntax && !cssLike {
		needle := strings.ToLower(textMatch)
		for _, line := range lines {
			if uid := extractUID(line); uid != "" && strings.Contains(strings.ToLower(line), needle) {
				return uid, nil
			}
		}
	}

	if !cssLike {
		lowered := strings.ToLower(trimmed)
		if strings.Contains(lowered, "button") {
			if uid := findFirstUIDByRole(lines, "button", ""); uid != "" {
				return uid, nil
			}
		}
		if strings.Contains(lowered, "link") {
			if uid := findFirstUIDByRole(lines, "link", ""); uid != "" {
				return uid, nil
			}
		}
	}

	if cssLike {
		return "", &ResolutionError{Token: token, Reason: "CSS-like selector has no snapshot counterpart"}
	}

	if uid := findFirstUID(lines); uid != "" {
		return uid, nil
	}
	return "", &ResolutionError{Token: token, Reason: "no snapshot line matched"}
}

// ClickableAlternative is one snapshot entry offered to the decision layer
// after a failed click.
type ClickableAlternative struct {
	UID         string `json:"uid"`
	Text        string `json:"text"`
	Description string `json:"description"`
}

var clickableRoleRegex = regexp.MustCompile(`(?i)\b(button|link|link\s+button)\b`)

// clickableAlternatives lists up to five labelled clickable nodes from the
// snapshot.
func clickableAlternatives(snapshot string) []ClickableAlternative {
	var out []ClickableAlternative
	seen := make(map[string]bool)
	for _, line := range snapshotLines(snapshot) {
		uid := extractUID(line)
		if uid == "" || seen[uid] {
			continue
		}
		if !clickableRoleRegex.MatchString(line) {
			continue
		}
		m := quotedTextRegex.FindStringSubmatch(line)
		if m == nil || m[1] == "" {
			continue
		}
		text := m[1]
		if runes := []rune(text); len(runes) > 80 {
			text = string(runes[:80])
		}
		seen[uid] = true
		out = append(out, ClickableAlternative{
			UID:         uid,
			Text:        text,
			Description: fmt.Sprintf("Element with text '%s'", text),
		})
		if len(out) >= 5 {
			break
		}
	}
	return out
}

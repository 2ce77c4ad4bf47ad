// File: internal/browser/resolver.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot-cli/api/schemas"
)

// -- Timing Constants --

const (
	clickRetryWindow = 6 * time.Second
	clickRetryPoll   = 250 * time.Millisecond
	readyWindow      = 6 * time.Second
	readyPoll        = 200 * time.Millisecond
	defaultWaitSpan  = 1500 * time.Millisecond
)

// Caller issues a single MCP tool call and returns the raw result document.
// *mcp.Session satisfies it.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Resolver translates abstract actions into concrete tool calls. Scripted
// in-page evaluation is always tried first; the snapshot/uid route is the
// fallback for when the page-side heuristics come up empty.
type Resolver struct {
	caller Caller
	logger *zap.Logger

	// Injected for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	toolsUsed []string
}

// NewResolver builds a Resolver on top of a tool session.
func NewResolver(caller Caller, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		caller: caller,
		logger: logger.Named("resolver"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TakeToolsUsed returns the distinct tool names invoked since the last call
// and clears the record.
func (r *Resolver) TakeToolsUsed() []string {
	used := r.toolsUsed
	r.toolsUsed = nil
	return used
}

// call records the tool name, performs the call and classifies the result.
// The name is recorded before the call so a transport failure mid-call still
// shows up in the trace.
func (r *Resolver) call(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	r.trackTool(name)
	raw, err := r.caller.CallTool(ctx, name, args)
	if err != nil {
		return ToolResult{}, fmt.Errorf("tool %s: %w", name, err)
	}
	return Classify(raw), nil
}

func (r *Resolver) trackTool(name string) {
	for _, seen := range r.toolsUsed {
		if seen == name {
			return
		}
	}
	r.toolsUsed = append(r.toolsUsed, name)
}

// Execute resolves a single action to completion and reports its outcome.
// Failures of individual actions are outcomes, not errors; only an unusable
// session surfaces as an error-shaped reason.
func (r *Resolver) Execute(ctx context.Context, action schemas.Action) schemas.Outcome {
	r.toolsUsed = nil
	switch action.Type {
	case schemas.ActionNavigate:
		return r.navigate(ctx, action)
	case schemas.ActionClick:
		return r.click(ctx, action)
	case schemas.ActionTypeText:
		return r.typeText(ctx, action)
	case schemas.ActionPress:
		return r.press(ctx, action)
	case schemas.ActionWait, schemas.ActionWaitForText:
		return r.wait(ctx, action)
	case schemas.ActionQuery:
		return r.query(ctx)
	case schemas.ActionDone:
		return schemas.Outcome{Success: true, Reason: "objective reported complete"}
	default:
		return schemas.Outcome{Success: false, Reason: fmt.Sprintf("unsupported action type %q", action.Type)}
	}
}

// -- Navigation --

func (r *Resolver) navigate(ctx context.Context, action schemas.Action) schemas.Outcome {
	url := strings.TrimSpace(action.URL)
	if url == "" {
		return schemas.Outcome{Success: false, Reason: "navigate requires a url"}
	}
	res, err := r.call(ctx, "navigate_page", map[string]any{"url": url})
	if err != nil {
		return schemas.Outcome{Success: false, Reason: err.Error()}
	}
	if !res.OK {
		return schemas.Outcome{Success: false, Reason: res.Reason, Raw: res.Payload}
	}
	return r.awaitPageReady(ctx)
}

// awaitPageReady polls document readiness until the window expires. A body
// with partial readyState still counts as arrived.
func (r *Resolver) awaitPageReady(ctx context.Context) schemas.Outcome {
	deadline := r.now().Add(readyWindow)
	sawBody := false
	for {
		res, err := r.call(ctx, "evaluate_script", map[string]any{"function": pageReadyScript})
		if err != nil {
			return schemas.Outcome{Success: false, Reason: err.Error()}
		}
		hasBody := res.PayloadBool("hasBody")
		state := res.PayloadString("readyState")
		if hasBody {
			sawBody = true
		}
		if hasBody && (state == "interactive" || state == "complete") {
			return schemas.Outcome{Success: true, Reason: "page ready", Raw: res.Payload}
		}
		if !r.now().Before(deadline) {
			break
		}
		if err := r.sleep(ctx, readyPoll); err != nil {
			return schemas.Outcome{Success: false, Reason: err.Error()}
		}
	}
	if sawBody {
		return schemas.Outcome{Success: true, Reason: "body detected before full readyState"}
	}
	return schemas.Outcome{Success: false, Reason: "Timeout waiting for page to be ready"}
}

// -- Click --

// click runs the scripted click first, retrying transient "no clickable
// element found" misses on a fixed interval inside a wall-clock window, then
// falls back to snapshot uid resolution.
func (r *Resolver) click(ctx context.Context, action schemas.Action) schemas.Outcome {
	selector := strings.TrimSpace(action.Selector)
	if selector == "" {
		return schemas.Outcome{Success: false, Reason: "click requires a selector"}
	}
	script := clickScript(selector)
	deadline := r.now().Add(clickRetryWindow)
	var last ToolResult
	for {
		res, err := r.call(ctx, "evaluate_script", map[string]any{"function": script})
		if err != nil {
			return schemas.Outcome{Success: false, Reason: err.Error()}
		}
		if res.OK {
			return schemas.Outcome{Success: true, Reason: clickSummary(res), Raw: res.Payload}
		}
		last = res
		if !res.ContainsText("no clickable element found") {
			break
		}
		if !r.now().Before(deadline) {
			break
		}
		if err := r.sleep(ctx, clickRetryPoll); err != nil {
			return schemas.Outcome{Success: false, Reason: err.Error()}
		}
	}
	r.logger.Debug("scripted click missed, trying snapshot fallback",
		zap.String("selector", selector), zap.String("reason", last.Reason))
	return r.clickByUID(ctx, selector, last)
}

func clickSummary(res ToolResult) string {
	tag := res.PayloadString("tag")
	text := res.PayloadString("text")
	if tag == "" {
		return "clicked"
	}
	if text == "" {
		return fmt.Sprintf("clicked <%s>", tag)
	}
	return fmt.Sprintf("clicked <%s> %q", tag, text)
}

func (r *Resolver) clickByUID(ctx context.Context, selector string, scripted ToolResult) schemas.Outcome {
	snapshot, err := r.takeSnapshot(ctx)
	if err != nil {
		return schemas.Outcome{Success: false, Reason: scripted.Reason, Raw: scripted.Payload}
	}
	uid, rerr := resolveUID(snapshot, selector, []string{"button", "link"})
	if rerr != nil {
		reason := scripted.Reason
		if reason == "" {
			reason = rerr.Error()
		}
		return schemas.Outcome{Success: false, Reason: reason, Raw: map[string]any{
			"resolution":             rerr.Error(),
			"suggested_alternatives": clickableAlternatives(snapshot),
		}}
	}
	res, err := r.call(ctx, "click", map[string]any{"uid": uid})
	if err != nil {
		return schemas.Outcome{Success: false, Reason: err.Error()}
	}
	if !res.OK {
		return schemas.Outcome{Success: false, Reason: res.Reason, Raw: map[string]any{
			"result":                 res.Payload,
			"suggested_alternatives": clickableAlternatives(snapshot),
		}}
	}
	return schemas.Outcome{Success: true, Reason: fmt.Sprintf("clicked uid=%s", uid), Raw: res.Payload}
}

// -- Type --

func (r *Resolver) typeText(ctx context.Context, action schemas.Action) schemas.Outcome {
	res, err := r.call(ctx, "evaluate_script", map[string]any{
		"function": typeScript(action.Selector, action.Value),
	})
	if err != nil {
		return schemas.Outcome{Success: false, Reason: err.Error()}
	}
	if res.OK {
		return schemas.Outcome{Success: true, Reason: "typed into page", Raw: res.Payload}
	}
	snapshot, serr := r.takeSnapshot(ctx)
	if serr != nil {
		return schemas.Outcome{Success: false, Reason: res.Reason, Raw: res.Payload}
	}
	uid, rerr := resolveUID(snapshot, action.Selector, []string{"searchbox", "textbox", "textarea", "input"})
	if rerr != nil {
		reason := res.Reason
		if reason == "" {
			reason = rerr.Error()
		}
		return schemas.Outcome{Success: false, Reason: reason, Raw: map[string]any{"resolution": rerr.Error()}}
	}
	fill, err := r.call(ctx, "fill", map[string]any{"uid": uid, "value": action.Value})
	if err != nil {
		return schemas.Outcome{Success: false, Reason: err.Error()}
	}
	if !fill.OK {
		return schemas.Outcome{Success: false, Reason: fill.Reason, Raw: fill.Payload}
	}
	return schemas.Outcome{Success: true, Reason: fmt.Sprintf("filled uid=%s", uid), Raw: fill.Payload}
}

// -- Press --

func (r *Resolver) press(ctx context.Context, action schemas.Action) schemas.Outcome {
	key := strings.TrimSpace(action.Value)
	if key == "" {
		key = "Enter"
	}
	res, err := r.call(ctx, "press_key", map[string]any{"key": key})
	if err != nil {
		return schemas.Outcome{Success: false, Reason: err.Error()}
	}
	if !res.OK {
		return schemas.Outcome{Success: false, Reason: res.Reason, Raw: res.Payload}
	}
	return schemas.Outcome{Success: true, Reason: fmt.Sprintf("pressed %s", key), Raw: res.Payload}
}

// -- Wait --

// wait invokes the wait tool when a condition is given and falls back to a
// one-shot heuristic confirmation on a timeout-shaped failure. Without a
// condition it is a plain timed pause; a bare value on a wait is the pause
// length in milliseconds, never a condition.
func (r *Resolver) wait(ctx context.Context, action schemas.Action) schemas.Outcome {
	event := strings.TrimSpace(action.WaitEvent)
	if action.Type == schemas.ActionWaitForText && event == "" {
		event = strings.TrimSpace(action.Value)
		if event == "" {
			event = strings.TrimSpace(action.Selector)
		}
	}
	if event == "" {
		return r.pause(ctx, action.Value)
	}

	span := action.Timeout
	if span <= 0 {
		span = 5 * time.Second
	}
	res, err := r.call(ctx, "wait_for", map[string]any{
		"text":    event,
		"timeout": span.Milliseconds(),
	})
	if err != nil {
		return schemas.Outcome{Success: false, Reason: err.Error()}
	}
	if res.OK {
		return schemas.Outcome{Success: true, Reason: fmt.Sprintf("observed %q", event), Raw: res.Payload}
	}
	if !res.TimeoutShaped() {
		return schemas.Outcome{Success: false, Reason: res.Reason, Raw: res.Payload}
	}
	if recovered, reason := r.smartWaitFallback(ctx, event); recovered {
		return schemas.Outcome{Success: true, Reason: reason, Raw: map[string]any{
			"source": "wait_for_timeout_recovered",
		}}
	}
	return schemas.Outcome{Success: false, Reason: res.Reason, Raw: res.Payload}
}

// pause sleeps for the requested number of milliseconds without touching the
// tool session.
func (r *Resolver) pause(ctx context.Context, value string) schemas.Outcome {
	span := defaultWaitSpan
	if ms, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && ms > 0 {
		span = time.Duration(ms) * time.Millisecond
	}
	if err := r.sleep(ctx, span); err != nil {
		return schemas.Outcome{Success: false, Reason: err.Error()}
	}
	return schemas.Outcome{Success: true, Reason: fmt.Sprintf("waited %s", span)}
}

var (
	playbackTokens = []string{"video", "playback", "player", "lecture", "regarde", "watch"}
	loadedTokens   = []string{"loaded", "charg", "ready", "prêt"}
)

// smartWaitFallback checks page state once to see whether the wait condition
// was in fact satisfied while the wait tool timed out.
func (r *Resolver) smartWaitFallback(ctx context.Context, event string) (bool, string) {
	lowered := strings.ToLower(event)
	res, err := r.call(ctx, "evaluate_script", map[string]any{"function": waitStateScript})
	if err != nil {
		return false, ""
	}

	href := strings.ToLower(res.PayloadString("href"))
	if containsAny(lowered, playbackTokens) {
		isWatchURL := strings.Contains(href, "youtube.com/watch") ||
			strings.Contains(href, "youtu.be/") ||
			strings.Contains(href, "/watch?")
		if res.PayloadBool("videoPlaying") {
			return true, "video is actively playing"
		}
		if isWatchURL && (res.PayloadBool("hasPlayer") || res.PayloadBool("hasVideo")) {
			return true, "watch page opened with video player present"
		}
	}

	snapshot, err := r.takeSnapshot(ctx)
	if err == nil && strings.Contains(strings.ToLower(snapshot), lowered) {
		return true, "wait condition text found in snapshot"
	}

	if res.PayloadBool("hasBody") && containsAny(lowered, loadedTokens) {
		return true, "document body is present"
	}
	return false, ""
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

// -- Query --

func (r *Resolver) query(ctx context.Context) schemas.Outcome {
	snapshot, err := r.takeSnapshot(ctx)
	if err != nil {
		return schemas.Outcome{Success: false, Reason: err.Error()}
	}
	return schemas.Outcome{Success: true, Reason: "snapshot captured", Raw: snapshot}
}

// takeSnapshot captures and flattens the current accessibility snapshot.
func (r *Resolver) takeSnapshot(ctx context.Context) (string, error) {
	res, err := r.call(ctx, "take_snapshot", nil)
	if err != nil {
		return "", err
	}
	return res.FlattenText(), nil
}

// -- Direct Captures --
//
// Observation captures bypass the per-action tool tracking so a post-action
// observation does not pollute the next action's trace.

// AccessibilityTree returns the flattened text of the current snapshot.
func (r *Resolver) AccessibilityTree(ctx context.Context) (string, error) {
	raw, err := r.caller.CallTool(ctx, "take_snapshot", nil)
	if err != nil {
		return "", err
	}
	return Classify(raw).FlattenText(), nil
}

// ReadConsole returns the flattened console message log.
func (r *Resolver) ReadConsole(ctx context.Context) (string, error) {
	raw, err := r.caller.CallTool(ctx, "list_console_messages", nil)
	if err != nil {
		return "", err
	}
	return Classify(raw).FlattenText(), nil
}

// Screenshot writes a screenshot of the current page to path.
func (r *Resolver) Screenshot(ctx context.Context, path string) error {
	raw, err := r.caller.CallTool(ctx, "take_screenshot", map[string]any{
		"filePath": path,
		"format":   "png",
	})
	if err != nil {
		return err
	}
	if res := Classify(raw); !res.OK {
		return fmt.Errorf("take_screenshot: %s", res.Reason)
	}
	return nil
}

// -- Page Sweep --

var pageLineRegex = regexp.MustCompile(`(?m)^\s*(\d+)\s*:`)

// ListPageIDs parses the page indices out of the list_pages output.
func (r *Resolver) ListPageIDs(ctx context.Context) ([]int, error) {
	raw, err := r.caller.CallTool(ctx, "list_pages", nil)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, m := range pageLineRegex.FindAllStringSubmatch(Classify(raw).FlattenText(), -1) {
		id, convErr := strconv.Atoi(m[1])
		if convErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CloseAllPages closes every open page, highest index first so the
// remaining indices stay valid as pages disappear.
func (r *Resolver) CloseAllPages(ctx context.Context) {
	ids, err := r.ListPageIDs(ctx)
	if err != nil {
		r.logger.Warn("page sweep failed", zap.Error(err))
		return
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	for _, id := range ids {
		if _, err := r.caller.CallTool(ctx, "close_page", map[string]any{"pageId": id}); err != nil {
			r.logger.Warn("failed to close page", zap.Int("pageId", id), zap.Error(err))
		}
	}
}

// ClickableAlternatives lists a few labelled clickable snapshot entries for
// prompt context after a failed click.
func (r *Resolver) ClickableAlternatives(ctx context.Context) ([]ClickableAlternative, error) {
	snapshot, err := r.takeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return clickableAlternatives(snapshot), nil
}

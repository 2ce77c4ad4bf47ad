// File: internal/browser/observe.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot-cli/api/schemas"
)

// -- Capture Timeouts --

const (
	screenshotTimeout = 10 * time.Second
	captureTimeout    = 8 * time.Second
)

// Observer gathers the page evidence a decision is made from: DOM snapshot,
// console log, accessibility tree and a screenshot on disk. Captures run
// concurrently and each is individually bounded; a slow or failing capture
// degrades to a placeholder instead of sinking the whole observation.
type Observer struct {
	resolver     *Resolver
	logger       *zap.Logger
	artifactsDir string
	shotSeq      int
}

// NewObserver builds an Observer. artifactsDir may be empty, in which case
// screenshots are skipped.
func NewObserver(resolver *Resolver, artifactsDir string, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		resolver:     resolver,
		logger:       logger.Named("observer"),
		artifactsDir: artifactsDir,
	}
}

// Capture collects a full observation of the current page. It never returns
// an error; failed sub-captures are recorded in place so the decision layer
// sees what went wrong.
func (o *Observer) Capture(ctx context.Context) schemas.Observation {
	var obs schemas.Observation
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		cctx, cancel := context.WithTimeout(gctx, captureTimeout)
		defer cancel()
		// The accessibility snapshot doubles as the DOM view; it is more
		// structured than raw innerText and carries the uid handles.
		dom, err := o.resolver.AccessibilityTree(cctx)
		if err != nil {
			o.logger.Warn("dom capture failed", zap.Error(err))
			dom = fmt.Sprintf("[dom capture failed: %v]", err)
		}
		obs.DOM = dom
		return nil
	})

	g.Go(func() error {
		cctx, cancel := context.WithTimeout(gctx, captureTimeout)
		defer cancel()
		console, err := o.resolver.ReadConsole(cctx)
		if err != nil {
			o.logger.Warn("console capture failed", zap.Error(err))
			console = fmt.Sprintf("[console capture failed: %v]", err)
		}
		obs.Console = console
		return nil
	})

	g.Go(func() error {
		cctx, cancel := context.WithTimeout(gctx, captureTimeout)
		defer cancel()
		tree, err := o.resolver.AccessibilityTree(cctx)
		if err != nil {
			o.logger.Warn("snapshot capture failed", zap.Error(err))
			tree = fmt.Sprintf("[snapshot capture failed: %v]", err)
			obs.Degraded = true
		}
		obs.Accessibility = tree
		return nil
	})

	g.Go(func() error {
		if o.artifactsDir == "" {
			return nil
		}
		cctx, cancel := context.WithTimeout(gctx, screenshotTimeout)
		defer cancel()
		path, err := o.captureScreenshot(cctx)
		if err != nil {
			o.logger.Warn("screenshot failed", zap.Error(err))
			return nil
		}
		obs.ScreenshotPath = path
		return nil
	})

	// Sub-captures swallow their own errors, so Wait cannot fail.
	_ = g.Wait()
	return obs
}

// captureScreenshot has the tool write the screenshot into the artifacts
// directory and returns the path.
func (o *Observer) captureScreenshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(o.artifactsDir, 0o755); err != nil {
		return "", err
	}
	o.shotSeq++
	path := filepath.Join(o.artifactsDir, fmt.Sprintf("step-%03d.png", o.shotSeq))
	if err := o.resolver.Screenshot(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

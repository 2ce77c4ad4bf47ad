// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot-cli/api/schemas"
	"github.com/xkilldash9x/webpilot-cli/internal/agent"
	"github.com/xkilldash9x/webpilot-cli/internal/browser"
	"github.com/xkilldash9x/webpilot-cli/internal/config"
	"github.com/xkilldash9x/webpilot-cli/internal/mcp"
	"github.com/xkilldash9x/webpilot-cli/internal/observability"
	"github.com/xkilldash9x/webpilot-cli/internal/oracle"
)

// newRunCmd creates the `run` command, which drives one full agent run.
func newRunCmd(getConfig func() *config.Config) *cobra.Command {
	var (
		startURL     string
		maxSteps     int
		retryLimit   int
		artifactsDir string
		model        string
		mcpCommand   string
		mcpArgs      []string
	)

	runCmd := &cobra.Command{
		Use:   "run \"<objective>\"",
		Short: "Runs the agent against a natural-language browsing objective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()

			// CLI flags override file and env settings for this run only.
			if cmd.Flags().Changed("max-steps") {
				cfg.SetAgentMaxSteps(maxSteps)
			}
			if cmd.Flags().Changed("retry-limit") {
				cfg.SetAgentStepRetryLimit(retryLimit)
			}
			if cmd.Flags().Changed("artifacts-dir") {
				cfg.SetAgentArtifactsDir(artifactsDir)
			}
			if cmd.Flags().Changed("model") {
				cfg.SetOracleModel(model)
			}
			if cmd.Flags().Changed("mcp-command") {
				cfg.SetMCPCommand(mcpCommand)
			}
			if cmd.Flags().Changed("mcp-arg") {
				cfg.SetMCPArgs(mcpArgs)
			}
			cfg.SetRunConfig(config.RunConfig{Objective: args[0], StartURL: startURL})

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runAgent(cmd.Context(), cfg)
		},
	}

	runCmd.Flags().StringVarP(&startURL, "url", "u", "", "page to open before the first decision")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 20, "step budget for the run")
	runCmd.Flags().IntVar(&retryLimit, "retry-limit", 2, "retries per failed step")
	runCmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "artifacts", "directory for screenshots and the run record")
	runCmd.Flags().StringVar(&model, "model", "", "decision model name")
	runCmd.Flags().StringVar(&mcpCommand, "mcp-command", "", "tool server command")
	runCmd.Flags().StringArrayVar(&mcpArgs, "mcp-arg", nil, "tool server argument (repeatable)")

	return runCmd
}

// runAgent wires the tool session, resolver, observer, and oracle together
// and executes one run end to end.
func runAgent(ctx context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()

	transport := mcp.NewStdioTransport(cfg.MCP().Command, cfg.MCP().Args, "", logger)
	session := mcp.NewSession(transport, logger, mcp.WithCallTimeout(cfg.MCP().CallTimeout))
	if err := session.Start(); err != nil {
		return fmt.Errorf("failed to start tool process: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Tool session did not shut down cleanly", zap.Error(err))
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, cfg.MCP().InitTimeout)
	defer cancel()
	if _, err := session.Initialize(initCtx); err != nil {
		return fmt.Errorf("tool process initialize failed: %w", err)
	}
	if _, err := session.ListTools(initCtx); err != nil {
		return fmt.Errorf("tool catalog unavailable: %w", err)
	}

	resolver := browser.NewResolver(session, logger)
	observer := browser.NewObserver(resolver, cfg.Agent().ArtifactsDir, logger)

	decider, err := oracle.NewGemini(cfg.Oracle(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize decision oracle: %w", err)
	}

	orchestrator := agent.NewOrchestrator(resolver, observer, decider, logger,
		agent.WithMaxSteps(cfg.Agent().MaxSteps),
		agent.WithStepRetryLimit(cfg.Agent().StepRetryLimit),
	)

	// An explicit start URL is opened before the oracle's first decision so
	// the first observation is of the target site, not about:blank.
	if startURL := cfg.Run().StartURL; startURL != "" {
		outcome := resolver.Execute(ctx, schemas.Action{
			Type:    schemas.ActionNavigate,
			URL:     startURL,
			Timeout: cfg.Agent().ActionTimeout,
		})
		if !outcome.Success {
			logger.Warn("Initial navigation failed, continuing anyway",
				zap.String("url", startURL),
				zap.String("reason", outcome.Reason),
			)
		}
		resolver.TakeToolsUsed()
	}

	started := time.Now()
	memory := orchestrator.Run(ctx, cfg.Run().Objective)

	// Best-effort teardown: close every page the run opened.
	resolver.CloseAllPages(ctx)

	if path, werr := memory.WriteTo(cfg.Agent().ArtifactsDir); werr != nil {
		logger.Warn("Failed to persist run record", zap.Error(werr))
	} else {
		logger.Info("Run record written", zap.String("path", path))
	}

	logger.Info("Run finished",
		zap.Bool("success", memory.Success),
		zap.Int("steps", memory.StepIndex),
		zap.Duration("elapsed", time.Since(started)),
	)

	if !memory.Success {
		return fmt.Errorf("objective not achieved: %s", memory.LastError)
	}
	return nil
}

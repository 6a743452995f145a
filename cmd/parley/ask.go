package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/orchestrator"
)

func newAskCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <message>",
		Short: "Run one turn locally and print the reply",
		Long: "Ask runs a single turn in-process against the configured models, " +
			"without starting the server or archiving the exchange. Useful for " +
			"smoke tests.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), g, strings.Join(args, " "))
		},
	}
}

// runAsk boots the turn pipeline and processes one message as the
// first turn of a new thread. Logs go to stderr so stdout carries only
// the rendered turn.
func runAsk(ctx context.Context, stdout, stderr io.Writer, g *globalFlags, message string) error {
	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.buildTurns(ctx, nil); err != nil {
		return err
	}

	printer := newEventPrinter(stdout, g.output)
	res, err := a.turns.Process(ctx, orchestrator.Request{Message: message}, printer.Print)
	if err != nil {
		if errors.Is(err, orchestrator.ErrGenerationFailed) {
			return fmt.Errorf("ask: the tutor could not reply: %w", err)
		}
		return fmt.Errorf("ask: %w", err)
	}
	logger.Debug("turn complete", "turn_id", res.TurnID, "duration", res.Duration, "fragments", res.Fragments)
	return nil
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/chatclient"
)

func newChatCmd(g *globalFlags) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a running Parley server",
		Long: "Chat reads one message per line from stdin, sends it to the server " +
			"and streams the tutor's reply. The thread lives in this process; " +
			"an empty line or EOF ends it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), server, g.output)
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:8080", "Parley server URL")
	return cmd
}

func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, server, outputFmt string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")
	client, err := chatclient.New(server, logger)
	if err != nil {
		return err
	}
	if err := client.Health(ctx); err != nil {
		var apiErr *chatclient.APIError
		if !errors.As(err, &apiErr) {
			return fmt.Errorf("cannot reach %s: %w", server, err)
		}
		// Degraded upstreams may recover mid-session.
		logger.Warn("server reports degraded health", "error", err)
	}

	session := chatclient.NewSession(client)
	printer := newEventPrinter(stdout, outputFmt)
	interactive := outputFmt != "json"

	scanner := bufio.NewScanner(stdin)
	for {
		if interactive {
			fmt.Fprint(stdout, promptStyle.Render("you")+" ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}

		_, err := session.Send(ctx, line, printer.Print)
		var streamErr *chatclient.StreamError
		var apiErr *chatclient.APIError
		switch {
		case err == nil:
		case errors.As(err, &streamErr):
			// Already rendered by the printer; the thread continues.
		case errors.As(err, &apiErr):
			// The turn was refused before any output; try the next line.
			fmt.Fprintln(stdout, errorStyle.Render("error")+" "+apiErr.Message)
		default:
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/defaults"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a working directory with defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(cmd.OutOrStdout(), dir)
		},
	}
}

// runInit creates a Parley working directory: the data directory, a
// commented config.yaml and an empty .env for API keys. Existing files
// are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Parley workspace in %s\n", dir)

	for _, sub := range []string{"db", "materials"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	envPath := filepath.Join(dir, ".env")
	if err := writeIfMissing(envPath, []byte(envTemplate), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", envPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Put your API keys in .env, then edit config.yaml to choose models and a search provider.")
	fmt.Fprintln(w, "Markdown notes in materials/ can be imported with: parley ingest materials/*.md")
	return nil
}

const envTemplate = `# Loaded by parley before config.yaml is read.
GEMINI_API_KEY=
TAVILY_API_KEY=
`

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, perm)
}

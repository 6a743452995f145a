package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/ingest"
)

func newIngestCmd(g *globalFlags) *cobra.Command {
	var opts ingest.Options
	cmd := &cobra.Command{
		Use:   "ingest <file.md>...",
		Short: "Import markdown learning material into memory",
		Long: "Ingest splits each markdown file at its headings and indexes every " +
			"section as learning material. Re-importing a file replaces the " +
			"sections it produced before.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 && opts.Title != "" {
				return fmt.Errorf("--title applies to a single file")
			}
			return runIngest(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), g, args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "topic for content before the first heading (default: file name)")
	cmd.Flags().StringVar(&opts.Level, "level", "", "learning level the material targets")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag to attach to every section (repeatable)")
	return cmd
}

// runIngest indexes each file's sections into the learning materials
// collection. Embeddings are generated when enabled in config.
func runIngest(ctx context.Context, stdout, stderr io.Writer, g *globalFlags, paths []string, opts ingest.Options) error {
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

	ingester := ingest.NewMarkdownIngester(a.memory, logger)
	total := 0
	for _, path := range paths {
		logger.Info("ingesting markdown document", "file", path)
		n, err := ingester.IngestFile(ctx, path, opts)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		total += n
		if g.output == "text" {
			fmt.Fprintf(stdout, "Ingested %d sections from %s\n", n, path)
		}
	}
	if g.output == "json" {
		return writeJSON(stdout, map[string]any{"files": len(paths), "sections": total})
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/profile"
)

func newProfileCmd(g *globalFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect or edit a learner profile",
	}
	cmd.PersistentFlags().StringVar(&id, "id", "", "profile ID (default: profile.id from config)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the learner profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProfiles(cmd.Context(), cmd.ErrOrStderr(), g, func(store *profile.Store, defaultID string) error {
				if id == "" {
					id = defaultID
				}
				p, err := store.Get(cmd.Context(), id)
				if errors.Is(err, profile.ErrNotFound) {
					return fmt.Errorf("no profile %q (it is created on the first turn, or with profile set)", id)
				}
				if err != nil {
					return err
				}
				return printProfile(cmd.OutOrStdout(), p, g.output)
			})
		},
	}

	var (
		name      string
		level     string
		interests []string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or update the learner profile",
		Long:  "Set changes only the fields given; recent corrections are always kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withProfiles(ctx, cmd.ErrOrStderr(), g, func(store *profile.Store, defaultID string) error {
				if id == "" {
					id = defaultID
				}
				p, err := store.Get(ctx, id)
				if errors.Is(err, profile.ErrNotFound) {
					p = profile.Default(id)
				} else if err != nil {
					return err
				}

				flags := cmd.Flags()
				if flags.Changed("name") {
					p.Name = name
				}
				if flags.Changed("level") {
					p.LearningLevel = level
				}
				if flags.Changed("interests") {
					p.Interests = interests
				}
				if _, err := store.Save(ctx, p); err != nil {
					return err
				}
				saved, err := store.Get(ctx, id)
				if err != nil {
					return err
				}
				return printProfile(cmd.OutOrStdout(), saved, g.output)
			})
		},
	}
	set.Flags().StringVar(&name, "name", "", "learner name")
	set.Flags().StringVar(&level, "level", "", "learning level: "+strings.Join(profile.Levels, ", "))
	set.Flags().StringSliceVar(&interests, "interests", nil, "comma-separated interests")

	cmd.AddCommand(show, set)
	return cmd
}

// withProfiles opens the profile store for the duration of fn.
func withProfiles(ctx context.Context, stderr io.Writer, g *globalFlags, fn func(*profile.Store, string) error) error {
	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, configuredLogger(stderr, cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.profiles, cfg.Profile.ID)
}

func printProfile(w io.Writer, p chat.UserProfile, outputFmt string) error {
	if outputFmt == "json" {
		return writeJSON(w, p)
	}
	fmt.Fprintln(w, headingStyle.Render(p.Name)+" "+noteStyle.Render("("+p.ID+")"))
	fmt.Fprintf(w, "  %-12s %s\n", "level:", p.LearningLevel)
	fmt.Fprintf(w, "  %-12s %s\n", "interests:", strings.Join(p.Interests, ", "))
	if len(p.RecentCorrections) == 0 {
		return nil
	}
	fmt.Fprintf(w, "  %-12s\n", "recent corrections:")
	for _, rc := range p.RecentCorrections {
		fmt.Fprintf(w, "    %s → %s\n", rc.Original, rc.Corrected)
	}
	return nil
}

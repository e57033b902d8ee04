package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/projectd/internal/logging"
	"github.com/fyrsmithlabs/projectd/internal/naming"
	"github.com/fyrsmithlabs/projectd/internal/workspace"
)

var (
	segmentLong bool

	// errInconsistent makes "check" exit non-zero when it finds problems.
	errInconsistent = errors.New("registry and workspace are inconsistent")
)

func init() {
	rootCmd.AddCommand(purgeCmd, checkCmd, watchCmd, segmentCmd)

	segmentCmd.Flags().BoolVar(&segmentLong, "long", false, "use the 16 hex digest")
}

// purgeCmd removes orphan directories
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove project directories that have no registry row",
	Long: `Remove every directory under the data and logs roots that looks like a
project segment but has no registry row. Directories that do not look like
segments are never touched.

Run "projectd check" first to see what would be removed.`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

func runPurge(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		n, err := s.manager.PurgeOrphans(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphan directories\n", n)
		return nil
	})
}

// checkCmd reports inconsistencies
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report orphan directories and rows with missing directories",
	Long: `Compare the registry with the data and logs roots without changing
anything. Exits non-zero if anything is out of place.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		report, err := s.manager.Check(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if report.Clean() {
			fmt.Fprintln(out, healthyStyle.Render("✓ consistent"))
			return nil
		}

		if len(report.OrphanDirs) > 0 {
			fmt.Fprintln(out, warningStyle.Render(fmt.Sprintf("⚠ %d orphan directories", len(report.OrphanDirs))))
			for _, dir := range report.OrphanDirs {
				fmt.Fprintf(out, "  %s\n", dimStyle.Render(dir))
			}
		}
		if len(report.Dangling) > 0 {
			fmt.Fprintln(out, warningStyle.Render(fmt.Sprintf("⚠ %d projects with missing directories", len(report.Dangling))))
			for _, d := range report.Dangling {
				fmt.Fprintf(out, "  %s\n", nameStyle.Render(d.Name))
				for _, dir := range d.Missing {
					fmt.Fprintf(out, "    %s\n", dimStyle.Render(dir))
				}
			}
		}
		return errInconsistent
	})
}

// watchCmd follows changes under the data root
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print project directories as they appear and disappear",
	Long: `Watch the data root and print one line per project directory that is
created, removed or renamed. Directories without a registry row are marked
as orphans. Stops on interrupt.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	return withSession(cmd, func(ctx context.Context, s *session) error {
		logger := logging.FromContext(ctx).Named("watch")
		root := s.manager.Config().DataRoot
		w, err := workspace.NewWatcher(root, logger.Underlying())
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
		logger.Info(ctx, "watching data root", zap.String("root", root))

		out := cmd.OutOrStdout()
		for ev := range w.Events() {
			label := ev.Segment
			if ev.Op == workspace.OpCreated && !registered(ctx, s, ev.Segment) {
				label += " " + warningStyle.Render("(orphan)")
			}
			fmt.Fprintf(out, "%-8s %s\n", ev.Op, label)
		}
		return nil
	})
}

// registered reports whether some project owns segment.
func registered(ctx context.Context, s *session, segment string) bool {
	projects, err := s.manager.List(ctx, false)
	if err != nil {
		return false
	}
	for _, p := range projects {
		if p.Segment == segment {
			return true
		}
	}
	return false
}

// segmentCmd prints the directory segment of a name
var segmentCmd = &cobra.Command{
	Use:   "segment <name>",
	Short: "Print the directory segment a name maps to",
	Long: `Print the directory segment a project name maps to. The mapping is a
pure function of the name; no registry is consulted.

Examples:
  projectd segment "Ångström"
  projectd segment --long "My Project!"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		form := naming.FormShort
		if segmentLong {
			form = naming.FormLong
		}
		fmt.Fprintln(cmd.OutOrStdout(), naming.SegmentForm(args[0], form))
		return nil
	},
}

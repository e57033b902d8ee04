package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/projectd/internal/project"
)

var (
	createAttrs   []string
	createExistOK bool

	listSorted bool

	deleteKeepDir   bool
	deleteMissingOK bool

	copyFrom string

	rehashLong  bool
	rehashShort bool
)

func init() {
	rootCmd.AddCommand(createCmd, listCmd, showCmd, deleteCmd, copyCmd, dirCmd, outputCmd, rehashCmd)

	createCmd.Flags().StringArrayVar(&createAttrs, "attr", nil, "attribute as key=value (JSON values are decoded), repeatable")
	createCmd.Flags().BoolVar(&createExistOK, "exist-ok", false, "succeed if the project already exists")

	listCmd.Flags().BoolVar(&listSorted, "sorted", false, "sort by name instead of creation order")

	deleteCmd.Flags().BoolVar(&deleteKeepDir, "keep-dir", false, "remove the registry row but keep the directories")
	deleteCmd.Flags().BoolVar(&deleteMissingOK, "missing-ok", false, "succeed if the project does not exist")

	copyCmd.Flags().StringVar(&copyFrom, "from", "", "source project (default: --project)")

	rehashCmd.Flags().BoolVar(&rehashLong, "long", false, "move to the long (16 hex) segment")
	rehashCmd.Flags().BoolVar(&rehashShort, "short", false, "move to the short (8 hex) segment")
	rehashCmd.MarkFlagsMutuallyExclusive("long", "short")
	rehashCmd.MarkFlagsOneRequired("long", "short")
}

// createCmd creates a project
var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project and its directories",
	Long: `Create a project: its data directory skeleton, its logs directory and
its registry row, in that order.

Examples:
  projectd create "Sugar cane LCA"
  projectd create ecoinvent --attr version=3.10 --attr cutoff=true
  projectd create ecoinvent --exist-ok`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func runCreate(cmd *cobra.Command, args []string) error {
	attrs, err := parseAttributes(createAttrs)
	if err != nil {
		return err
	}
	return withSession(cmd, func(ctx context.Context, s *session) error {
		p, err := s.manager.Create(ctx, args[0], project.CreateOptions{
			Attributes: attrs,
			ExistOK:    createExistOK,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", nameStyle.Render(p.Name), dimStyle.Render(p.DataDir))
		return nil
	})
}

// parseAttributes turns key=value pairs into attributes. Values that decode
// as JSON keep their type; anything else is a string.
func parseAttributes(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q: expected key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		attrs[key] = v
	}
	return attrs, nil
}

// listCmd lists projects
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Long: `List registered projects in creation order, or by name with --sorted.

The project selected with --project is marked with *.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		projects, err := s.manager.List(ctx, listSorted)
		if err != nil {
			return err
		}
		summary, err := s.manager.Summary(ctx, 0)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, headerStyle.Render(summary))

		active := ""
		if cur := s.manager.Current(); cur != nil {
			active = cur.Name
		}
		for _, p := range projects {
			marker := " "
			if p.Name == active {
				marker = activeMarker
			}
			fmt.Fprintf(out, "%s %s  %s\n", marker, nameStyle.Render(p.Name), dimStyle.Render(p.Segment))
		}
		return nil
	})
}

// showCmd prints one project
var showCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a project record",
	Long: `Show the registry record of a project. Without a name, the project
selected with --project is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		var p *project.Project
		if len(args) == 1 {
			var err error
			if p, err = s.manager.Get(ctx, args[0]); err != nil {
				return err
			}
		} else if p = s.manager.Current(); p == nil {
			return project.ErrNoActiveProject
		}

		out := cmd.OutOrStdout()
		row := func(label, value string) {
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
		}
		row("name", nameStyle.Render(p.Name))
		row("id", p.ID)
		row("segment", p.Segment)
		row("data", p.DataDir)
		row("logs", p.LogsDir)
		row("created", p.CreatedAt.Format("2006-01-02 15:04:05"))
		row("updated", p.UpdatedAt.Format("2006-01-02 15:04:05"))
		for _, k := range slices.Sorted(maps.Keys(p.Attributes)) {
			v, err := json.Marshal(p.Attributes[k])
			if err != nil {
				return fmt.Errorf("failed to render attribute %s: %w", k, err)
			}
			row(k, string(v))
		}
		return nil
	})
}

// deleteCmd deletes a project
var deleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a project",
	Long: `Delete a project row and its directories. Without a name, the project
selected with --project is deleted.

With --keep-dir only the row is removed; the directories become orphans
that "projectd purge" removes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.manager.Delete(ctx, name, project.DeleteOptions{
			DeleteDir:  !deleteKeepDir,
			NotExistOK: deleteMissingOK,
		}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted")
		return nil
	})
}

// copyCmd duplicates a project
var copyCmd = &cobra.Command{
	Use:   "copy <new-name>",
	Short: "Copy a project under a new name",
	Long: `Copy a project tree and its attributes under a new name.

Examples:
  projectd copy ecoinvent-test --from ecoinvent
  projectd --project ecoinvent copy ecoinvent-test`,
	Args: cobra.ExactArgs(1),
	RunE: runCopy,
}

func runCopy(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		p, err := s.manager.Copy(ctx, copyFrom, args[0], false)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", nameStyle.Render(p.Name), dimStyle.Render(p.DataDir))
		return nil
	})
}

// dirCmd prints (and creates) a directory inside the active project
var dirCmd = &cobra.Command{
	Use:   "dir <subdir>",
	Short: "Ensure a directory exists inside a project",
	Long: `Ensure <subdir> exists inside the data directory of the project selected
with --project, and print its path.

Examples:
  projectd --project ecoinvent dir exports`,
	Args: cobra.ExactArgs(1),
	RunE: runDir,
}

func runDir(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		dir, err := s.manager.RequestDirectory(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	})
}

// outputCmd prints the export directory
var outputCmd = &cobra.Command{
	Use:   "output",
	Short: "Print the export directory",
	Long: `Print where exports go: --output-dir if it exists, then the output_dir
preference, then an "output" directory inside the project selected with
--project.`,
	Args: cobra.NoArgs,
	RunE: runOutput,
}

func runOutput(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		dir, err := s.manager.OutputDir(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	})
}

// rehashCmd moves a project to the other segment form
var rehashCmd = &cobra.Command{
	Use:   "rehash <name>",
	Short: "Move a project tree to its short or long segment",
	Long: `Move a project's directories to the segment with an 8 (--short) or
16 (--long) character digest and record the new location. If recording
fails the directories are moved back.`,
	Args: cobra.ExactArgs(1),
	RunE: runRehash,
}

func runRehash(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		use := s.manager.UseShortHash
		if rehashLong {
			use = s.manager.UseLongHash
		}
		p, err := use(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p.DataDir)
		return nil
	})
}

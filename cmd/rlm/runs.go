package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/rlm/internal/storage"
)

var (
	runsStatus string
	runsParent string
	runsRoot   bool
	runsLimit  int
	runsJSON   bool
)

var runsCmd = &cobra.Command{
	Use:   "runs [id]",
	Short: "List journaled runs, or show one",
	Long: `List journaled runs newest first, or print a single run by ID.

Examples:
  rlm runs --root --limit 10
  rlm runs --status max_iterations
  rlm runs 6f1c2a9e-5d1b-4d8e-9a43-0c7e3b2f1a10 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "only runs with this status")
	runsCmd.Flags().StringVar(&runsParent, "parent", "", "only sub-runs of this run ID")
	runsCmd.Flags().BoolVar(&runsRoot, "root", false, "only top-level runs")
	runsCmd.Flags().IntVar(&runsLimit, "limit", storage.DefaultListLimit, "maximum number of runs")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON")
}

func runRuns(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(false, "warn")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	journal, err := initJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Error("closing journal", slog.String("error", err.Error()))
		}
	}()

	ctx := context.Background()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		rec, err := journal.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if runsJSON {
			return writeJSON(out, rec)
		}
		printRun(out, rec)
		return nil
	}

	runs, err := journal.List(ctx, storage.ListFilter{
		Status:   runsStatus,
		ParentID: runsParent,
		RootOnly: runsRoot,
		Limit:    runsLimit,
	})
	if err != nil {
		return err
	}
	if runsJSON {
		return writeJSON(out, runs)
	}
	printRunTable(out, runs)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRunTable(w io.Writer, runs []storage.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEPTH\tSTATUS\tCALLS\tITER\tDURATION\tCREATED\tQUERY")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.ID, r.Depth, r.Status, r.LLMCalls, r.Iterations,
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
			r.CreatedAt.Local().Format(time.DateTime),
			clip(r.Query, 48),
		)
	}
	_ = tw.Flush()
}

func printRun(w io.Writer, r *storage.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", r.ID)
	if r.ParentID != "" {
		fmt.Fprintf(tw, "Parent:\t%s\n", r.ParentID)
	}
	fmt.Fprintf(tw, "Depth:\t%d\n", r.Depth)
	fmt.Fprintf(tw, "Model:\t%s\n", r.Model)
	fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
	fmt.Fprintf(tw, "Context:\t%d chars (truncated: %t)\n", r.ContextChars, r.Truncated)
	fmt.Fprintf(tw, "LLM calls:\t%d\n", r.LLMCalls)
	fmt.Fprintf(tw, "Iterations:\t%d\n", r.Iterations)
	fmt.Fprintf(tw, "Duration:\t%s\n", time.Duration(r.DurationMS)*time.Millisecond)
	fmt.Fprintf(tw, "Created:\t%s\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Query:\t%s\n", r.Query)
	if r.Answer != "" {
		fmt.Fprintf(tw, "Answer:\t%s\n", r.Answer)
	}
	if r.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", r.Error)
	}
	_ = tw.Flush()
}

// clip shortens s to n runes on a single line.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

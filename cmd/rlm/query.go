package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/rlm/internal/rlm"
)

// Exit codes for the query command.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitRunExhausted = 2 // Iteration or depth budget ran out, or the context was rejected.
	ExitClientError  = 3 // The model backend failed.
)

var (
	queryText      string
	queryContext   string
	queryModel     string
	queryRecursive string
	queryMaxDepth  int
	queryMaxIter   int
	queryTimeout   int
	queryStats     bool
	queryNoJournal bool
	querySandbox   string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Answer a query over a context, locally",
	Long: `Run one query to completion in this process and print the answer.

The context is read from a file, or from stdin with "-c -". Without a
context the query itself becomes the context.

Examples:
  rlm query -q "Which services log errors?" -c app.log
  cat book.txt | rlm query -q "Who is the narrator?" -c - --stats
  rlm query -q "Summarize" -c notes.md --model gpt-4o --max-iterations 10

Exit codes:
  0  success
  1  setup or unexpected failure
  2  iteration or depth budget exhausted, or context too large
  3  model backend failure`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "query to answer (required)")
	queryCmd.Flags().StringVarP(&queryContext, "context", "c", "", `context file, or "-" for stdin`)
	queryCmd.Flags().StringVar(&queryModel, "model", "", "primary model (default from config or RLM_MODEL env)")
	queryCmd.Flags().StringVar(&queryRecursive, "recursive-model", "", "model for delegated sub-runs (default from config or RLM_RECURSIVE_MODEL env)")
	queryCmd.Flags().IntVar(&queryMaxDepth, "max-depth", 0, "recursion depth ceiling (default from config)")
	queryCmd.Flags().IntVar(&queryMaxIter, "max-iterations", 0, "iteration budget per run (default from config)")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 0, "overall timeout in seconds (0 = none)")
	queryCmd.Flags().BoolVar(&queryStats, "stats", false, "print run statistics to stderr")
	queryCmd.Flags().BoolVar(&queryNoJournal, "no-journal", false, "do not record the run in the journal")
	queryCmd.Flags().StringVar(&querySandbox, "sandbox", "", "sandbox backend: auto, isolated, inprocess (default from config)")

	_ = queryCmd.MarkFlagRequired("query")
}

func runQuery(cmd *cobra.Command, _ []string) error {
	if queryText == "" {
		return fmt.Errorf("query is required: use -q flag")
	}

	logger, err := newLogger(false, "warn")
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if queryModel != "" {
		cfg.RLM.Model = queryModel
	}
	if queryRecursive != "" {
		cfg.RLM.RecursiveModel = queryRecursive
	}
	if querySandbox != "" {
		cfg.Sandbox.Backend = querySandbox
	}
	if queryMaxDepth > 0 {
		cfg.RLM.MaxDepth = queryMaxDepth
	}
	if queryMaxIter > 0 {
		cfg.RLM.MaxIterations = queryMaxIter
	}

	contextText, err := readContext(queryContext, cmd.InOrStdin())
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, !queryNoJournal)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	orch, err := sc.Runner(sc.RunConfig())()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(queryTimeout)*time.Second)
		defer cancel()
	}

	pending := orch.Start(ctx, queryText, contextText, rlm.Overrides{})
	answer, runErr := pending.Wait(ctx)

	if queryStats {
		st := orch.Stats()
		fmt.Fprintf(os.Stderr, "[run_id=%s status=%s llm_calls=%d iterations=%d]\n",
			pending.RunID(), rlm.Status(runErr), st.LLMCalls, st.Iterations)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		sc.Cleanup()
		os.Exit(exitCode(runErr))
	}

	fmt.Fprintln(cmd.OutOrStdout(), answer)
	return nil
}

// readContext loads the context from a file path, or stdin for "-".
func readContext(path string, stdin io.Reader) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading context from stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading context file: %w", err)
		}
		return string(data), nil
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, rlm.ErrMaxIterations), errors.Is(err, rlm.ErrMaxDepth), errors.Is(err, rlm.ErrContextTooLarge):
		return ExitRunExhausted
	case errors.Is(err, rlm.ErrClient):
		return ExitClientError
	default:
		return ExitFailure
	}
}

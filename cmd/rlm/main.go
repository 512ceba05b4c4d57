// rlm answers queries over contexts too large for one prompt by letting a
// language model explore them from a sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/rlm/internal/sandbox"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "rlm",
	Short: "Recursive language model runner",
	Long: `rlm answers a query over a context of any size. The context is loaded
into a JavaScript sandbox; the model writes snippets to search and slice it,
and can delegate sub-queries to recursive runs through recursive_llm().

Run it locally with "rlm query", serve it over HTTP with "rlm serve", or
expose it to MCP clients with "rlm mcp".`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.rlm/config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.AddCommand(queryCmd, serveCmd, mcpCmd, runsCmd, versionCmd)
}

func main() {
	// The binary doubles as the isolated sandbox worker.
	if sandbox.IsWorker() {
		sandbox.WorkerMain()
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(ExitFailure)
	}
}

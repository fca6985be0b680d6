// Forgeline
//
// Iterative code generation for web projects. Describe a change, get a new
// version and a live preview.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "forgeline",
	Short: "Forgeline - iterative code generation with live previews",
	Long: `Forgeline turns natural-language change requests into versioned project
snapshots and keeps a preview sandbox in sync with the head version.

  forgeline config set ANTHROPIC_API_KEY sk-ant-...   Set an API key
  forgeline serve                                     Start the server
  forgeline submit my-site "add a pricing page"       Request a change
  forgeline lineage my-site                           List versions
  forgeline watch my-site                             Stream project events`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FORGELINE_SERVER", "http://localhost:7080"), "Forgeline server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Package cmd holds the CLI entry points.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "autorag",
	Short: "Persona chat service backed by retrieval over a message corpus",
	Long: `autorag serves a persona chat pipeline: it indexes a message corpus,
retrieves the chunks most similar to each inbound message, assembles a
persona prompt and generates a reply in the corpus author's voice.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(versionCmd)
}

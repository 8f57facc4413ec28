// Command guardd runs a guarded demo operation behind HTTP and drives
// contention against it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFilePath string

var rootCmd = &cobra.Command{
	Use:          "guardd",
	Short:        "guardd - distributed lock guard daemon",
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "Path to configuration file")
	rootCmd.AddCommand(newServeCmd(), newLoadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "reqgate",
	Short:        "Request-interception proxy",
	Long:         "reqgate is a forward HTTP proxy whose transactions can be observed,\ncancelled, redirected, or rewritten by per-stage interception handlers.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

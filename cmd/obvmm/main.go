package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "obvmm",
	Short:         "Run a PS4 kernel on the host hypervisor",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "obvmm: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/obhq/obvmm/internal/timeslice"

	// Registers the vCPU slice kinds so recordings can be decoded.
	_ "github.com/obhq/obvmm/internal/vmm"
)

var timesliceSums bool

func init() {
	rootCmd.AddCommand(timesliceCmd)
	timesliceCmd.Flags().BoolVar(&timesliceSums, "sums", false, "Print per-kind totals instead of every record")
}

var timesliceCmd = &cobra.Command{
	Use:   "timeslice FILE",
	Short: "Print a vCPU timeslice recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer f.Close()

		out := cmd.OutOrStdout()
		if !timesliceSums {
			return timeslice.ReadAllRecords(f, func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
				fmt.Fprintf(out, "%s %s %s\n", id, flags, duration)
				return nil
			})
		}

		sums, err := timeslice.Summarize(f)
		if err != nil {
			return fmt.Errorf("read timeslice file: %w", err)
		}
		for _, s := range sums {
			fmt.Fprintf(out, "% 24s flags=% 10s count=% 8d sum=% 16s avg=% 16s\n",
				s.Name, s.Flags, s.Count, s.Total, s.Total/time.Duration(s.Count))
		}
		return nil
	},
}

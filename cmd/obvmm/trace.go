package main

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/obhq/obvmm/internal/debug"
)

var traceOpts struct {
	list   bool
	span   bool
	source string
	match  string
	limit  int
	tail   bool
}

func init() {
	rootCmd.AddCommand(traceCmd)

	f := traceCmd.Flags()
	f.BoolVar(&traceOpts.list, "list", false, "List the sources in the trace")
	f.BoolVar(&traceOpts.span, "range", false, "Print the earliest and latest timestamps")
	f.StringVar(&traceOpts.source, "source", "", "Only show sources matching this regex, e.g. '^cpu[01]$'")
	f.StringVar(&traceOpts.match, "match", "", "Only show entries whose text matches this regex")
	f.IntVar(&traceOpts.limit, "limit", 100, "Maximum number of entries, 0 for all")
	f.BoolVar(&traceOpts.tail, "tail", false, "Show the last entries instead of the first")
}

var traceCmd = &cobra.Command{
	Use:   "trace FILE",
	Short: "Inspect a binary vCPU exit trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, closer, err := debug.NewReaderFromFile(args[0])
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer closer.Close()

		out := cmd.OutOrStdout()
		switch {
		case traceOpts.list:
			for _, src := range reader.Sources() {
				fmt.Fprintln(out, src)
			}
			return nil
		case traceOpts.span:
			earliest, latest := reader.TimeRange()
			fmt.Fprintf(out, "earliest: %s\nlatest:   %s\nduration: %s\n",
				earliest.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano), latest.Sub(earliest))
			return nil
		}

		var sourceRe, matchRe *regexp.Regexp
		if traceOpts.source != "" {
			if sourceRe, err = regexp.Compile(traceOpts.source); err != nil {
				return fmt.Errorf("invalid source regex: %w", err)
			}
		}
		if traceOpts.match != "" {
			if matchRe, err = regexp.Compile(traceOpts.match); err != nil {
				return fmt.Errorf("invalid match regex: %w", err)
			}
		}

		var entries []debug.Entry
		if err := reader.Each(func(e debug.Entry) error {
			if sourceRe != nil && !sourceRe.MatchString(e.Source) {
				return nil
			}
			if matchRe != nil && !matchRe.MatchString(e.String()) {
				return nil
			}
			entries = append(entries, e)
			return nil
		}); err != nil {
			return fmt.Errorf("read trace: %w", err)
		}

		if n := traceOpts.limit; n > 0 && len(entries) > n {
			if traceOpts.tail {
				entries = entries[len(entries)-n:]
			} else {
				entries = entries[:n]
			}
		}
		for _, e := range entries {
			fmt.Fprintln(out, e.String())
		}
		return nil
	},
}

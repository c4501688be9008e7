package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/export"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/repair"
)

type durationsOptions struct {
	includeSuspicious bool
	dryRun            bool
	limit             int
	concurrency       int
	output            string
}

// NewDurationsCommand creates the durations command group.
func NewDurationsCommand(deps *Deps) *cobra.Command {
	opts := &durationsOptions{}

	cmd := &cobra.Command{
		Use:   "durations",
		Short: "Inspect and repair meeting durations",
	}

	fix := &cobra.Command{
		Use:   "fix",
		Short: "Recompute missing meeting durations",
		Long: `Recompute durations for meetings stored without one.

Durations come from the recording window, then the scheduled window, then the
latest transcript timestamp. --include-suspicious also re-checks durations
that look like placeholder values and replaces them when a measured source
disagrees.`,
		Example: `  ftm durations fix
  ftm durations fix --include-suspicious --dry-run
  ftm durations fix --limit 100 --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDurationsFix(cmd.Context(), deps, opts, cmd.OutOrStdout())
		},
	}
	fix.Flags().BoolVar(&opts.includeSuspicious, "include-suspicious", false, "Also re-check suspicious durations")
	fix.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Show changes without writing them")
	fix.Flags().IntVar(&opts.limit, "limit", 0, "Maximum meetings to examine (0 = all)")
	fix.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 0, "Meetings updated in parallel (default: sync.concurrency)")
	fix.Flags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")

	cmd.AddCommand(fix)
	return cmd
}

func runDurationsFix(ctx context.Context, deps *Deps, opts *durationsOptions, out io.Writer) error {
	if opts.limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	rt, err := deps.open(ctx, openOptions{redis: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	format := outputFormat(rt.cfg, opts.output)
	if err := validFormat(format); err != nil {
		return err
	}

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = rt.cfg.Sync.Concurrency
	}
	res, err := rt.repairer().Run(ctx, repair.Config{
		IncludeSuspicious: opts.includeSuspicious,
		DryRun:            opts.dryRun,
		Limit:             opts.limit,
		Concurrency:       concurrency,
	})
	if err != nil {
		return fmt.Errorf("repairing durations: %w", err)
	}

	if ok, err := writeStructured(out, format, res); ok {
		return err
	}
	printRepairResult(out, res)
	return nil
}

func printRepairResult(out io.Writer, r *repair.Result) {
	if r.Examined == 0 {
		fmt.Fprintln(out, "No meetings need duration fixes.")
		return
	}

	if len(r.Changes) > 0 {
		fmt.Fprintf(out, "%-8s %-36s %-10s %-10s %s\n", "ID", "TITLE", "OLD", "NEW", "METHOD")
		for _, c := range r.Changes {
			fmt.Fprintf(out, "%-8d %-36s %-10s %-10s %s\n",
				c.MeetingID,
				truncate(c.Title, 36),
				export.FormatDurationPtr(c.OldSeconds),
				export.FormatDuration(c.New.Seconds),
				c.New.Method)
		}
		fmt.Fprintln(out)
	}

	verb := "Updated"
	if r.DryRun {
		verb = "Would update"
	}
	fmt.Fprintf(out, "%s %d of %d meetings (%d unchanged, %d unresolved, %d failed) in %s\n",
		verb, r.Updated, r.Examined, r.Unchanged, r.Unresolved, r.Failed, r.Elapsed.Round(time.Millisecond))
}

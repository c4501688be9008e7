package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/batch"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
)

const statusErrorLimit = 10

type syncOptions struct {
	full        bool
	dryRun      bool
	concurrency int
	test        bool
	output      string
}

// NewSyncCommand creates the sync command and its status subcommand.
func NewSyncCommand(deps *Deps) *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync meetings from Fathom",
		Long: `Fetch meetings from the Fathom API and upsert them into the transcript store.

By default only meetings created since the last successful sync are fetched.
--full fetches every meeting. --dry-run fetches and maps meetings without
writing anything.

When Redis is configured the run holds the shared sync lock, so it will not
overlap a sync started by 'ftm serve'.`,
		Example: `  ftm sync
  ftm sync --full --concurrency 8
  ftm sync --dry-run --output json
  ftm sync --test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.test {
				return runSyncTest(cmd.Context(), deps, cmd.OutOrStdout())
			}
			return runSync(cmd.Context(), deps, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.full, "full", false, "Fetch every meeting instead of only new ones")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Fetch and map meetings without writing")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 0, "Meetings processed in parallel per page (default: sync.concurrency)")
	cmd.Flags().BoolVar(&opts.test, "test", false, "Only check that the Fathom API key works")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the latest sync run and store totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncStatus(cmd.Context(), deps, opts.output, cmd.OutOrStdout())
		},
	}
	status.Flags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")
	cmd.AddCommand(status)

	return cmd
}

func runSync(ctx context.Context, deps *Deps, opts *syncOptions, out io.Writer) error {
	if opts.concurrency < 0 {
		return fmt.Errorf("--concurrency must not be negative")
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

	client, err := deps.NewFathomClient(rt.cfg, rt.metrics, rt.logger)
	if err != nil {
		return err
	}

	mode := batch.ModeIncremental
	if opts.full {
		mode = batch.ModeFull
	}
	sched := batch.NewScheduler(rt.processor(client, opts.concurrency), rt.locker(), rt.logger, batch.SchedulerConfig{})
	result, err := sched.TryRun(ctx, batch.RunOptions{Mode: mode, DryRun: opts.dryRun})
	if result != nil {
		if ok, werr := writeStructured(out, format, result); ok {
			if werr != nil {
				return werr
			}
		} else {
			printSyncResult(out, result)
		}
	}
	return err
}

func printSyncResult(out io.Writer, r *batch.SyncResult) {
	title := "Sync"
	if r.DryRun {
		title = "Dry-run sync"
	}
	fmt.Fprintf(out, "%s %s (%s mode)\n", title, r.Status, r.Mode)
	if r.CreatedAfter != nil {
		fmt.Fprintf(out, "  Since:    %s\n", r.CreatedAfter.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  Pages:    %d\n", r.PagesFetched)
	fmt.Fprintf(out, "  Meetings: %d seen, %d created, %d updated, %d skipped, %d failed\n",
		r.MeetingsSeen, r.Created, r.Updated, r.Skipped, r.Failed)
	fmt.Fprintf(out, "  Elapsed:  %s\n", r.Duration().Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(out, "  Error:    %s\n", r.Error)
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(out, "\nFailed meetings (%d):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(out, "  %-24s %-20s %s\n", truncate(e.FathomID, 24), e.Code, e.Message)
		}
	}
}

func runSyncTest(ctx context.Context, deps *Deps, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	client, err := deps.NewFathomClient(cfg, nil, deps.NewLogger(cfg))
	if err != nil {
		return err
	}
	res, err := client.Ping(ctx)
	if err != nil {
		se := pferrors.ClassifyError(err, pferrors.StageFetch)
		return fmt.Errorf("fathom API test failed (%s): %w", se.Code, err)
	}
	fmt.Fprintf(out, "Fathom API is working (%dms, %d meeting(s) returned)\n",
		res.Latency.Milliseconds(), res.SampleMeetings)
	return nil
}

// SyncStatusReport is the output of 'ftm sync status'.
type SyncStatusReport struct {
	Stats   *storage.Stats            `json:"stats" yaml:"stats"`
	LastRun *storage.SyncRun          `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	Errors  []storage.SyncErrorRecord `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func runSyncStatus(ctx context.Context, deps *Deps, output string, out io.Writer) error {
	rt, err := deps.open(ctx, openOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	format := outputFormat(rt.cfg, output)
	if err := validFormat(format); err != nil {
		return err
	}

	report := SyncStatusReport{}
	if report.Stats, err = rt.repo.Stats(ctx); err != nil {
		return err
	}
	run, err := rt.repo.LatestSyncRun(ctx)
	switch {
	case pferrors.IsNotFound(err):
	case err != nil:
		return err
	default:
		report.LastRun = run
		if run.MeetingsFailed > 0 {
			if report.Errors, err = rt.repo.GetSyncErrors(ctx, run.ID, statusErrorLimit); err != nil {
				return err
			}
		}
	}

	if ok, err := writeStructured(out, format, report); ok {
		return err
	}
	printSyncStatus(out, &report)
	return nil
}

func printSyncStatus(out io.Writer, r *SyncStatusReport) {
	s := r.Stats
	fmt.Fprintln(out, "Transcript Store")
	fmt.Fprintf(out, "  Meetings:          %d\n", s.Meetings)
	fmt.Fprintf(out, "  Participants:      %d\n", s.Participants)
	fmt.Fprintf(out, "  Domains:           %d\n", s.UniqueDomains)
	fmt.Fprintf(out, "  Missing durations: %d\n", s.MissingDurations)
	if len(s.DurationsByMethod) > 0 {
		methods := make([]string, 0, len(s.DurationsByMethod))
		for m := range s.DurationsByMethod {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		for _, m := range methods {
			fmt.Fprintf(out, "    %-22s %d\n", m, s.DurationsByMethod[m])
		}
	}
	fmt.Fprintln(out)

	if r.LastRun == nil {
		fmt.Fprintln(out, "Last Sync: never")
		return
	}
	run := r.LastRun
	fmt.Fprintf(out, "Last Sync: %s (%s)\n", run.Status, run.Mode)
	fmt.Fprintf(out, "  Started:   %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  Meetings:  %d seen, %d created, %d updated, %d failed\n",
		run.MeetingsSeen, run.MeetingsCreated, run.MeetingsUpdated, run.MeetingsFailed)
	if run.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:     %s\n", run.ErrorMessage)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(out, "  ! %-24s %-20s %s\n", truncate(e.FathomID, 24), e.Code, e.Message)
	}
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/export"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
)

// MeetingReader loads stored meetings for export.
type MeetingReader interface {
	GetMeeting(ctx context.Context, id int64) (*storage.MeetingDetail, error)
	GetMeetings(ctx context.Context, ids []int64) ([]*storage.MeetingDetail, error)
}

type exportKind string

const (
	exportShow    exportKind = "show"
	exportJourney exportKind = "journey"
	exportConcat  exportKind = "concat"
)

// NewExportCommand creates the export command group.
func NewExportCommand(deps *Deps) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render stored transcripts as text",
		Long: `Render stored transcripts as plain text.

Output goes to stdout unless --out names a file. When --out is an existing
directory the document is written there under its default filename.`,
		Example: `  ftm export show 42
  ftm export journey 42 57 63 --out ./exports
  ftm export concat 42 57 --out acme.txt`,
	}
	cmd.PersistentFlags().StringVar(&out, "out", "", "Write to this file or directory instead of stdout")

	sub := []struct {
		kind  exportKind
		use   string
		short string
		args  cobra.PositionalArgs
	}{
		{exportShow, "show <id>", "Render one meeting with its summary and transcript", cobra.ExactArgs(1)},
		{exportJourney, "journey <id>...", "Render meetings oldest first as one journey document", cobra.MinimumNArgs(1)},
		{exportConcat, "concat <id>...", "Concatenate transcripts oldest first", cobra.MinimumNArgs(1)},
	}
	for _, s := range sub {
		kind := s.kind
		cmd.AddCommand(&cobra.Command{
			Use:   s.use,
			Short: s.short,
			Args:  s.args,
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := parseIDs(args)
				if err != nil {
					return err
				}
				rt, err := deps.open(cmd.Context(), openOptions{})
				if err != nil {
					return err
				}
				defer rt.Close()

				doc, err := render(cmd.Context(), rt.repo, rt.exporter(), kind, ids)
				if err != nil {
					return err
				}
				return writeDocument(cmd.OutOrStdout(), cmd.ErrOrStderr(), out, doc)
			},
		})
	}
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid meeting id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func render(ctx context.Context, r MeetingReader, e *export.Exporter, kind exportKind, ids []int64) (export.Document, error) {
	if kind == exportShow {
		d, err := r.GetMeeting(ctx, ids[0])
		if err != nil {
			return export.Document{}, fmt.Errorf("loading meeting %d: %w", ids[0], err)
		}
		return e.Single(d), nil
	}

	details, err := r.GetMeetings(ctx, ids)
	if err != nil {
		return export.Document{}, fmt.Errorf("loading meetings: %w", err)
	}
	if kind == exportJourney {
		return e.Journey(details)
	}
	return e.Concatenate(details)
}

func writeDocument(stdout, stderr io.Writer, target string, doc export.Document) error {
	if target == "" || target == "-" {
		_, err := io.WriteString(stdout, doc.Content)
		return err
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, doc.Filename)
	}
	if err := os.WriteFile(target, []byte(doc.Content), 0644); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	fmt.Fprintf(stderr, "Wrote %s\n", target)
	return nil
}

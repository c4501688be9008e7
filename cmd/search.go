package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/fathom-transcripts/config"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/export"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/storage"
)

// SearchKind selects which meeting attribute a search matches.
type SearchKind string

const (
	// SearchByEmail matches participant emails.
	SearchByEmail SearchKind = "email"
	// SearchByDomain matches participant email domains.
	SearchByDomain SearchKind = "domain"
	// SearchByCompany matches titles and domains.
	SearchByCompany SearchKind = "company"
)

const defaultSearchLimit = 50

// MeetingSearcher is the read side of *storage.Repository used by search commands.
type MeetingSearcher interface {
	SearchByEmail(ctx context.Context, email string, opts storage.SearchOptions) ([]storage.MeetingSummary, error)
	SearchByDomain(ctx context.Context, domain string, opts storage.SearchOptions) ([]storage.MeetingSummary, error)
	SearchByCompany(ctx context.Context, term string, opts storage.SearchOptions) ([]storage.MeetingSummary, error)
	ListDomains(ctx context.Context) ([]storage.DomainCount, error)
}

// SearchResponse contains search results and metadata.
type SearchResponse struct {
	Query       string                   `json:"query" yaml:"query"`
	Kind        SearchKind               `json:"kind" yaml:"kind"`
	Results     []storage.MeetingSummary `json:"results" yaml:"results"`
	Count       int                      `json:"count" yaml:"count"`
	Limit       int                      `json:"limit" yaml:"limit"`
	QueryTimeMs float64                  `json:"query_time_ms" yaml:"query_time_ms"`
	SearchedAt  time.Time                `json:"searched_at" yaml:"searched_at"`
}

type searchOptions struct {
	limit  int
	output string
}

// NewSearchCommand creates the search command with email, domain and company subcommands.
func NewSearchCommand(deps *Deps) *cobra.Command {
	opts := &searchOptions{}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search stored meetings",
		Long: `Search stored meetings by participant email, participant domain, or company.

Matching is case-insensitive. Results are newest first.`,
		Example: `  ftm search email jane@acme.com
  ftm search domain acme.com --limit 10
  ftm search company acme --output json`,
	}
	cmd.PersistentFlags().IntVarP(&opts.limit, "limit", "l", defaultSearchLimit, "Maximum results")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")

	for _, k := range []struct {
		kind  SearchKind
		short string
	}{
		{SearchByEmail, "Find meetings a participant email attended"},
		{SearchByDomain, "Find meetings with participants from a domain"},
		{SearchByCompany, "Find meetings whose title or participant domain mentions a company"},
	} {
		kind := k.kind
		cmd.AddCommand(&cobra.Command{
			Use:   string(kind) + " <query>",
			Short: k.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSearch(cmd.Context(), deps, kind, args[0], opts, cmd.OutOrStdout())
			},
		})
	}
	return cmd
}

// NewDomainsCommand lists participant domains with meeting counts.
func NewDomainsCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "domains",
		Short: "List participant domains by meeting count",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.open(cmd.Context(), openOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			return listDomains(cmd.Context(), rt.repo, outputFormat(rt.cfg, output), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func runSearch(ctx context.Context, deps *Deps, kind SearchKind, query string, opts *searchOptions, out io.Writer) error {
	rt, err := deps.open(ctx, openOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	resp, err := search(ctx, rt.repo, kind, query, opts.limit)
	if err != nil {
		return err
	}
	return outputSearch(out, outputFormat(rt.cfg, opts.output), resp)
}

func search(ctx context.Context, s MeetingSearcher, kind SearchKind, query string, limit int) (*SearchResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if limit < 0 {
		return nil, fmt.Errorf("--limit must not be negative")
	}

	var fn func(context.Context, string, storage.SearchOptions) ([]storage.MeetingSummary, error)
	switch kind {
	case SearchByEmail:
		fn = s.SearchByEmail
	case SearchByDomain:
		fn = s.SearchByDomain
	case SearchByCompany:
		fn = s.SearchByCompany
	default:
		return nil, fmt.Errorf("unknown search kind %q", kind)
	}

	start := time.Now()
	results, err := fn(ctx, query, storage.SearchOptions{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("searching by %s: %w", kind, err)
	}
	if results == nil {
		results = []storage.MeetingSummary{}
	}
	return &SearchResponse{
		Query:       query,
		Kind:        kind,
		Results:     results,
		Count:       len(results),
		Limit:       limit,
		QueryTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		SearchedAt:  start.UTC(),
	}, nil
}

func outputSearch(out io.Writer, format config.OutputFormat, resp *SearchResponse) error {
	if err := validFormat(format); err != nil {
		return err
	}
	if ok, err := writeStructured(out, format, resp); ok {
		return err
	}

	if resp.Count == 0 {
		fmt.Fprintf(out, "No meetings found for %s %q.\n", resp.Kind, resp.Query)
		return nil
	}
	fmt.Fprintf(out, "%-6s %-10s %-8s %-40s %s\n", "ID", "DATE", "LENGTH", "TITLE", "PARTICIPANTS")
	for _, m := range resp.Results {
		date := "-"
		if m.StartTime != nil {
			date = m.StartTime.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(out, "%-6d %-10s %-8s %-40s %s\n",
			m.ID, date, export.FormatDurationPtr(m.Duration), truncate(m.Title, 40),
			truncate(strings.Join(m.Participants, ", "), 60))
	}
	fmt.Fprintf(out, "\n%d meeting(s) in %.1fms\n", resp.Count, resp.QueryTimeMs)
	return nil
}

func listDomains(ctx context.Context, s MeetingSearcher, format config.OutputFormat, out io.Writer) error {
	if err := validFormat(format); err != nil {
		return err
	}
	domains, err := s.ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("listing domains: %w", err)
	}
	if domains == nil {
		domains = []storage.DomainCount{}
	}
	if ok, err := writeStructured(out, format, domains); ok {
		return err
	}

	if len(domains) == 0 {
		fmt.Fprintln(out, "No domains found.")
		return nil
	}
	fmt.Fprintf(out, "%-40s %s\n", "DOMAIN", "MEETINGS")
	for _, d := range domains {
		fmt.Fprintf(out, "%-40s %d\n", truncate(d.Domain, 40), d.MeetingCount)
	}
	return nil
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/fathom-transcripts/config"
	"github.com/otherjamesbrown/fathom-transcripts/migrations"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/db"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/events"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// PreflightResult holds the result of the health checks.
type PreflightResult struct {
	Passed   bool             `json:"passed" yaml:"passed"`
	Message  string           `json:"message" yaml:"message"`
	Failures []string         `json:"failures,omitempty" yaml:"failures,omitempty"`
	Warnings []string         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Checks   []PreflightCheck `json:"checks" yaml:"checks"`
}

// PreflightCheck represents the status of a single check.
type PreflightCheck struct {
	Name      string `json:"name" yaml:"name"`
	Status    string `json:"status" yaml:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	Critical  bool   `json:"critical,omitempty" yaml:"critical,omitempty"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

const (
	statusHealthy     = "healthy"
	statusDegraded    = "degraded"
	statusUnreachable = "unreachable"
	statusDisabled    = "disabled"
)

// probe is one dependency check. Errors from critical probes fail the run;
// any other unhealthy outcome is a warning.
type probe struct {
	name     string
	critical bool
	run      func(ctx context.Context) (status, detail string, err error)
}

type healthOptions struct {
	timeout   time.Duration
	serverURL string
	output    string
}

// NewHealthCommand creates the health command.
func NewHealthCommand(deps *Deps) *cobra.Command {
	opts := &healthOptions{}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that Postgres, Redis and the Fathom API are reachable",
		Long: `Run preflight checks against the services ftm depends on.

Checks performed:
  1. Postgres reachability and pending migrations [critical]
  2. Fathom API key and reachability [critical]
  3. Redis reachability, when redis.url is set
  4. A running ftm server's /health endpoint, when --server-url is set

The command fails when any critical check fails. Non-critical problems are
reported as warnings.`,
		Example: `  ftm health
  ftm health --server-url http://localhost:3000 --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), deps, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Timeout for all checks")
	cmd.Flags().StringVar(&opts.serverURL, "server-url", "", "Base URL of a running ftm server to probe")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output format: text, json, yaml")

	return cmd
}

func runHealth(ctx context.Context, deps *Deps, opts *healthOptions, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	format := outputFormat(cfg, opts.output)
	if err := validFormat(format); err != nil {
		return err
	}
	logger := deps.NewLogger(cfg)

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	result := runPreflightCheck(ctx, healthProbes(deps, cfg, logger, opts.serverURL))

	if ok, err := writeStructured(out, format, result); ok {
		if err != nil {
			return err
		}
	} else {
		outputPreflightHuman(out, result)
	}
	if !result.Passed {
		return fmt.Errorf("health check failed: %s", strings.Join(result.Failures, "; "))
	}
	return nil
}

func healthProbes(deps *Deps, cfg *config.Config, logger logging.Logger, serverURL string) []probe {
	probes := []probe{
		{name: "Postgres", critical: true, run: func(ctx context.Context) (string, string, error) {
			pool, err := deps.ConnectToDB(ctx, cfg)
			if err != nil {
				return statusUnreachable, "", err
			}
			defer db.Close(pool)

			hs := db.Check(ctx, pool)
			if !hs.Healthy {
				return statusUnreachable, "", fmt.Errorf("%s", hs.Error)
			}
			st, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return statusDegraded, "", fmt.Errorf("reading migration status: %w", err)
			}
			if n := len(st.Pending); n > 0 {
				return statusDegraded, fmt.Sprintf("%d pending migration(s), run 'ftm db migrate'", n), nil
			}
			return statusHealthy, fmt.Sprintf("%d migration(s) applied", len(st.Applied)), nil
		}},
		{name: "Fathom API", critical: true, run: func(ctx context.Context) (string, string, error) {
			client, err := deps.NewFathomClient(cfg, nil, logger)
			if err != nil {
				return statusUnreachable, "", err
			}
			res, err := client.Ping(ctx)
			if err != nil {
				return statusUnreachable, "", err
			}
			return statusHealthy, fmt.Sprintf("%d meeting(s) returned", res.SampleMeetings), nil
		}},
		{name: "Redis", run: func(ctx context.Context) (string, string, error) {
			if !cfg.Redis.Enabled() {
				return statusDisabled, "redis.url not set", nil
			}
			client, err := events.Connect(ctx, cfg.Redis.URL)
			if err != nil {
				return statusUnreachable, "", err
			}
			defer client.Close()
			return statusHealthy, "", nil
		}},
	}
	if serverURL != "" {
		probes = append(probes, probe{name: "Server", run: func(ctx context.Context) (string, string, error) {
			return checkServerHealth(ctx, strings.TrimRight(serverURL, "/")+"/health")
		}})
	}
	return probes
}

// runPreflightCheck runs every probe in order and folds the outcomes into one result.
func runPreflightCheck(ctx context.Context, probes []probe) PreflightResult {
	result := PreflightResult{
		Passed:  true,
		Message: "All critical services healthy",
		Checks:  []PreflightCheck{},
	}

	for _, p := range probes {
		start := time.Now()
		status, detail, err := p.run(ctx)
		check := PreflightCheck{
			Name:      p.name,
			Status:    status,
			LatencyMs: time.Since(start).Milliseconds(),
			Critical:  p.critical,
			Detail:    detail,
		}
		if status == statusDisabled {
			check.LatencyMs = 0
		}
		if err != nil {
			check.Error = err.Error()
		}
		result.Checks = append(result.Checks, check)

		healthy := err == nil && (status == statusHealthy || status == statusDisabled)
		if healthy {
			continue
		}
		msg := fmt.Sprintf("%s %s", p.name, status)
		switch {
		case err != nil:
			msg += ": " + err.Error()
		case detail != "":
			msg += ": " + detail
		}
		if p.critical && err != nil {
			result.Passed = false
			result.Message = "Preflight check failed"
			result.Failures = append(result.Failures, msg+" [critical]")
		} else {
			result.Warnings = append(result.Warnings, msg)
		}
	}
	return result
}

// checkServerHealth checks a running server's health endpoint.
func checkServerHealth(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return statusUnreachable, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return statusUnreachable, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusUnreachable, "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var body struct {
		Status string  `json:"status"`
		Uptime float64 `json:"uptime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return statusDegraded, "", fmt.Errorf("parse response: %w", err)
	}
	if body.Status != statusHealthy {
		return statusDegraded, "status " + body.Status, nil
	}
	up := time.Duration(body.Uptime * float64(time.Second)).Round(time.Second)
	return statusHealthy, "up " + up.String(), nil
}

// outputPreflightHuman writes check results in human-readable format.
func outputPreflightHuman(out io.Writer, result PreflightResult) {
	statusStr := "PASS"
	statusColor := "\033[32m"
	if !result.Passed {
		statusStr = "FAIL"
		statusColor = "\033[31m"
	}
	fmt.Fprintf(out, "Preflight Check: %s%s\033[0m\n", statusColor, statusStr)

	for _, check := range result.Checks {
		status := check.Status
		switch check.Status {
		case statusHealthy:
			status = "\033[32mhealthy\033[0m"
		case statusDegraded:
			status = "\033[33mdegraded\033[0m"
		case statusUnreachable:
			status = "\033[31m" + check.Status + "\033[0m"
		}

		latency := ""
		if check.LatencyMs > 0 {
			latency = fmt.Sprintf(" (%dms)", check.LatencyMs)
		}
		critical := ""
		if check.Critical {
			critical = " [critical]"
		}
		detail := ""
		if check.Detail != "" {
			detail = " - " + check.Detail
		}
		fmt.Fprintf(out, "  %-12s %s%s%s%s\n", check.Name+":", status, latency, critical, detail)
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintln(out)
		for _, w := range result.Warnings {
			fmt.Fprintf(out, "\033[33m!\033[0m  %s\n", w)
		}
	}
	if len(result.Failures) > 0 {
		fmt.Fprintln(out)
		for _, f := range result.Failures {
			fmt.Fprintf(out, "\033[31mx\033[0m  %s\n", f)
		}
	}
}

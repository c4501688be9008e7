// Package main provides the ftm CLI entry point.
// ftm syncs Fathom meeting transcripts into Postgres and serves them over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/fathom-transcripts/cmd"
	"github.com/otherjamesbrown/fathom-transcripts/config"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/buildinfo"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configDir    string
	outputFormat string
	logLevel     string
	logJSON      bool
	debug        bool
}

// apply overrides loaded configuration with command-line flags.
func (g *globalFlags) apply(cfg *config.Config) error {
	if g.outputFormat != "" {
		f := config.OutputFormat(g.outputFormat)
		if !f.IsValid() {
			return fmt.Errorf("invalid --format %q (want text, json or yaml)", g.outputFormat)
		}
		cfg.OutputFormat = f
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.debug {
		cfg.Log.Level = "debug"
	}
	if g.logJSON {
		cfg.Log.JSON = true
	}
	return nil
}

func newRootCommand(deps *cmd.Deps) *cobra.Command {
	flags := &globalFlags{}

	load := deps.LoadConfig
	deps.LoadConfig = func() (*config.Config, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		if err := flags.apply(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root := &cobra.Command{
		Use:   "ftm",
		Short: "Fathom transcript manager",
		Long: `ftm keeps a searchable copy of your Fathom meetings.

It syncs meetings, participants and transcripts from the Fathom API into
Postgres, repairs missing durations, and serves search and transcript exports
over an authenticated HTTP API.

COMMON WORKFLOWS:
  First run:        ftm auth login  ->  ftm db migrate  ->  ftm sync --full
  Run the service:  ftm serve
  Find meetings:    ftm search domain acme.com  |  ftm domains
  Get transcripts:  ftm export journey 42 57 --out ./exports

CONFIGURATION:
  Settings come from defaults, then .env, then ~/.ftm/config.yaml (or
  $FTM_CONFIG_DIR/config.yaml), then environment variables such as
  FATHOM_API_KEY, DATABASE_URL, REDIS_URL and PORT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			if flags.configDir != "" {
				return os.Setenv("FTM_CONFIG_DIR", flags.configDir)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configDir, "config-dir", "", "config directory (default is ~/.ftm)")
	pf.StringVar(&flags.outputFormat, "format", "", "default output format: text, json, yaml")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&flags.logJSON, "log-json", false, "write logs as JSON")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Syncing:"},
		&cobra.Group{ID: "query", Title: "Querying:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			root.AddCommand(c)
		}
	}
	add("sync", cmd.NewSyncCommand(deps), cmd.NewDurationsCommand(deps))
	add("query", cmd.NewSearchCommand(deps), cmd.NewDomainsCommand(deps), cmd.NewExportCommand(deps))
	add("ops", cmd.NewServeCommand(deps), cmd.NewHealthCommand(deps), cmd.NewDbCommand(deps))
	add("setup", cmd.NewAuthCommand(deps), newVersionCommand())

	root.SetHelpCommandGroupID("setup")
	root.SetCompletionCommandGroupID("setup")
	return root
}

func newVersionCommand() *cobra.Command {
	var output string
	c := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the version, commit hash, and build time of ftm.

Use --output json or --output yaml for machine-readable output.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return printVersion(c.OutOrStdout(), config.OutputFormat(output), buildinfo.Get())
		},
	}
	c.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")
	return c
}

func printVersion(w io.Writer, format config.OutputFormat, info buildinfo.Info) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(info)
	case config.OutputFormatText, "":
		fmt.Fprintf(w, "%s %s\n", info.ServiceName, info.Version)
		fmt.Fprintf(w, "  Commit:     %s\n", info.Commit)
		fmt.Fprintf(w, "  Built:      %s\n", info.BuildTime)
		fmt.Fprintf(w, "  Go version: %s\n", info.GoVersion)
		return nil
	default:
		return fmt.Errorf("invalid output format %q (want text, json or yaml)", format)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(cmd.DefaultDeps()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/fathom-transcripts/credentials"
)

const minAPIKeyLength = 16

type authOptions struct {
	apiKey         string
	nonInteractive bool
	skipVerify     bool
}

// NewAuthCommand creates the auth command group.
func NewAuthCommand(deps *Deps) *cobra.Command {
	opts := &authOptions{}

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Fathom API key",
		Long: `Manage the Fathom API key used by sync and serve.

The key is stored encrypted in ~/.ftm/credentials.yaml. The encryption key
comes from FTM_ENCRYPTION_KEY, from FTM_CREDENTIALS_PASSPHRASE, or from the
system keyring, in that order.

FATHOM_API_KEY and fathom.api_key in the config file take precedence over the
stored key.`,
	}

	login := &cobra.Command{
		Use:   "login",
		Short: "Store a Fathom API key",
		Long: `Verify a Fathom API key and store it encrypted.

Without --api-key the key is read from FATHOM_API_KEY or prompted for.`,
		Example: `  ftm auth login
  ftm auth login --api-key fk_live_...
  FATHOM_API_KEY=fk_live_... ftm auth login --non-interactive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), deps, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	login.Flags().StringVar(&opts.apiKey, "api-key", "", "Fathom API key")
	login.Flags().BoolVar(&opts.nonInteractive, "non-interactive", false, "Fail instead of prompting for input")
	login.Flags().BoolVar(&opts.skipVerify, "skip-verify", false, "Store the key without calling the Fathom API")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(deps, cmd.OutOrStdout())
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show which API key is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthStatus(deps, cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(login, logout, status)
	return cmd
}

func runLogin(ctx context.Context, deps *Deps, opts *authOptions, in io.Reader, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	store, err := deps.OpenCredentials()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	key := strings.TrimSpace(opts.apiKey)
	if key == "" {
		if env := os.Getenv("FATHOM_API_KEY"); env != "" {
			key = env
			fmt.Fprintln(out, "Using API key from FATHOM_API_KEY environment variable")
		}
	}
	if key == "" {
		if opts.nonInteractive {
			return errors.New("no API key provided and --non-interactive flag set")
		}
		if key, err = promptForKey(in, out); err != nil {
			return fmt.Errorf("reading API key: %w", err)
		}
	}
	if err := validateAPIKey(key); err != nil {
		return fmt.Errorf("invalid API key: %w", err)
	}

	creds := &credentials.Credentials{APIKey: key, BaseURL: cfg.Fathom.Client().BaseURL}
	if !opts.skipVerify {
		res, err := deps.VerifyAPIKey(ctx, cfg, key)
		if err != nil {
			return fmt.Errorf("verifying API key against %s: %w", creds.BaseURL, err)
		}
		creds.VerifiedAt = time.Now().UTC()
		fmt.Fprintf(out, "Verified with Fathom (%dms)\n", res.Latency.Milliseconds())
	}

	if err := store.Save(creds); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	fmt.Fprintln(out, "Login successful!")
	fmt.Fprintf(out, "  API Key: %s\n", credentials.MaskAPIKey(key))
	fmt.Fprintf(out, "\nCredentials stored in: %s\n", store.Path())
	fmt.Fprintf(out, "Encryption key: %s\n", store.KeyDescription())
	return nil
}

func promptForKey(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Fathom API key: ")
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func validateAPIKey(key string) error {
	switch {
	case key == "":
		return errors.New("API key is empty")
	case len(key) < minAPIKeyLength:
		return errors.New("API key is too short")
	case strings.ContainsAny(key, " \t\r\n"):
		return errors.New("API key contains whitespace")
	}
	return nil
}

func runLogout(deps *Deps, out io.Writer) error {
	store, err := deps.OpenCredentials()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	if !store.Exists() {
		fmt.Fprintln(out, "No stored credentials found.")
		return nil
	}
	if err := store.Delete(); err != nil {
		return fmt.Errorf("removing credentials: %w", err)
	}
	fmt.Fprintln(out, "Logged out successfully.")

	if os.Getenv("FATHOM_API_KEY") != "" {
		fmt.Fprintln(out, "\nNote: FATHOM_API_KEY environment variable is still set.")
		fmt.Fprintln(out, "Unset it with: unset FATHOM_API_KEY")
	}
	return nil
}

func runAuthStatus(deps *Deps, out io.Writer) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	store, err := deps.OpenCredentials()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	fmt.Fprintln(out, "Authentication Status")
	fmt.Fprintln(out, "=====================")
	fmt.Fprintln(out)

	stored, err := store.Load()
	switch {
	case errors.Is(err, credentials.ErrNoCredentials):
		fmt.Fprintln(out, "Stored Credentials: None")
	case err != nil:
		fmt.Fprintf(out, "Stored Credentials: unreadable (%v)\n", err)
	default:
		fmt.Fprintln(out, "Stored Credentials:")
		fmt.Fprintf(out, "  API Key: %s\n", credentials.MaskAPIKey(stored.APIKey))
		if stored.BaseURL != "" {
			fmt.Fprintf(out, "  Base URL: %s\n", stored.BaseURL)
		}
		if !stored.VerifiedAt.IsZero() {
			fmt.Fprintf(out, "  Verified: %s\n", stored.VerifiedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "  Last Updated: %s\n", stored.LastUpdated.Format(time.RFC3339))
	}
	fmt.Fprintln(out)

	key, source, err := credentials.ResolveAPIKey(cfg, store)
	if err != nil {
		fmt.Fprintln(out, "Not authenticated. Run 'ftm auth login' to store an API key.")
		return nil
	}
	fmt.Fprintf(out, "Active API Key: %s (from %s)\n", credentials.MaskAPIKey(key), source)
	return nil
}

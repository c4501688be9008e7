package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/fathom-transcripts/config"
	"github.com/otherjamesbrown/fathom-transcripts/credentials"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/fathom"
)

const testAPIKey = "fk_test_0123456789abcdef"

type staticKey []byte

func (k staticKey) GetKey() ([]byte, error) { return k, nil }
func (k staticKey) Description() string     { return "static test key" }

func authDeps(t *testing.T) (*Deps, *credentials.Store, *[]string) {
	t.Helper()
	t.Setenv("FATHOM_API_KEY", "")

	store, err := credentials.NewStoreWithKeyProvider(t.TempDir(), staticKey(bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)

	var verified []string
	deps := DefaultDeps()
	deps.LoadConfig = func() (*config.Config, error) { return config.DefaultConfig(), nil }
	deps.OpenCredentials = func() (CredentialStore, error) { return store, nil }
	deps.VerifyAPIKey = func(_ context.Context, _ *config.Config, key string) (*fathom.PingResult, error) {
		verified = append(verified, key)
		return &fathom.PingResult{Latency: 42 * time.Millisecond}, nil
	}
	return deps, store, &verified
}

func TestAuthCommand_Structure(t *testing.T) {
	cmd := NewAuthCommand(DefaultDeps())

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"login", "logout", "status"} {
		assert.True(t, names[want], want)
	}

	login, _, err := cmd.Find([]string{"login"})
	require.NoError(t, err)
	for _, flag := range []string{"api-key", "non-interactive", "skip-verify"} {
		assert.NotNil(t, login.Flags().Lookup(flag), flag)
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		key    string
		errMsg string
	}{
		{testAPIKey, ""},
		{"", "empty"},
		{"short", "too short"},
		{"fk_test 0123456789abcdef", "whitespace"},
	}
	for _, tt := range tests {
		err := validateAPIKey(tt.key)
		if tt.errMsg == "" {
			assert.NoError(t, err, tt.key)
			continue
		}
		assert.ErrorContains(t, err, tt.errMsg, tt.key)
	}
}

func TestRunLogin_WithFlag(t *testing.T) {
	deps, store, verified := authDeps(t)
	var out bytes.Buffer

	err := runLogin(context.Background(), deps, &authOptions{apiKey: testAPIKey}, strings.NewReader(""), &out)
	require.NoError(t, err)

	assert.Equal(t, []string{testAPIKey}, *verified)
	assert.Contains(t, out.String(), "Login successful!")
	assert.Contains(t, out.String(), credentials.MaskAPIKey(testAPIKey))
	assert.NotContains(t, out.String(), testAPIKey)

	creds, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, testAPIKey, creds.APIKey)
	assert.Equal(t, fathom.DefaultBaseURL, creds.BaseURL)
	assert.False(t, creds.VerifiedAt.IsZero())
}

func TestRunLogin_FromEnvSkipVerify(t *testing.T) {
	deps, store, verified := authDeps(t)
	t.Setenv("FATHOM_API_KEY", testAPIKey)
	var out bytes.Buffer

	err := runLogin(context.Background(), deps, &authOptions{skipVerify: true, nonInteractive: true}, strings.NewReader(""), &out)
	require.NoError(t, err)

	assert.Empty(t, *verified)
	assert.Contains(t, out.String(), "FATHOM_API_KEY")
	creds, err := store.Load()
	require.NoError(t, err)
	assert.True(t, creds.VerifiedAt.IsZero())
}

func TestRunLogin_Prompt(t *testing.T) {
	deps, store, _ := authDeps(t)
	var out bytes.Buffer

	err := runLogin(context.Background(), deps, &authOptions{}, strings.NewReader(testAPIKey+"\n"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Fathom API key: ")
	assert.True(t, store.Exists())
}

func TestRunLogin_Failures(t *testing.T) {
	deps, store, _ := authDeps(t)

	err := runLogin(context.Background(), deps, &authOptions{nonInteractive: true}, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorContains(t, err, "--non-interactive")

	err = runLogin(context.Background(), deps, &authOptions{apiKey: "short"}, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid API key")

	deps.VerifyAPIKey = func(context.Context, *config.Config, string) (*fathom.PingResult, error) {
		return nil, &fathom.APIError{Status: 401, Body: "unauthorized"}
	}
	err = runLogin(context.Background(), deps, &authOptions{apiKey: testAPIKey}, strings.NewReader(""), &bytes.Buffer{})
	var apiErr *fathom.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode())
	assert.False(t, store.Exists(), "unverified key must not be stored")
}

func TestRunLogout(t *testing.T) {
	deps, store, _ := authDeps(t)

	var out bytes.Buffer
	require.NoError(t, runLogout(deps, &out))
	assert.Contains(t, out.String(), "No stored credentials found.")

	require.NoError(t, store.Save(&credentials.Credentials{APIKey: testAPIKey}))
	out.Reset()
	require.NoError(t, runLogout(deps, &out))
	assert.Contains(t, out.String(), "Logged out successfully.")
	assert.False(t, store.Exists())
}

func TestRunAuthStatus(t *testing.T) {
	deps, store, _ := authDeps(t)

	var out bytes.Buffer
	require.NoError(t, runAuthStatus(deps, &out))
	assert.Contains(t, out.String(), "Stored Credentials: None")
	assert.Contains(t, out.String(), "Not authenticated")

	require.NoError(t, store.Save(&credentials.Credentials{APIKey: testAPIKey}))
	out.Reset()
	require.NoError(t, runAuthStatus(deps, &out))
	assert.Contains(t, out.String(), "Active API Key: "+credentials.MaskAPIKey(testAPIKey)+" (from credentials store)")

	t.Setenv("FATHOM_API_KEY", "fk_env_key_abcdefghijkl")
	out.Reset()
	require.NoError(t, runAuthStatus(deps, &out))
	assert.Contains(t, out.String(), "(from environment)")
}

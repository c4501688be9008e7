package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/fathom-transcripts/config"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/db"
)

func TestDbCommand_HasSubcommands(t *testing.T) {
	cmd := NewDbCommand(DefaultDeps())

	assert.Equal(t, "db", cmd.Use)
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["migrate"])
	assert.True(t, names["status"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("migrations"))
}

func TestDbMigrateCommand_Flags(t *testing.T) {
	cmd := NewDbCommand(DefaultDeps())
	migrate, _, err := cmd.Find([]string{"migrate"})
	require.NoError(t, err)

	for _, name := range []string{"dry-run", "target", "yes"} {
		f := migrate.Flags().Lookup(name)
		require.NotNil(t, f, name)
		assert.NotEmpty(t, f.Usage, name)
	}
	assert.Equal(t, "bool", migrate.Flags().Lookup("dry-run").Value.Type())
	assert.Equal(t, "string", migrate.Flags().Lookup("target").Value.Type())
}

func TestDbStatus_ConfigAndConnectErrors(t *testing.T) {
	deps := DefaultDeps()
	deps.LoadConfig = func() (*config.Config, error) { return nil, errors.New("bad yaml") }
	err := runDbStatus(context.Background(), deps, &dbOptions{}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "loading configuration")

	deps.LoadConfig = func() (*config.Config, error) { return config.DefaultConfig(), nil }
	deps.ConnectToDB = func(context.Context, *config.Config) (*pgxpool.Pool, error) {
		return nil, errors.New("refused")
	}
	err = runDbStatus(context.Background(), deps, &dbOptions{}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "connecting to database")

	err = runDbStatus(context.Background(), deps, &dbOptions{output: "xml"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid output format")
}

func TestOutputMigrationStatus_Text(t *testing.T) {
	applied := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	status := &db.MigrationStatus{
		Applied: []db.MigrationStatusEntry{{Version: "001", Name: "create_meetings", AppliedAt: &applied}},
		Pending: []db.MigrationStatusEntry{{Version: "002", Name: "create_sync_runs"}},
	}

	var buf bytes.Buffer
	require.NoError(t, outputMigrationStatus(&buf, config.OutputFormatText, status))
	out := buf.String()

	assert.Contains(t, out, "Applied Migrations (1)")
	assert.Contains(t, out, "2024-05-01 09:30:00")
	assert.Contains(t, out, "Pending Migrations (1)")
	assert.Contains(t, out, "Summary: 1 applied, 1 pending")
	assert.NotContains(t, out, "drift")
}

func TestOutputMigrationStatus_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, outputMigrationStatus(&buf, config.OutputFormatText, &db.MigrationStatus{}))
	assert.Equal(t, "No migrations found.\n", buf.String())
}

func TestOutputMigrationStatus_JSON(t *testing.T) {
	status := &db.MigrationStatus{
		Drift: []db.MigrationStatusEntry{{Version: "009", Name: "gone"}},
	}

	var buf bytes.Buffer
	require.NoError(t, outputMigrationStatus(&buf, config.OutputFormatJSON, status))

	var decoded db.MigrationStatus
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded.Drift, 1)
	assert.Equal(t, "009", decoded.Drift[0].Version)
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	assert.True(t, confirm(strings.NewReader("y\n"), &out, "ok? "))
	assert.True(t, confirm(strings.NewReader("Y"), &out, "ok? "))
	assert.False(t, confirm(strings.NewReader("\n"), &out, "ok? "))
	assert.False(t, confirm(strings.NewReader(""), &out, "ok? "))
	assert.Equal(t, "ok? ok? ok? ok? ", out.String())
}

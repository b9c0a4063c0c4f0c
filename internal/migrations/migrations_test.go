package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsHaveUpAndDown(t *testing.T) {
	entries, err := fs.ReadDir(files, dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, e := range entries {
		body, err := fs.ReadFile(files, dir+"/"+e.Name())
		require.NoError(t, err)

		text := string(body)
		assert.Contains(t, text, "-- +goose Up", e.Name())
		assert.Contains(t, text, "-- +goose Down", e.Name())
		assert.True(t, strings.HasSuffix(e.Name(), ".sql"), e.Name())
	}
}

func TestOutboxSchemaEnforcesEntryInvariants(t *testing.T) {
	body, err := fs.ReadFile(files, dir+"/00001_create_outbox.sql")
	require.NoError(t, err)
	text := string(body)

	for _, want := range []string{
		"UNIQUE (domain_event_id, delivery_channel)",
		"UNIQUE (payload_checksum)",
		"(locked_by IS NOT NULL) = (status = 'delivering')",
		"(delivered_at IS NOT NULL) = (status = 'delivered')",
		"ON DELETE CASCADE",
	} {
		assert.Contains(t, text, want)
	}
}

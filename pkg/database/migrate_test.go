package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreEmbeddedInOrder(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_schema.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestSchemaDefinesLiveStreamTables(t *testing.T) {
	raw, err := migrationsFS.ReadFile("migrations/001_schema.sql")
	require.NoError(t, err)
	sql := string(raw)
	for _, table := range []string{"users", "live_streams", "stream_comments"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

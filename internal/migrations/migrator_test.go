package migrations

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbmigrations "github.com/vinaykr8807/WhispShare-qz/db/migrations"
)

func TestLoadMigrationFiles_SortedAndFiltered(t *testing.T) {
	files := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("SELECT 2;")},
		"0001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"0001_a.down.sql": {Data: []byte("SELECT 0;")},
		"README.md":       {Data: []byte("docs")},
	}

	got, err := loadMigrationFiles(files)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0001_a.up.sql", got[0].Name)
	assert.Equal(t, "0002_b.up.sql", got[1].Name)
}

func TestLoadMigrationFiles_RejectsEmpty(t *testing.T) {
	_, err := loadMigrationFiles(fstest.MapFS{"0001_a.up.sql": {Data: []byte("  \n")}})
	assert.Error(t, err)
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := loadMigrationFiles(dbmigrations.UpFiles)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, got[0].SQL, "CREATE TABLE IF NOT EXISTS shares")
	assert.Contains(t, got[0].SQL, "shares_active_code_key")
	assert.Contains(t, got[1].SQL, "CREATE TABLE IF NOT EXISTS downloads")
}

func TestApply_NilDatabase(t *testing.T) {
	_, err := NewWithFS(nil, fstest.MapFS{}, nil).Apply(context.Background())
	assert.Error(t, err)
}

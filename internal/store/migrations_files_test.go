package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		require.False(t, byVersion[version][direction], "duplicate %s migration for version %s", direction, version)
		byVersion[version][direction] = true
	}

	require.NotEmpty(t, byVersion, "no migrations discovered")
	for version, dirs := range byVersion {
		assert.True(t, dirs["up"] && dirs["down"], "version %s must include both up and down files", version)
	}
}

func TestOutcomeLogMigrationBlocksMutation(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0002_apply_outcomes.up.sql"))
	require.NoError(t, err)
	sqlText := string(sqlBytes)

	for _, snippet := range []string{"RAISE EXCEPTION", "ERRCODE = '55000'", "BEFORE UPDATE OR DELETE ON apply_outcomes"} {
		assert.Contains(t, sqlText, snippet)
	}
	assert.False(t, strings.Contains(sqlText, "DO INSTEAD NOTHING"), "outcome log must fail loudly, not silently")
}

func TestMigrationFilesAreOrdered(t *testing.T) {
	ups, err := migrationFiles(os.DirFS(migrationsDir), ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_edit_requests.up.sql", "0002_apply_outcomes.up.sql"}, ups)
}

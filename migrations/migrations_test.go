package migrations_test

import (
	"strings"
	"testing"

	"disputeflow/migrations"

	"github.com/stretchr/testify/require"
)

func TestFilesAreOrderedAndCreateRequiredTables(t *testing.T) {
	files, err := migrations.Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var all strings.Builder
	for i, f := range files {
		if i > 0 {
			require.Less(t, files[i-1].Name, f.Name)
		}
		all.WriteString(f.SQL)
	}
	for _, table := range migrations.RequiredTables {
		require.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

// Package migrations embeds the schema files so tooling can apply them
// without knowing where the repository is checked out.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

//go:embed *.sql
var files embed.FS

// RequiredTables are the relations the ledger, escrow and access stores
// read and write. A migrated database holds all of them.
var RequiredTables = []string{
	"disputes",
	"dispute_arbiters",
	"dispute_events",
	"outbox",
	"role_grants",
	"escrow_balances",
	"escrow_transfers",
	"collateral_tokens",
	"accounts",
}

// File is one schema step.
type File struct {
	Name string
	SQL  string
}

// Files returns the schema steps in the order they must run.
func Files() ([]File, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]File, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, err
		}
		out = append(out, File{Name: name, SQL: string(data)})
	}
	return out, nil
}

// Package migrations embeds SQL migration files.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

// FS contains the Postgres schema for entity definitions.
//
//go:embed *.sql
var FS embed.FS

// Files lista las migraciones en orden de aplicación.
func Files() ([]string, error) {
	names, err := fs.Glob(FS, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

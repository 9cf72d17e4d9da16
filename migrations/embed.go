// Package migrations ships the SQL schema and seed files inside the binary so
// deployments never depend on a checkout being present next to the executable.
package migrations

import "embed"

// FS holds migration files under sql/ and seed files under seeds/.
//
//go:embed sql seeds
var FS embed.FS

// Dirs used when constructing a migrate.Manager over FS.
const (
	SQLDir   = "sql"
	SeedsDir = "seeds"
)

package migrations

import "embed"

// Postgres contains the schema migrations for the Postgres entity store.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite contains the schema migrations for the SQLite entity store.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

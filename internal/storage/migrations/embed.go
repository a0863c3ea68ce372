// Package migrations applies the embedded ledger and analytics schemas.
// Files are named NNN_description.sql; each version is applied once and
// recorded in a schema_migrations table.
package migrations

import "embed"

// PostgresFS embeds the ledger schema.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS embeds the audit and snapshot schema.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS

package store

import (
	"strconv"
	"strings"
)

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	driver     string
	positional bool // $1, $2 instead of ?
	schemaV1   []string
}

var sqliteDialect = dialect{
	driver: "sqlite3",
	schemaV1: []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phone TEXT NOT NULL UNIQUE,
			name TEXT,
			created_at INTEGER NOT NULL,
			last_interaction_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contact_id INTEGER NOT NULL REFERENCES contacts(id),
			message TEXT NOT NULL,
			intent TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_contact_created ON interactions(contact_id, created_at)`,
	},
}

var postgresDialect = dialect{
	driver:     "pgx",
	positional: true,
	schemaV1: []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id BIGSERIAL PRIMARY KEY,
			phone TEXT NOT NULL UNIQUE,
			name TEXT,
			created_at BIGINT NOT NULL,
			last_interaction_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id BIGSERIAL PRIMARY KEY,
			contact_id BIGINT NOT NULL REFERENCES contacts(id),
			message TEXT NOT NULL,
			intent TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_contact_created ON interactions(contact_id, created_at)`,
	},
}

// rebind rewrites ? placeholders for positional dialects.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

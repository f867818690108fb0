package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect holds the few statements and types that differ between SQL
// engines. Everything else is written in the common subset of SQLite and
// PostgreSQL.
type Dialect struct {
	Name string

	// Placeholder returns the bind marker for the n-th argument, from 1.
	Placeholder func(n int) string

	BoolType string
	JSONType string

	// LockClause is appended to the sequence row select to serialize
	// writers across connections. Empty when the engine locks otherwise.
	LockClause string
}

// SQLite uses ? markers and relies on the process-local write lock plus the
// database lock taken by the write transaction.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: func(int) string { return "?" },
	BoolType:    "BOOLEAN",
	JSONType:    "TEXT",
}

// Postgres uses numbered markers and row locks on the sequence row.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	BoolType:    "BOOLEAN",
	JSONType:    "JSONB",
	LockClause:  " FOR UPDATE",
}

// placeholders returns count markers starting at from.
func (d Dialect) placeholders(from, count int) string {
	marks := make([]string, count)
	for i := range marks {
		marks[i] = d.Placeholder(from + i)
	}
	return strings.Join(marks, ", ")
}

// tableName maps a database and collection to a table identifier made of
// lower case letters, digits and underscores.
func tableName(database, collection string) string {
	name := "docs_"
	if database != "" {
		name += sanitize(database) + "__"
	}
	return name + sanitize(collection)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

const sequencesTable = "docsync_sequences"

func (d Dialect) schema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection TEXT PRIMARY KEY,
	seq        BIGINT NOT NULL
)`, sequencesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	rev        TEXT NOT NULL,
	deleted    %s NOT NULL,
	data       %s NOT NULL,
	updated_at BIGINT NOT NULL,
	seq        BIGINT NOT NULL
)`, table, d.BoolType, d.JSONType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_seq ON %s (seq)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_deleted ON %s (deleted, updated_at)`, table, table),
	}
}

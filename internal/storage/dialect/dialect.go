// Package dialect captures the SQL differences between the report store's
// supported databases.
package dialect

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Dialect describes how a database spells the statements the report store
// issues.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver registered for this dialect.
	DriverName() string
	// Rebind rewrites ? placeholders into the driver's bind style.
	Rebind(query string) string
	// KeyType is the column type for strings used in primary keys.
	KeyType() string
	TextType() string
	// UpsertClause is appended to an INSERT. With no update columns a
	// conflicting row is left untouched.
	UpsertClause(conflictColumns, updateColumns []string) string
	// PragmaStatements run once on every new pool.
	PragmaStatements() []string
	// MaxOpenConns caps the pool; zero leaves it unbounded.
	MaxOpenConns() int
}

// Kind names a supported database.
type Kind string

const (
	SQLite   Kind = "sqlite"
	Postgres Kind = "postgres"
	MySQL    Kind = "mysql"
)

type upsertStyle int

const (
	onConflict upsertStyle = iota
	onDuplicateKey
)

// profile is the table row behind every Dialect.
type profile struct {
	kind     Kind
	driver   string
	bindType int
	keyType  string
	textType string
	upsert   upsertStyle
	pragmas  []string
	maxConns int
}

var dialects = map[Kind]*profile{
	SQLite: {
		kind:     SQLite,
		driver:   "sqlite",
		bindType: sqlx.QUESTION,
		keyType:  "TEXT",
		textType: "TEXT",
		upsert:   onConflict,
		pragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
		},
		// One writer at a time; database/sql queues the rest instead of
		// surfacing SQLITE_BUSY.
		maxConns: 1,
	},
	Postgres: {
		kind:     Postgres,
		driver:   "postgres",
		bindType: sqlx.DOLLAR,
		keyType:  "TEXT",
		textType: "TEXT",
		upsert:   onConflict,
	},
	MySQL: {
		kind:     MySQL,
		driver:   "mysql",
		bindType: sqlx.QUESTION,
		// utf8mb4 index prefix limit
		keyType:  "VARCHAR(191)",
		textType: "LONGTEXT",
		upsert:   onDuplicateKey,
	},
}

var driverAliases = map[string]Kind{
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
	"postgres":   Postgres,
	"postgresql": Postgres,
	"pq":         Postgres,
	"mysql":      MySQL,
}

// New returns the dialect for kind.
func New(kind Kind) (Dialect, error) {
	d, ok := dialects[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect: %s", kind)
	}
	return d, nil
}

// FromDriverName maps a configured driver name, including common aliases,
// to its dialect.
func FromDriverName(driverName string) (Dialect, error) {
	kind, ok := driverAliases[strings.ToLower(driverName)]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
	return dialects[kind], nil
}

func (p *profile) Name() string               { return string(p.kind) }
func (p *profile) DriverName() string         { return p.driver }
func (p *profile) KeyType() string            { return p.keyType }
func (p *profile) TextType() string           { return p.textType }
func (p *profile) PragmaStatements() []string { return p.pragmas }
func (p *profile) MaxOpenConns() int          { return p.maxConns }

func (p *profile) Rebind(query string) string {
	return sqlx.Rebind(p.bindType, query)
}

func (p *profile) UpsertClause(conflictColumns, updateColumns []string) string {
	if p.upsert == onDuplicateKey {
		// MySQL has no DO NOTHING; assigning a key column to itself is a no-op.
		if len(updateColumns) == 0 {
			return fmt.Sprintf("ON DUPLICATE KEY UPDATE %[1]s = %[1]s", conflictColumns[0])
		}
		return "ON DUPLICATE KEY UPDATE " + assignments(updateColumns, "%[1]s = VALUES(%[1]s)")
	}

	target := strings.Join(conflictColumns, ", ")
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target,
		assignments(updateColumns, "%[1]s = excluded.%[1]s"))
}

func assignments(cols []string, format string) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = fmt.Sprintf(format, col)
	}
	return strings.Join(parts, ", ")
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ColumnType is the semantic type of a column. Date values are stored as
// formatted text, longnum as a 64-bit integer, list and map as serialized
// JSON text.
type ColumnType string

const (
	TypeText    ColumnType = "text"
	TypeDate    ColumnType = "date"
	TypeLongnum ColumnType = "longnum"
	TypeBool    ColumnType = "bool"
	TypeList    ColumnType = "list"
	TypeMap     ColumnType = "map"
)

// sqliteType maps a semantic column type to its SQLite declared type.
func (t ColumnType) sqliteType() string {
	switch t {
	case TypeDate:
		return "datetime"
	case TypeLongnum:
		return "integer"
	case TypeBool:
		return "boolean"
	default:
		return "varchar"
	}
}

// Column describes one column of a record table.
type Column struct {
	Name       string
	Type       ColumnType
	PrimaryKey bool
	Indexed    bool
}

// TableSpec is the static schema of one record table: an ordered column
// list, one declared primary key and the natural key used for the
// insert-vs-update decision. TableSpec values are pure metadata and are
// never mutated at runtime.
type TableSpec struct {
	Name       string
	NaturalKey string
	Columns    []Column
}

// ClientTable holds subject records keyed by baseEntityId.
var ClientTable = TableSpec{
	Name:       "client",
	NaturalKey: "baseEntityId",
	Columns: []Column{
		{Name: "baseEntityId", Type: TypeText, PrimaryKey: true, Indexed: true},
		{Name: "syncStatus", Type: TypeText, Indexed: true},
		{Name: "validationStatus", Type: TypeText, Indexed: true},
		{Name: "json", Type: TypeText},
		{Name: "updatedAt", Type: TypeDate, Indexed: true},
	},
}

// EventTable holds observation records. The primary key is the
// server-assigned eventId, which is absent on locally authored events, so
// the upsert natural key is the client-generated formSubmissionId.
var EventTable = TableSpec{
	Name:       "event",
	NaturalKey: "formSubmissionId",
	Columns: []Column{
		{Name: "dateCreated", Type: TypeDate, Indexed: true},
		{Name: "dateEdited", Type: TypeDate},
		{Name: "eventId", Type: TypeText, PrimaryKey: true, Indexed: true},
		{Name: "baseEntityId", Type: TypeText, Indexed: true},
		{Name: "syncStatus", Type: TypeText, Indexed: true},
		{Name: "validationStatus", Type: TypeText, Indexed: true},
		{Name: "json", Type: TypeText},
		{Name: "eventDate", Type: TypeDate, Indexed: true},
		{Name: "eventType", Type: TypeText, Indexed: true},
		{Name: "formSubmissionId", Type: TypeText, Indexed: true},
		{Name: "updatedAt", Type: TypeDate, Indexed: true},
		{Name: "serverVersion", Type: TypeLongnum, Indexed: true},
	},
}

// Column returns the named column definition.
func (t TableSpec) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// createSQL derives the CREATE TABLE statement for the table.
func (t TableSpec) createSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(t.Name)
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "`%s` %s", c.Name, c.Type.sqliteType())
		if c.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
		}
	}
	b.WriteString(")")
	return b.String()
}

// indexSQL derives one CREATE INDEX statement per column flagged indexed.
func (t TableSpec) indexSQL() []string {
	var stmts []string
	for _, c := range t.Columns {
		if !c.Indexed {
			continue
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s_%s_index ON %s (`%s`)",
			t.Name, c.Name, t.Name, c.Name))
	}
	return stmts
}

// initializeDatabase enables pragmas and creates the record tables, their
// indexes and the device info table. Every statement is idempotent, so this
// is safe to run on each process start.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	for _, spec := range []TableSpec{ClientTable, EventTable} {
		if _, err := db.Exec(spec.createSQL()); err != nil {
			return fmt.Errorf("failed to create table %s: %w", spec.Name, err)
		}
		for _, stmt := range spec.indexSQL() {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", spec.Name, err)
			}
		}
	}

	// Device identity (one row per database file)
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS _recstore_device (
		id        INTEGER PRIMARY KEY CHECK (id = 1),
		device_id TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create device info table: %w", err)
	}

	return nil
}

// DropIndexes removes every index on the given table. Used before bulk
// loads; the next NewStore rebuilds them.
func (s *Store) DropIndexes(ctx context.Context, table TableSpec) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'index' AND sql IS NOT NULL AND tbl_name = ?
	`, table.Name)
	if err != nil {
		return fmt.Errorf("failed to list indexes for %s: %w", table.Name, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan index name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating indexes: %w", err)
	}
	rows.Close()

	for _, name := range names {
		if _, err := s.DB.ExecContext(ctx, "DROP INDEX "+name); err != nil {
			return fmt.Errorf("failed to drop index %s: %w", name, err)
		}
	}
	return nil
}

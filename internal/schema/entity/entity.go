// Package entity defines the canonical in-memory schema model shared by
// the database reader, comparator, and DDL generator (spec.md §4.9), and
// the EntityReader that builds it by walking declared entity metadata.
package entity

import (
	"sort"
	"strings"
)

// Column is one table column in canonical form: lowercase lettertype,
// size/scale, unsigned (MySQL only), nullability, default expression
// (not a literal default value; spec.md §4.9 says the reader does not
// materialize them), auto-increment, and enum values.
type Column struct {
	Name               string
	Type               string // canonical lowercase, e.g. "varchar", "int", "enum"
	Size               int
	Scale              int
	Unsigned           bool
	Nullable           bool
	Default            string // expression text, empty if none
	AutoIncrement      bool
	EnumValues         []string // declaration order; MySQL "enum" columns, or Postgres columns whose Type is an enum type name
	Ordinal            int      // declaration order within the table
	OnUpdateExpression string   // e.g. "CURRENT_TIMESTAMP", empty if none (spec.md §3, §4.9)
}

// Index is deduplicated by (sortedColumns, unique, spatial); Name is kept
// for DDL emission but never used as the comparison key.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
	Spatial bool
}

// Key returns the structural dedup/match key from spec.md §4.9:
// "columns.join(',') + unique + spatial".
func (i Index) Key() string {
	cols := append([]string(nil), i.Columns...)
	sort.Strings(cols)
	return strings.Join(cols, ",") + boolTag(i.Unique) + boolTag(i.Spatial)
}

func boolTag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ForeignKey matches by structural key, not name; OnDelete/OnUpdate are
// normalized so "NO ACTION" and "RESTRICT" compare equal (spec.md §4.9).
type ForeignKey struct {
	Name             string
	Columns          []string
	ReferencedTable  string
	ReferencedColumn []string
	OnDelete         string
	OnUpdate         string
}

// Key returns the structural match key, normalizing NO ACTION/RESTRICT.
func (f ForeignKey) Key() string {
	cols := strings.Join(f.Columns, ",")
	refCols := strings.Join(f.ReferencedColumn, ",")
	return cols + "->" + f.ReferencedTable + "(" + refCols + ")" +
		normalizeAction(f.OnDelete) + normalizeAction(f.OnUpdate)
}

func normalizeAction(a string) string {
	a = strings.ToUpper(strings.TrimSpace(a))
	if a == "NO ACTION" {
		return "RESTRICT"
	}
	return a
}

// TableSchema is one table's canonical shape.
type TableSchema struct {
	Name                     string
	Columns                  []Column // ordinal order
	PrimaryKey               []string
	PrimaryKeyConstraintName string   // PG only; empty on MySQL, which has no named PK constraint
	Indexes                  []Index
	ForeignKeys              []ForeignKey
}

// ColumnByName finds a column, or returns (Column{}, false).
func (t TableSchema) ColumnByName(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Schema is the full set of tables, keyed by table name.
type Schema struct {
	Tables map[string]TableSchema
}

// Entity describes one declared application entity, the input the
// EntityReader consumes to build a TableSchema. Applications build these
// by hand or via reflection over their model structs; this package does
// not prescribe how entities are sourced, mirroring spec.md §4.9's
// "walks declared entity metadata" wording.
type Entity struct {
	TableName   string
	Columns     []Column
	PrimaryKey  []string
	Indexes     []Index
	ForeignKeys []ForeignKey
}

// Read builds a Schema from declared entities, excluding internal tables
// (names starting with "_") and deduplicating indexes by their structural
// key (spec.md §4.9).
func Read(entities []Entity) Schema {
	tables := make(map[string]TableSchema, len(entities))
	for _, e := range entities {
		if strings.HasPrefix(e.TableName, "_") {
			continue
		}
		for i := range e.Columns {
			e.Columns[i].Ordinal = i
		}
		tables[e.TableName] = TableSchema{
			Name:        e.TableName,
			Columns:     e.Columns,
			PrimaryKey:  e.PrimaryKey,
			Indexes:     dedupIndexes(e.Indexes),
			ForeignKeys: e.ForeignKeys,
		}
	}
	return Schema{Tables: tables}
}

func dedupIndexes(indexes []Index) []Index {
	seen := make(map[string]bool, len(indexes))
	out := make([]Index, 0, len(indexes))
	for _, idx := range indexes {
		key := idx.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, idx)
	}
	return out
}

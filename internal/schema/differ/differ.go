// Package differ implements the schema Comparator described in spec.md
// §4.9: given a declared entity.Schema and a live database entity.Schema,
// it produces the set of per-table changes needed to bring the database
// in line, including rename resolution, column modification detection,
// and index/FK/PK reconciliation by structural key rather than name.
package differ

import (
	"fmt"
	"sort"
	"strings"

	"github.com/signal24/dk-server-foundation/internal/schema/entity"
)

// Dialect selects dialect-specific comparison rules (MySQL column
// reordering, Postgres enum handling).
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// RenameResolver decides, for one table, which add/drop column candidates
// are actually the same column renamed. Implementations may prompt a user
// (InteractiveResolver) or always decline (NullResolver), per spec.md §9.
type RenameResolver interface {
	ResolveRenames(table string, adds []entity.Column, drops []entity.Column) map[string]string // drop name -> add name
}

// NullResolver never proposes renames; every candidate is emitted as a
// plain add/drop.
type NullResolver struct{}

func (NullResolver) ResolveRenames(string, []entity.Column, []entity.Column) map[string]string {
	return nil
}

// InteractiveResolver proposes rename pairs (preferring same normalized
// type, falling back to any remaining drop) and asks Ask to confirm, per
// spec.md §4.9: "a single yes/no for 1 candidate, or a numbered choice (0
// = none) for multiple."
type InteractiveResolver struct {
	// Ask presents candidates and returns the index of the accepted
	// rename-from column (0-based into drops), or -1 for none.
	Ask func(table string, add entity.Column, drops []entity.Column) int
}

func (r InteractiveResolver) ResolveRenames(table string, adds []entity.Column, drops []entity.Column) map[string]string {
	if r.Ask == nil || len(adds) == 0 || len(drops) == 0 {
		return nil
	}
	renames := make(map[string]string)
	remaining := append([]entity.Column(nil), drops...)

	for _, add := range adds {
		if len(remaining) == 0 {
			break
		}
		candidates := rankDropCandidates(add, remaining)
		choice := r.Ask(table, add, candidates)
		if choice < 0 || choice >= len(candidates) {
			continue
		}
		chosen := candidates[choice]
		renames[chosen.Name] = add.Name
		remaining = removeColumn(remaining, chosen.Name)
	}
	return renames
}

// rankDropCandidates prefers same normalized type first, then falls back
// to every remaining drop (spec.md §4.9).
func rankDropCandidates(add entity.Column, drops []entity.Column) []entity.Column {
	var sameType, rest []entity.Column
	for _, d := range drops {
		if normalizeType(d.Type) == normalizeType(add.Type) {
			sameType = append(sameType, d)
		} else {
			rest = append(rest, d)
		}
	}
	return append(sameType, rest...)
}

func removeColumn(cols []entity.Column, name string) []entity.Column {
	out := make([]entity.Column, 0, len(cols))
	for _, c := range cols {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

func normalizeType(t string) string {
	t = strings.ToLower(t)
	switch t {
	case "integer":
		return "int"
	case "numeric":
		return "decimal"
	}
	return t
}

// ColumnModification describes one column whose shape differs between
// entity and db.
type ColumnModification struct {
	Name           string
	TypeChanged    bool
	SizeChanged    bool
	ScaleChanged   bool
	UnsignedChanged bool
	NullableChanged bool
	DefaultChanged bool
	AutoIncrementChanged bool
	OnUpdateChanged bool
	Entity         entity.Column
	DB             entity.Column
}

// IsMaterial reports whether any field actually differs.
func (m ColumnModification) IsMaterial() bool {
	return m.TypeChanged || m.SizeChanged || m.ScaleChanged || m.UnsignedChanged ||
		m.NullableChanged || m.DefaultChanged || m.AutoIncrementChanged || m.OnUpdateChanged
}

// EnumChange describes a PostgreSQL enum type change.
type EnumChange struct {
	TypeName  string
	NewType   bool
	DropType  bool
	AddValues []string // values present in entity but not db, for an existing type
}

// TableDiff is the set of changes needed for one table.
type TableDiff struct {
	Name string

	AddedColumns    []entity.Column
	DroppedColumns  []string
	RenamedColumns  map[string]string        // db name -> entity name
	RenamedColumnDefs map[string]entity.Column // db name -> full entity-side column, for DDL rendering
	ModifiedColumns []ColumnModification

	OldPrimaryKey               []string
	OldPrimaryKeyConstraintName string // PG only; the stored constraint name, used on DROP (spec.md §4.9)
	NewPrimaryKey               []string
	PrimaryKeyChanged           bool

	AddedIndexes   []entity.Index
	DroppedIndexes []entity.Index

	AddedForeignKeys   []entity.ForeignKey
	DroppedForeignKeys []entity.ForeignKey

	// MySQLReorder lists "MODIFY col AFTER prev" operations in the order
	// they should be emitted (spec.md §4.9).
	MySQLReorder []ColumnReorder

	EnumChanges []EnumChange
}

// ColumnReorder captures one MySQL "MODIFY col AFTER prev" repositioning.
// After == "" means FIRST.
type ColumnReorder struct {
	Column entity.Column
	After  string
}

// IsMaterial reports whether this table's diff contains any actual change
// (spec.md §4.9: "If a table's diff has no material changes, drop it").
func (d TableDiff) IsMaterial() bool {
	return len(d.AddedColumns) > 0 || len(d.DroppedColumns) > 0 || len(d.RenamedColumns) > 0 ||
		len(d.ModifiedColumns) > 0 || d.PrimaryKeyChanged ||
		len(d.AddedIndexes) > 0 || len(d.DroppedIndexes) > 0 ||
		len(d.AddedForeignKeys) > 0 || len(d.DroppedForeignKeys) > 0 ||
		len(d.MySQLReorder) > 0 || len(d.EnumChanges) > 0
}

// SchemaDiff is the full comparison result.
type SchemaDiff struct {
	AddedTables   []entity.TableSchema
	RemovedTables []string
	ChangedTables []TableDiff
}

// Compare implements spec.md §4.9's compareSchemas(entity, db, dialect,
// interactive, pgSchema?). resolver is used for column-rename detection;
// pass NullResolver{} for non-interactive runs.
func Compare(ent entity.Schema, db entity.Schema, dialect Dialect, resolver RenameResolver) SchemaDiff {
	var diff SchemaDiff

	for name, t := range ent.Tables {
		if _, ok := db.Tables[name]; !ok {
			diff.AddedTables = append(diff.AddedTables, t)
		}
	}
	sort.Slice(diff.AddedTables, func(i, j int) bool { return diff.AddedTables[i].Name < diff.AddedTables[j].Name })

	for name := range db.Tables {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := ent.Tables[name]; !ok {
			diff.RemovedTables = append(diff.RemovedTables, name)
		}
	}
	sort.Strings(diff.RemovedTables)

	var tableNames []string
	for name := range ent.Tables {
		if _, ok := db.Tables[name]; ok {
			tableNames = append(tableNames, name)
		}
	}
	sort.Strings(tableNames)

	for _, name := range tableNames {
		td := compareTable(name, ent.Tables[name], db.Tables[name], dialect, resolver)
		if td.IsMaterial() {
			diff.ChangedTables = append(diff.ChangedTables, td)
		}
	}
	return diff
}

func compareTable(name string, ent, db entity.TableSchema, dialect Dialect, resolver RenameResolver) TableDiff {
	td := TableDiff{Name: name, RenamedColumns: make(map[string]string), RenamedColumnDefs: make(map[string]entity.Column)}

	entByName := make(map[string]entity.Column, len(ent.Columns))
	for _, c := range ent.Columns {
		entByName[c.Name] = c
	}
	dbByName := make(map[string]entity.Column, len(db.Columns))
	for _, c := range db.Columns {
		dbByName[c.Name] = c
	}

	var addCandidates, dropCandidates []entity.Column
	for _, c := range ent.Columns {
		if _, ok := dbByName[c.Name]; !ok {
			addCandidates = append(addCandidates, c)
		}
	}
	for _, c := range db.Columns {
		if _, ok := entByName[c.Name]; !ok {
			dropCandidates = append(dropCandidates, c)
		}
	}

	renames := map[string]string{}
	if len(addCandidates) > 0 && len(dropCandidates) > 0 && resolver != nil {
		renames = resolver.ResolveRenames(name, addCandidates, dropCandidates)
	}
	renamedTo := make(map[string]bool, len(renames)) // add-side names consumed by a rename
	for dbName, addName := range renames {
		td.RenamedColumns[dbName] = addName
		renamedTo[addName] = true
		if col, ok := entByName[addName]; ok {
			td.RenamedColumnDefs[dbName] = col
		}
	}

	for _, c := range addCandidates {
		if !renamedTo[c.Name] {
			td.AddedColumns = append(td.AddedColumns, c)
		}
	}
	for _, c := range dropCandidates {
		if _, renamed := renames[c.Name]; !renamed {
			td.DroppedColumns = append(td.DroppedColumns, c.Name)
		}
	}

	// Map db column name (post-rename) -> entity column name for the
	// shared-column comparison pass.
	dbNameToEntName := make(map[string]string)
	for _, c := range db.Columns {
		if entName, ok := renames[c.Name]; ok {
			dbNameToEntName[c.Name] = entName
		} else if _, ok := entByName[c.Name]; ok {
			dbNameToEntName[c.Name] = c.Name
		}
	}

	for _, dbCol := range db.Columns {
		entName, ok := dbNameToEntName[dbCol.Name]
		if !ok {
			continue
		}
		entCol := entByName[entName]
		mod := compareColumn(entCol, dbCol)
		if mod.IsMaterial() {
			td.ModifiedColumns = append(td.ModifiedColumns, mod)
		}
	}
	sort.Slice(td.ModifiedColumns, func(i, j int) bool { return td.ModifiedColumns[i].Name < td.ModifiedColumns[j].Name })

	comparePrimaryKey(&td, ent, db, renames)
	compareIndexes(&td, ent, db, renames)
	compareForeignKeys(&td, ent, db, renames)

	if dialect == DialectMySQL {
		td.MySQLReorder = mysqlReorder(ent, db, td, renames)
	}
	if dialect == DialectPostgres {
		td.EnumChanges = pgEnumChanges(ent, db)
	}

	return td
}

func compareColumn(ent, db entity.Column) ColumnModification {
	mod := ColumnModification{Name: ent.Name, Entity: ent, DB: db}
	mod.TypeChanged = normalizeType(ent.Type) != normalizeType(db.Type)
	mod.SizeChanged = ent.Size != 0 && ent.Size != db.Size
	mod.ScaleChanged = ent.Scale != 0 && ent.Scale != db.Scale
	mod.UnsignedChanged = ent.Unsigned != db.Unsigned
	mod.NullableChanged = ent.Nullable != db.Nullable
	mod.AutoIncrementChanged = ent.AutoIncrement != db.AutoIncrement
	mod.OnUpdateChanged = normalizeOnUpdate(ent.OnUpdateExpression) != normalizeOnUpdate(db.OnUpdateExpression)

	if !ent.AutoIncrement && !db.AutoIncrement {
		// Entity readers do not materialize literal defaults (spec.md
		// §4.9); if there's nothing to compare against, skip to avoid
		// noise from an empty entity-side default.
		if ent.Default != "" {
			mod.DefaultChanged = normalizeDefault(ent.Default) != normalizeDefault(db.Default)
		}
	}
	return mod
}

// normalizeOnUpdate folds the common spellings of "on update the current
// timestamp" to a single canonical form, mirroring normalizeDefault.
func normalizeOnUpdate(d string) string {
	d = strings.TrimSpace(d)
	upper := strings.ToUpper(d)
	if upper == "NOW()" || upper == "CURRENT_TIMESTAMP()" || upper == "CURRENT_TIMESTAMP" {
		return "CURRENT_TIMESTAMP"
	}
	return upper
}

func normalizeDefault(d string) string {
	d = strings.TrimSpace(d)
	upper := strings.ToUpper(d)
	if upper == "NOW()" || upper == "CURRENT_TIMESTAMP()" || upper == "CURRENT_TIMESTAMP" {
		return "CURRENT_TIMESTAMP"
	}
	return d
}

func comparePrimaryKey(td *TableDiff, ent, db entity.TableSchema, renames map[string]string) {
	dbPK := make([]string, len(db.PrimaryKey))
	for i, col := range db.PrimaryKey {
		if entName, ok := renames[col]; ok {
			dbPK[i] = entName
		} else {
			dbPK[i] = col
		}
	}
	td.OldPrimaryKey = db.PrimaryKey
	td.OldPrimaryKeyConstraintName = db.PrimaryKeyConstraintName
	td.NewPrimaryKey = ent.PrimaryKey
	td.PrimaryKeyChanged = !equalUnordered(dbPK, ent.PrimaryKey)
}

func equalUnordered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func compareIndexes(td *TableDiff, ent, db entity.TableSchema, renames map[string]string) {
	entKeys := make(map[string]entity.Index)
	for _, idx := range ent.Indexes {
		entKeys[idx.Key()] = idx
	}
	dbKeys := make(map[string]entity.Index)
	for _, idx := range db.Indexes {
		renamedCols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			if entName, ok := renames[c]; ok {
				renamedCols[i] = entName
			} else {
				renamedCols[i] = c
			}
		}
		renamed := idx
		renamed.Columns = renamedCols
		dbKeys[renamed.Key()] = idx
	}

	for key, idx := range entKeys {
		if _, ok := dbKeys[key]; !ok {
			td.AddedIndexes = append(td.AddedIndexes, idx)
		}
	}
	for key, idx := range dbKeys {
		if _, ok := entKeys[key]; !ok {
			td.DroppedIndexes = append(td.DroppedIndexes, idx)
		}
	}
	sort.Slice(td.AddedIndexes, func(i, j int) bool { return indexSortKey(td.AddedIndexes[i]) < indexSortKey(td.AddedIndexes[j]) })
	sort.Slice(td.DroppedIndexes, func(i, j int) bool { return indexSortKey(td.DroppedIndexes[i]) < indexSortKey(td.DroppedIndexes[j]) })
}

func indexSortKey(i entity.Index) string { return i.Key() }

func compareForeignKeys(td *TableDiff, ent, db entity.TableSchema, renames map[string]string) {
	entKeys := make(map[string]entity.ForeignKey)
	for _, fk := range ent.ForeignKeys {
		entKeys[fk.Key()] = fk
	}
	dbKeys := make(map[string]entity.ForeignKey)
	for _, fk := range db.ForeignKeys {
		renamedCols := make([]string, len(fk.Columns))
		for i, c := range fk.Columns {
			if entName, ok := renames[c]; ok {
				renamedCols[i] = entName
			} else {
				renamedCols[i] = c
			}
		}
		renamed := fk
		renamed.Columns = renamedCols
		dbKeys[renamed.Key()] = fk
	}

	for key, fk := range entKeys {
		if _, ok := dbKeys[key]; !ok {
			td.AddedForeignKeys = append(td.AddedForeignKeys, fk)
		}
	}
	for key, fk := range dbKeys {
		if _, ok := entKeys[key]; !ok {
			td.DroppedForeignKeys = append(td.DroppedForeignKeys, fk)
		}
	}
	sort.Slice(td.AddedForeignKeys, func(i, j int) bool { return td.AddedForeignKeys[i].Key() < td.AddedForeignKeys[j].Key() })
	sort.Slice(td.DroppedForeignKeys, func(i, j int) bool { return td.DroppedForeignKeys[i].Key() < td.DroppedForeignKeys[j].Key() })
}

// mysqlReorder builds the expected column order (entity, excluding added
// columns) and actual order (db, applying renames, excluding removed),
// then emits a reorder for the first mismatched position and every
// subsequent mismatch (spec.md §4.9).
func mysqlReorder(ent, db entity.TableSchema, td TableDiff, renames map[string]string) []ColumnReorder {
	added := make(map[string]bool, len(td.AddedColumns))
	for _, c := range td.AddedColumns {
		added[c.Name] = true
	}
	var expected []string
	for _, c := range ent.Columns {
		if !added[c.Name] {
			expected = append(expected, c.Name)
		}
	}

	dropped := make(map[string]bool, len(td.DroppedColumns))
	for _, n := range td.DroppedColumns {
		dropped[n] = true
	}
	var actual []string
	for _, c := range db.Columns {
		if dropped[c.Name] {
			continue
		}
		name := c.Name
		if entName, ok := renames[c.Name]; ok {
			name = entName
		}
		actual = append(actual, name)
	}

	if len(expected) != len(actual) {
		return nil
	}

	entByName := make(map[string]entity.Column, len(ent.Columns))
	for _, c := range ent.Columns {
		entByName[c.Name] = c
	}

	var reorders []ColumnReorder
	for i, name := range expected {
		if actual[i] == name {
			continue
		}
		after := ""
		if i > 0 {
			after = expected[i-1]
		}
		if col, ok := entByName[name]; ok {
			reorders = append(reorders, ColumnReorder{Column: col, After: after})
		}
	}
	return reorders
}

// pgEnumChanges computes CREATE TYPE / DROP TYPE / ADD VALUE changes for
// Postgres enum-backed columns (spec.md §4.9). Drop candidates are
// safe-filtered here against this table's entity enum type names; the ddl
// generator emits the resulting DROP TYPE changes as given.
func pgEnumChanges(ent, db entity.TableSchema) []EnumChange {
	entEnums := enumTypesByColumn(ent)
	dbEnums := enumTypesByColumn(db)

	var changes []EnumChange
	seen := make(map[string]bool)

	for col, values := range entEnums {
		typeName := enumTypeName(ent.Name, col)
		dbValues, existsInDB := dbEnums[col]
		if !existsInDB {
			changes = append(changes, EnumChange{TypeName: typeName, NewType: true, AddValues: values})
			seen[typeName] = true
			continue
		}
		var missing []string
		dbSet := make(map[string]bool, len(dbValues))
		for _, v := range dbValues {
			dbSet[v] = true
		}
		for _, v := range values {
			if !dbSet[v] {
				missing = append(missing, v)
			}
		}
		if len(missing) > 0 {
			changes = append(changes, EnumChange{TypeName: typeName, AddValues: missing})
		}
		seen[typeName] = true
	}

	for col := range dbEnums {
		if _, stillDeclared := entEnums[col]; !stillDeclared {
			typeName := enumTypeName(db.Name, col)
			if !seen[typeName] {
				changes = append(changes, EnumChange{TypeName: typeName, DropType: true})
			}
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].TypeName < changes[j].TypeName })
	return changes
}

func enumTypesByColumn(t entity.TableSchema) map[string][]string {
	out := make(map[string][]string)
	for _, c := range t.Columns {
		if len(c.EnumValues) > 0 {
			out[c.Name] = c.EnumValues
		}
	}
	return out
}

// enumTypeName builds a deterministic Postgres enum type name from table
// and column (spec.md §4.9's "deterministic enum type names").
func enumTypeName(table, column string) string {
	return fmt.Sprintf("%s_%s_enum", table, column)
}

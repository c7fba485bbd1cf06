// Package ddl generates the dialect-quoted SQL statements that apply a
// differ.SchemaDiff to a live database, in the safe ordering described in
// spec.md §4.9: enum types, new tables, added columns, modified columns,
// renames, dropped columns, index/FK drops before adds, and PK drop
// before add, with the MySQL AUTO_INCREMENT/PK special case.
package ddl

import (
	"fmt"
	"strings"

	"github.com/signal24/dk-server-foundation/internal/schema/differ"
	"github.com/signal24/dk-server-foundation/internal/schema/entity"
)

// Dialect selects identifier quoting and statement syntax.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// Generator emits SQL statements for one dialect.
type Generator struct {
	Dialect Dialect
}

// New builds a Generator for dialect.
func New(dialect Dialect) *Generator {
	return &Generator{Dialect: dialect}
}

func (g *Generator) quote(ident string) string {
	if g.Dialect == DialectMySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Generate returns the ordered list of DDL statements implementing diff.
func (g *Generator) Generate(diff differ.SchemaDiff) []string {
	var stmts []string

	for _, t := range diff.AddedTables {
		stmts = append(stmts, g.enumCreateStatements(t)...)
	}
	for _, t := range diff.AddedTables {
		stmts = append(stmts, g.createTable(t))
	}

	for _, td := range diff.ChangedTables {
		stmts = append(stmts, g.tableStatements(td)...)
	}

	for _, name := range diff.RemovedTables {
		stmts = append(stmts, fmt.Sprintf("DROP TABLE %s", g.quote(name)))
	}

	return stmts
}

func (g *Generator) enumCreateStatements(t entity.TableSchema) []string {
	if g.Dialect != DialectPostgres {
		return nil
	}
	var stmts []string
	for _, c := range t.Columns {
		if len(c.EnumValues) == 0 {
			continue
		}
		typeName := fmt.Sprintf("%s_%s_enum", t.Name, c.Name)
		stmts = append(stmts, fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)", g.quote(typeName), g.quotedValueList(c.EnumValues)))
	}
	return stmts
}

func (g *Generator) quotedValueList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return strings.Join(quoted, ", ")
}

func (g *Generator) createTable(t entity.TableSchema) string {
	var cols []string
	for _, c := range t.Columns {
		cols = append(cols, g.columnDefinition(t.Name, c))
	}
	if len(t.PrimaryKey) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", g.quoteList(t.PrimaryKey)))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", g.quote(t.Name), strings.Join(cols, ",\n  "))
}

func (g *Generator) quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = g.quote(n)
	}
	return strings.Join(quoted, ", ")
}

func (g *Generator) columnDefinition(table string, c entity.Column) string {
	var parts []string
	parts = append(parts, g.quote(c.Name), g.columnType(table, c))
	if !c.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if c.AutoIncrement {
		if g.Dialect == DialectMySQL {
			parts = append(parts, "AUTO_INCREMENT")
		} else {
			// Caller already rendered the type as a serial/identity type.
		}
	}
	if c.Default != "" && !c.AutoIncrement {
		parts = append(parts, "DEFAULT "+c.Default)
	}
	return strings.Join(parts, " ")
}

func (g *Generator) columnType(table string, c entity.Column) string {
	if g.Dialect == DialectPostgres && len(c.EnumValues) > 0 {
		return g.quote(fmt.Sprintf("%s_%s_enum", table, c.Name))
	}
	if g.Dialect == DialectPostgres && c.AutoIncrement {
		if c.Type == "bigint" {
			return "BIGSERIAL"
		}
		return "SERIAL"
	}

	typ := strings.ToUpper(c.Type)
	switch {
	case c.Size > 0 && c.Scale > 0:
		typ = fmt.Sprintf("%s(%d,%d)", typ, c.Size, c.Scale)
	case c.Size > 0:
		typ = fmt.Sprintf("%s(%d)", typ, c.Size)
	}
	if g.Dialect == DialectMySQL && c.Unsigned {
		typ += " UNSIGNED"
	}
	return typ
}

// tableStatements emits every statement for one table's diff, in spec.md
// §4.9's safe order.
func (g *Generator) tableStatements(td differ.TableDiff) []string {
	var stmts []string

	for _, ec := range td.EnumChanges {
		if ec.NewType {
			stmts = append(stmts, fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)", g.quote(ec.TypeName), g.quotedValueList(ec.AddValues)))
			continue
		}
		if ec.DropType {
			stmts = append(stmts, fmt.Sprintf("DROP TYPE %s", g.quote(ec.TypeName)))
			continue
		}
		for _, v := range ec.AddValues {
			stmts = append(stmts, fmt.Sprintf("ALTER TYPE %s ADD VALUE %s", g.quote(ec.TypeName), "'"+strings.ReplaceAll(v, "'", "''")+"'"))
		}
	}

	for _, c := range td.AddedColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", g.quote(td.Name), g.columnDefinition(td.Name, c)))
	}

	if g.Dialect == DialectMySQL {
		stmts = append(stmts, g.mysqlModifyStatements(td)...)
	} else {
		stmts = append(stmts, g.pgAlterColumnStatements(td)...)
	}

	if g.Dialect == DialectPostgres {
		for dbName, entName := range td.RenamedColumns {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", g.quote(td.Name), g.quote(dbName), g.quote(entName)))
		}
	} else {
		for dbName, entName := range td.RenamedColumns {
			var colDef string
			if mod, ok := findModification(td, entName); ok {
				colDef = g.columnDefinition(td.Name, mod.Entity)
			} else if col, ok := td.RenamedColumnDefs[dbName]; ok {
				colDef = g.columnDefinition(td.Name, col)
			} else {
				colDef = g.quote(entName)
			}
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s CHANGE COLUMN %s %s", g.quote(td.Name), g.quote(dbName), colDef))
		}
	}

	dropPKFirst, reAddPK := g.mysqlAutoIncrementPKSpecialCase(td)
	if dropPKFirst != "" {
		stmts = append(stmts, dropPKFirst)
	}

	for _, idx := range td.DroppedIndexes {
		stmts = append(stmts, g.dropIndex(td.Name, idx))
	}
	for _, fk := range td.DroppedForeignKeys {
		stmts = append(stmts, g.dropForeignKey(td.Name, fk))
	}

	if td.PrimaryKeyChanged && dropPKFirst == "" && len(td.OldPrimaryKey) > 0 {
		stmts = append(stmts, g.dropPrimaryKey(td.Name, td.OldPrimaryKeyConstraintName))
	}

	for _, name := range td.DroppedColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", g.quote(td.Name), g.quote(name)))
	}

	if td.PrimaryKeyChanged && len(td.NewPrimaryKey) > 0 {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", g.quote(td.Name), g.quoteList(td.NewPrimaryKey)))
	}
	if reAddPK != "" {
		stmts = append(stmts, reAddPK)
	}

	for _, idx := range td.AddedIndexes {
		stmts = append(stmts, g.createIndex(td.Name, idx))
	}
	for _, fk := range td.AddedForeignKeys {
		stmts = append(stmts, g.addForeignKey(td.Name, fk))
	}

	return stmts
}

func findModification(td differ.TableDiff, entName string) (differ.ColumnModification, bool) {
	for _, m := range td.ModifiedColumns {
		if m.Name == entName {
			return m, true
		}
	}
	return differ.ColumnModification{}, false
}

func (g *Generator) mysqlModifyStatements(td differ.TableDiff) []string {
	var stmts []string
	for _, mod := range td.ModifiedColumns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", g.quote(td.Name), g.columnDefinition(td.Name, mod.Entity)))
	}
	for _, r := range td.MySQLReorder {
		after := "FIRST"
		if r.After != "" {
			after = "AFTER " + g.quote(r.After)
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s %s", g.quote(td.Name), g.columnDefinition(td.Name, r.Column), after))
	}
	return stmts
}

func (g *Generator) pgAlterColumnStatements(td differ.TableDiff) []string {
	var stmts []string
	for _, mod := range td.ModifiedColumns {
		prefix := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s", g.quote(td.Name), g.quote(mod.Name))
		if mod.TypeChanged || mod.SizeChanged || mod.ScaleChanged {
			stmts = append(stmts, fmt.Sprintf("%s TYPE %s", prefix, g.columnType(td.Name, mod.Entity)))
		}
		if mod.NullableChanged {
			if mod.Entity.Nullable {
				stmts = append(stmts, fmt.Sprintf("%s DROP NOT NULL", prefix))
			} else {
				stmts = append(stmts, fmt.Sprintf("%s SET NOT NULL", prefix))
			}
		}
		if mod.DefaultChanged {
			if mod.Entity.Default == "" {
				stmts = append(stmts, fmt.Sprintf("%s DROP DEFAULT", prefix))
			} else {
				stmts = append(stmts, fmt.Sprintf("%s SET DEFAULT %s", prefix, mod.Entity.Default))
			}
		}
	}
	return stmts
}

// mysqlAutoIncrementPKSpecialCase handles spec.md §4.9's "for MySQL
// AUTO_INCREMENT columns losing their PK, the column is first stripped of
// AUTO_INCREMENT before DROP PRIMARY KEY and re-added afterwards."
// Returns the DROP PRIMARY KEY statement to run early (with AUTO_INCREMENT
// stripped first, folded in), and the re-add statement to run late.
func (g *Generator) mysqlAutoIncrementPKSpecialCase(td differ.TableDiff) (dropFirst, reAdd string) {
	if g.Dialect != DialectMySQL || !td.PrimaryKeyChanged {
		return "", ""
	}
	var losingAI *entity.Column
	for i := range td.ModifiedColumns {
		m := td.ModifiedColumns[i]
		if m.DB.AutoIncrement && !inSlice(td.NewPrimaryKey, m.Name) && inSlice(td.OldPrimaryKey, m.Name) {
			losingAI = &m.DB
			break
		}
	}
	if losingAI == nil {
		return "", ""
	}

	stripped := *losingAI
	stripped.AutoIncrement = false
	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", g.quote(td.Name), g.columnDefinition(td.Name, stripped)),
		fmt.Sprintf("ALTER TABLE %s DROP PRIMARY KEY", g.quote(td.Name)),
	}
	dropFirst = strings.Join(stmts, "; ")
	reAdd = fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", g.quote(td.Name), g.columnDefinition(td.Name, *losingAI))
	return dropFirst, reAdd
}

func inSlice(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// dropPrimaryKey drops table's primary key. For Postgres, constraintName is
// the actual stored constraint name (spec.md §4.9: "For PG the stored
// constraint name is used on DROP"); it falls back to the "tbl_pkey"
// convention only when the reader never captured one (e.g. a hand-built
// entity.TableSchema in tests).
func (g *Generator) dropPrimaryKey(table, constraintName string) string {
	if g.Dialect == DialectMySQL {
		return fmt.Sprintf("ALTER TABLE %s DROP PRIMARY KEY", g.quote(table))
	}
	if constraintName == "" {
		constraintName = table + "_pkey"
	}
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", g.quote(table), g.quote(constraintName))
}

func (g *Generator) createIndex(table string, idx entity.Index) string {
	kind := "INDEX"
	if idx.Unique {
		kind = "UNIQUE INDEX"
	}
	method := ""
	if idx.Spatial && g.Dialect == DialectPostgres {
		method = "USING gist "
	}
	name := idx.Name
	if name == "" {
		name = table + "_" + strings.Join(idx.Columns, "_") + "_idx"
	}
	return fmt.Sprintf("CREATE %s %s ON %s %s(%s)", kind, g.quote(name), g.quote(table), method, g.quoteList(idx.Columns))
}

func (g *Generator) dropIndex(table string, idx entity.Index) string {
	if g.Dialect == DialectMySQL {
		return fmt.Sprintf("ALTER TABLE %s DROP INDEX %s", g.quote(table), g.quote(idx.Name))
	}
	return fmt.Sprintf("DROP INDEX %s", g.quote(idx.Name))
}

func (g *Generator) addForeignKey(table string, fk entity.ForeignKey) string {
	name := fk.Name
	if name == "" {
		name = table + "_" + strings.Join(fk.Columns, "_") + "_fkey"
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		g.quote(table), g.quote(name), g.quoteList(fk.Columns), g.quote(fk.ReferencedTable), g.quoteList(fk.ReferencedColumn))
	if fk.OnDelete != "" {
		stmt += " ON DELETE " + fk.OnDelete
	}
	if fk.OnUpdate != "" {
		stmt += " ON UPDATE " + fk.OnUpdate
	}
	return stmt
}

func (g *Generator) dropForeignKey(table string, fk entity.ForeignKey) string {
	if g.Dialect == DialectMySQL {
		return fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", g.quote(table), g.quote(fk.Name))
	}
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", g.quote(table), g.quote(fk.Name))
}

// Package dbreader issues the dialect-specific information_schema queries
// that build a live entity.Schema from an actual MySQL or PostgreSQL
// database (spec.md §4.9), the counterpart to entity.Read's declared-model
// walk.
package dbreader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/signal24/dk-server-foundation/internal/schema/entity"
)

// Dialect selects which information_schema dialect to query.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// Reader reads a live database's schema into entity.Schema form.
type Reader struct {
	db      *sql.DB
	dialect Dialect
	schema  string // database name (MySQL) or pg schema (Postgres, default "public")
}

// New builds a Reader. schema is the database/schema name to scope
// information_schema queries to.
func New(db *sql.DB, dialect Dialect, schema string) *Reader {
	return &Reader{db: db, dialect: dialect, schema: schema}
}

// Read builds a full entity.Schema from the live database, excluding
// internal tables (names starting with "_") per spec.md §4.9.
func (r *Reader) Read(ctx context.Context) (entity.Schema, error) {
	switch r.dialect {
	case DialectMySQL:
		return r.readMySQL(ctx)
	case DialectPostgres:
		return r.readPostgres(ctx)
	default:
		return entity.Schema{}, fmt.Errorf("dbreader: unsupported dialect %q", r.dialect)
	}
}

func (r *Reader) readMySQL(ctx context.Context) (entity.Schema, error) {
	tables, err := r.mysqlColumns(ctx)
	if err != nil {
		return entity.Schema{}, fmt.Errorf("dbreader: read mysql columns: %w", err)
	}
	if err := r.mysqlIndexes(ctx, tables); err != nil {
		return entity.Schema{}, fmt.Errorf("dbreader: read mysql indexes: %w", err)
	}
	if err := r.mysqlForeignKeys(ctx, tables); err != nil {
		return entity.Schema{}, fmt.Errorf("dbreader: read mysql foreign keys: %w", err)
	}
	return entity.Schema{Tables: tables}, nil
}

func (r *Reader) mysqlColumns(ctx context.Context) (map[string]entity.TableSchema, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, column_type,
		       character_maximum_length, numeric_precision, numeric_scale,
		       is_nullable, column_default, extra, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = ?
		ORDER BY table_name, ordinal_position`, r.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make(map[string]entity.TableSchema)
	for rows.Next() {
		var tableName, columnName, dataType, columnType, isNullable, extra string
		var charLen, numPrecision, numScale sql.NullInt64
		var columnDefault sql.NullString
		var ordinal int
		if err := rows.Scan(&tableName, &columnName, &dataType, &columnType,
			&charLen, &numPrecision, &numScale, &isNullable, &columnDefault, &extra, &ordinal); err != nil {
			return nil, err
		}
		if strings.HasPrefix(tableName, "_") {
			continue
		}

		col := entity.Column{
			Name:               columnName,
			Nullable:           isNullable == "YES",
			AutoIncrement:      strings.Contains(extra, "auto_increment"),
			Ordinal:            ordinal - 1,
			OnUpdateExpression: parseMySQLOnUpdate(extra),
		}
		if columnDefault.Valid {
			col.Default = columnDefault.String
		}

		switch {
		case dataType == "tinyint" && columnType == "tinyint(1)":
			col.Type = "boolean"
		default:
			col.Type = normalizeMySQLType(dataType)
		}
		col.Unsigned = strings.Contains(columnType, "unsigned")
		if charLen.Valid {
			col.Size = int(charLen.Int64)
		} else if numPrecision.Valid {
			col.Size = int(numPrecision.Int64)
		}
		if numScale.Valid {
			col.Scale = int(numScale.Int64)
		}
		if dataType == "enum" {
			col.EnumValues = parseMySQLEnumValues(columnType)
		}

		t := tables[tableName]
		t.Name = tableName
		t.Columns = append(t.Columns, col)
		tables[tableName] = t
	}
	return tables, rows.Err()
}

func normalizeMySQLType(dataType string) string {
	return strings.ToLower(dataType)
}

// parseMySQLOnUpdate extracts the "ON UPDATE ..." expression from
// information_schema.columns.extra, e.g. "on update CURRENT_TIMESTAMP" or
// "on update CURRENT_TIMESTAMP(3)" (spec.md §3, §4.9). Returns "" if extra
// carries no on-update clause.
func parseMySQLOnUpdate(extra string) string {
	const marker = "on update "
	lower := strings.ToLower(extra)
	idx := strings.Index(lower, marker)
	if idx < 0 {
		return ""
	}
	rest := extra[idx+len(marker):]
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		rest = rest[:sp]
	}
	return strings.ToUpper(rest)
}

// parseMySQLEnumValues extracts quoted values from "enum('a','b','c')" in
// declaration order (spec.md §4.9).
func parseMySQLEnumValues(columnType string) []string {
	start := strings.Index(columnType, "(")
	end := strings.LastIndex(columnType, ")")
	if start < 0 || end < 0 || end <= start {
		return nil
	}
	inner := columnType[start+1 : end]
	var values []string
	for _, raw := range strings.Split(inner, ",") {
		raw = strings.TrimSpace(raw)
		raw = strings.TrimPrefix(raw, "'")
		raw = strings.TrimSuffix(raw, "'")
		raw = strings.ReplaceAll(raw, "''", "'")
		values = append(values, raw)
	}
	return values
}

func (r *Reader) mysqlIndexes(ctx context.Context, tables map[string]entity.TableSchema) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT table_name, index_name, column_name, non_unique, index_type, seq_in_index
		FROM information_schema.statistics
		WHERE table_schema = ?
		ORDER BY table_name, index_name, seq_in_index`, r.schema)
	if err != nil {
		return err
	}
	defer rows.Close()

	type idxAccum struct {
		columns []string
		unique  bool
		spatial bool
	}
	byTable := make(map[string]map[string]*idxAccum)
	order := make(map[string][]string)

	for rows.Next() {
		var tableName, indexName, columnName, indexType string
		var nonUnique int
		var seq int
		if err := rows.Scan(&tableName, &indexName, &columnName, &nonUnique, &indexType, &seq); err != nil {
			return err
		}
		if strings.HasPrefix(tableName, "_") || indexName == "PRIMARY" {
			continue
		}
		if byTable[tableName] == nil {
			byTable[tableName] = make(map[string]*idxAccum)
		}
		acc, ok := byTable[tableName][indexName]
		if !ok {
			acc = &idxAccum{unique: nonUnique == 0, spatial: strings.EqualFold(indexType, "SPATIAL")}
			byTable[tableName][indexName] = acc
			order[tableName] = append(order[tableName], indexName)
		}
		acc.columns = append(acc.columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for tableName, idxMap := range byTable {
		t, ok := tables[tableName]
		if !ok {
			continue
		}
		var indexes []entity.Index
		for _, name := range order[tableName] {
			acc := idxMap[name]
			indexes = append(indexes, entity.Index{Name: name, Columns: acc.columns, Unique: acc.unique, Spatial: acc.spatial})
		}
		t.Indexes = indexes
		tables[tableName] = t
	}

	return r.mysqlPrimaryKeys(ctx, tables)
}

func (r *Reader) mysqlPrimaryKeys(ctx context.Context, tables map[string]entity.TableSchema) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT table_name, column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = ? AND constraint_name = 'PRIMARY'
		ORDER BY table_name, ordinal_position`, r.schema)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, columnName string
		if err := rows.Scan(&tableName, &columnName); err != nil {
			return err
		}
		if strings.HasPrefix(tableName, "_") {
			continue
		}
		t, ok := tables[tableName]
		if !ok {
			continue
		}
		t.PrimaryKey = append(t.PrimaryKey, columnName)
		tables[tableName] = t
	}
	return rows.Err()
}

func (r *Reader) mysqlForeignKeys(ctx context.Context, tables map[string]entity.TableSchema) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT k.constraint_name, k.table_name, k.column_name,
		       k.referenced_table_name, k.referenced_column_name,
		       c.update_rule, c.delete_rule
		FROM information_schema.key_column_usage k
		JOIN information_schema.referential_constraints c
		  ON c.constraint_schema = k.table_schema AND c.constraint_name = k.constraint_name
		WHERE k.table_schema = ? AND k.referenced_table_name IS NOT NULL
		ORDER BY k.table_name, k.constraint_name, k.ordinal_position`, r.schema)
	if err != nil {
		return err
	}
	defer rows.Close()

	type fkAccum struct {
		columns    []string
		refTable   string
		refColumns []string
		onUpdate   string
		onDelete   string
	}
	byTable := make(map[string]map[string]*fkAccum)
	order := make(map[string][]string)

	for rows.Next() {
		var constraintName, tableName, columnName, refTable, refColumn, onUpdate, onDelete string
		if err := rows.Scan(&constraintName, &tableName, &columnName, &refTable, &refColumn, &onUpdate, &onDelete); err != nil {
			return err
		}
		if strings.HasPrefix(tableName, "_") {
			continue
		}
		if byTable[tableName] == nil {
			byTable[tableName] = make(map[string]*fkAccum)
		}
		acc, ok := byTable[tableName][constraintName]
		if !ok {
			acc = &fkAccum{refTable: refTable, onUpdate: onUpdate, onDelete: onDelete}
			byTable[tableName][constraintName] = acc
			order[tableName] = append(order[tableName], constraintName)
		}
		acc.columns = append(acc.columns, columnName)
		acc.refColumns = append(acc.refColumns, refColumn)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for tableName, fkMap := range byTable {
		t, ok := tables[tableName]
		if !ok {
			continue
		}
		var fks []entity.ForeignKey
		for _, name := range order[tableName] {
			acc := fkMap[name]
			fks = append(fks, entity.ForeignKey{
				Name:             name,
				Columns:          acc.columns,
				ReferencedTable:  acc.refTable,
				ReferencedColumn: acc.refColumns,
				OnDelete:         acc.onDelete,
				OnUpdate:         acc.onUpdate,
			})
		}
		t.ForeignKeys = fks
		tables[tableName] = t
	}
	return nil
}

func (r *Reader) readPostgres(ctx context.Context) (entity.Schema, error) {
	tables, err := r.pgColumns(ctx)
	if err != nil {
		return entity.Schema{}, fmt.Errorf("dbreader: read postgres columns: %w", err)
	}
	if err := r.pgIndexes(ctx, tables); err != nil {
		return entity.Schema{}, fmt.Errorf("dbreader: read postgres indexes: %w", err)
	}
	if err := r.pgConstraints(ctx, tables); err != nil {
		return entity.Schema{}, fmt.Errorf("dbreader: read postgres constraints: %w", err)
	}
	if err := r.pgEnums(ctx, tables); err != nil {
		return entity.Schema{}, fmt.Errorf("dbreader: read postgres enums: %w", err)
	}
	if err := r.classifySerialColumns(ctx, tables); err != nil {
		return entity.Schema{}, fmt.Errorf("dbreader: classify postgres serial columns: %w", err)
	}
	return entity.Schema{Tables: tables}, nil
}

func (r *Reader) pgColumns(ctx context.Context) (map[string]entity.TableSchema, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT table_name, column_name, udt_name, character_maximum_length,
		       numeric_precision, numeric_scale, is_nullable, column_default, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`, r.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make(map[string]entity.TableSchema)
	for rows.Next() {
		var tableName, columnName, udtName, isNullable string
		var charLen, numPrecision, numScale sql.NullInt64
		var columnDefault sql.NullString
		var ordinal int
		if err := rows.Scan(&tableName, &columnName, &udtName, &charLen, &numPrecision, &numScale,
			&isNullable, &columnDefault, &ordinal); err != nil {
			return nil, err
		}
		if strings.HasPrefix(tableName, "_") {
			continue
		}

		col := entity.Column{
			Name:     columnName,
			Type:     strings.ToLower(strings.TrimPrefix(udtName, "_")),
			Nullable: isNullable == "YES",
			Ordinal:  ordinal - 1,
		}
		if charLen.Valid {
			col.Size = int(charLen.Int64)
		} else if numPrecision.Valid {
			col.Size = int(numPrecision.Int64)
		}
		if numScale.Valid {
			col.Scale = int(numScale.Int64)
		}
		if columnDefault.Valid {
			def := columnDefault.String
			if strings.Contains(def, "nextval(") {
				col.AutoIncrement = true
				def = ""
			}
			col.Default = def
		}

		t := tables[tableName]
		t.Name = tableName
		t.Columns = append(t.Columns, col)
		tables[tableName] = t
	}
	return tables, rows.Err()
}

func (r *Reader) pgIndexes(ctx context.Context, tables map[string]entity.TableSchema) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.relname AS table_name, i.relname AS index_name,
		       a.attname AS column_name, ix.indisunique, am.amname, array_position(ix.indkey, a.attnum)
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_am am ON am.oid = i.relam
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE n.nspname = $1 AND NOT ix.indisprimary
		ORDER BY t.relname, i.relname, array_position(ix.indkey, a.attnum)`, r.schema)
	if err != nil {
		return err
	}
	defer rows.Close()

	type idxAccum struct {
		columns []string
		unique  bool
		spatial bool
	}
	byTable := make(map[string]map[string]*idxAccum)
	order := make(map[string][]string)

	for rows.Next() {
		var tableName, indexName, columnName, amName string
		var unique bool
		var pos int
		if err := rows.Scan(&tableName, &indexName, &columnName, &unique, &amName, &pos); err != nil {
			return err
		}
		if strings.HasPrefix(tableName, "_") {
			continue
		}
		if byTable[tableName] == nil {
			byTable[tableName] = make(map[string]*idxAccum)
		}
		acc, ok := byTable[tableName][indexName]
		if !ok {
			acc = &idxAccum{unique: unique, spatial: amName == "gist" || amName == "spgist"}
			byTable[tableName][indexName] = acc
			order[tableName] = append(order[tableName], indexName)
		}
		acc.columns = append(acc.columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for tableName, idxMap := range byTable {
		t, ok := tables[tableName]
		if !ok {
			continue
		}
		var indexes []entity.Index
		for _, name := range order[tableName] {
			acc := idxMap[name]
			indexes = append(indexes, entity.Index{Name: name, Columns: acc.columns, Unique: acc.unique, Spatial: acc.spatial})
		}
		t.Indexes = indexes
		tables[tableName] = t
	}
	return nil
}

func (r *Reader) pgConstraints(ctx context.Context, tables map[string]entity.TableSchema) error {
	pkRows, err := r.db.QueryContext(ctx, `
		SELECT tc.table_name, tc.constraint_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY tc.table_name, kcu.ordinal_position`, r.schema)
	if err != nil {
		return err
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var tableName, constraintName, columnName string
		if err := pkRows.Scan(&tableName, &constraintName, &columnName); err != nil {
			return err
		}
		if strings.HasPrefix(tableName, "_") {
			continue
		}
		t, ok := tables[tableName]
		if !ok {
			continue
		}
		t.PrimaryKey = append(t.PrimaryKey, columnName)
		t.PrimaryKeyConstraintName = constraintName
		tables[tableName] = t
	}
	if err := pkRows.Err(); err != nil {
		return err
	}

	fkRows, err := r.db.QueryContext(ctx, `
		SELECT tc.constraint_name, tc.table_name, kcu.column_name,
		       ccu.table_name AS referenced_table, ccu.column_name AS referenced_column,
		       rc.update_rule, rc.delete_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		JOIN information_schema.referential_constraints rc
		  ON rc.constraint_name = tc.constraint_name AND rc.constraint_schema = tc.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name AND ccu.constraint_schema = tc.table_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'
		ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position`, r.schema)
	if err != nil {
		return err
	}
	defer fkRows.Close()

	type fkAccum struct {
		columns    []string
		refTable   string
		refColumns []string
		onUpdate   string
		onDelete   string
	}
	byTable := make(map[string]map[string]*fkAccum)
	order := make(map[string][]string)

	for fkRows.Next() {
		var constraintName, tableName, columnName, refTable, refColumn, onUpdate, onDelete string
		if err := fkRows.Scan(&constraintName, &tableName, &columnName, &refTable, &refColumn, &onUpdate, &onDelete); err != nil {
			return err
		}
		if strings.HasPrefix(tableName, "_") {
			continue
		}
		if byTable[tableName] == nil {
			byTable[tableName] = make(map[string]*fkAccum)
		}
		acc, ok := byTable[tableName][constraintName]
		if !ok {
			acc = &fkAccum{refTable: refTable, onUpdate: onUpdate, onDelete: onDelete}
			byTable[tableName][constraintName] = acc
			order[tableName] = append(order[tableName], constraintName)
		}
		acc.columns = append(acc.columns, columnName)
		acc.refColumns = append(acc.refColumns, refColumn)
	}
	if err := fkRows.Err(); err != nil {
		return err
	}

	for tableName, fkMap := range byTable {
		t, ok := tables[tableName]
		if !ok {
			continue
		}
		var fks []entity.ForeignKey
		for _, name := range order[tableName] {
			acc := fkMap[name]
			fks = append(fks, entity.ForeignKey{
				Name:             name,
				Columns:          acc.columns,
				ReferencedTable:  acc.refTable,
				ReferencedColumn: acc.refColumns,
				OnDelete:         acc.onDelete,
				OnUpdate:         acc.onUpdate,
			})
		}
		t.ForeignKeys = fks
		tables[tableName] = t
	}
	return nil
}

// pgEnums loads each pg_type/pg_enum-backed enum type's values and applies
// them to any column whose udt_name matched the type (spec.md §4.9).
func (r *Reader) pgEnums(ctx context.Context, tables map[string]entity.TableSchema) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.typname, e.enumlabel
		FROM pg_type t
		JOIN pg_enum e ON e.enumtypid = t.oid
		JOIN pg_namespace n ON n.oid = t.typnamespace
		WHERE n.nspname = $1
		ORDER BY t.typname, e.enumsortorder`, r.schema)
	if err != nil {
		return err
	}
	defer rows.Close()

	values := make(map[string][]string)
	for rows.Next() {
		var typeName, label string
		if err := rows.Scan(&typeName, &label); err != nil {
			return err
		}
		values[typeName] = append(values[typeName], label)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	for tableName, t := range tables {
		changed := false
		for i, col := range t.Columns {
			if vals, ok := values[col.Type]; ok {
				t.Columns[i].EnumValues = vals
				changed = true
			}
		}
		if changed {
			tables[tableName] = t
		}
	}
	return nil
}

// IsSerialColumn reports whether column owns a sequence via
// pg_get_serial_sequence, true for both classic serial columns and
// GENERATED ... AS IDENTITY columns. classifySerialColumns uses this to
// catch identity columns, whose NULL column_default hides the sequence
// link that pgColumns' "nextval(" check relies on (spec.md §4.9).
func IsSerialColumn(ctx context.Context, db *sql.DB, schemaQualifiedTable, column string) (bool, error) {
	var seq sql.NullString
	err := db.QueryRowContext(ctx, `SELECT pg_get_serial_sequence($1, $2)`, schemaQualifiedTable, column).Scan(&seq)
	if err != nil {
		return false, err
	}
	return seq.Valid && seq.String != "", nil
}

// classifySerialColumns marks every Postgres identity column AutoIncrement,
// so the comparator treats it the same as a classic serial column rather
// than flagging its absent literal default as a change (spec.md §4.9).
// Columns already marked AutoIncrement by the "nextval(" default check are
// skipped; every other column costs one IsSerialColumn round trip.
func (r *Reader) classifySerialColumns(ctx context.Context, tables map[string]entity.TableSchema) error {
	for tableName, t := range tables {
		changed := false
		for i, c := range t.Columns {
			if c.AutoIncrement {
				continue
			}
			qualified := quoteIdent(DialectPostgres, r.schema) + "." + quoteIdent(DialectPostgres, tableName)
			serial, err := IsSerialColumn(ctx, r.db, qualified, c.Name)
			if err != nil {
				return fmt.Errorf("classify %s.%s: %w", tableName, c.Name, err)
			}
			if serial {
				t.Columns[i].AutoIncrement = true
				changed = true
			}
		}
		if changed {
			tables[tableName] = t
		}
	}
	return nil
}

// quoteIdent is a defensive identifier quoter for catalog-derived
// identifiers (never user input) used when building qualified names for
// diagnostic queries like pg_get_serial_sequence.
func quoteIdent(dialect Dialect, ident string) string {
	if dialect == DialectMySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

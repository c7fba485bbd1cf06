package differ_test

import (
	"strings"
	"testing"

	"github.com/signal24/dk-server-foundation/internal/schema/ddl"
	. "github.com/signal24/dk-server-foundation/internal/schema/differ"
	"github.com/signal24/dk-server-foundation/internal/schema/entity"
)

func buildSchema(tableName string, cols []entity.Column) entity.Schema {
	t := entity.TableSchema{Name: tableName, Columns: cols}
	return entity.Schema{Tables: map[string]entity.TableSchema{tableName: t}}
}

// TestRenameResolutionProducesSingleStatement is literal scenario 6
// (spec.md §8): entity has "email", db has "emailAddress", a single
// interactive candidate accepted produces exactly one rename statement
// and no adds/drops.
func TestRenameResolutionProducesSingleStatement(t *testing.T) {
	entSchema := buildSchema("users", []entity.Column{
		{Name: "id", Type: "int", AutoIncrement: true},
		{Name: "email", Type: "varchar", Size: 255},
	})
	dbSchema := buildSchema("users", []entity.Column{
		{Name: "id", Type: "int", AutoIncrement: true},
		{Name: "emailAddress", Type: "varchar", Size: 255},
	})

	resolver := InteractiveResolver{
		Ask: func(table string, add entity.Column, drops []entity.Column) int {
			if len(drops) != 1 {
				t.Fatalf("expected exactly 1 rename candidate, got %d", len(drops))
			}
			return 0
		},
	}

	diff := Compare(entSchema, dbSchema, DialectMySQL, resolver)
	if len(diff.ChangedTables) != 1 {
		t.Fatalf("expected 1 changed table, got %d", len(diff.ChangedTables))
	}
	td := diff.ChangedTables[0]

	if len(td.AddedColumns) != 0 {
		t.Fatalf("expected no added columns, got %v", td.AddedColumns)
	}
	if len(td.DroppedColumns) != 0 {
		t.Fatalf("expected no dropped columns, got %v", td.DroppedColumns)
	}
	if got := td.RenamedColumns["emailAddress"]; got != "email" {
		t.Fatalf("expected rename emailAddress->email, got %q", got)
	}

	gen := ddl.New(ddl.DialectMySQL)
	stmts := gen.Generate(diff)
	renameCount := 0
	for _, s := range stmts {
		if containsAll(s, "CHANGE COLUMN", "`emailAddress`") {
			renameCount++
		}
	}
	if renameCount != 1 {
		t.Fatalf("expected exactly 1 CHANGE COLUMN statement, got %d in %v", renameCount, stmts)
	}

	genPG := ddl.New(ddl.DialectPostgres)
	diffPG := Compare(entSchema, dbSchema, DialectPostgres, resolver)
	stmtsPG := genPG.Generate(diffPG)
	pgRenameCount := 0
	for _, s := range stmtsPG {
		if containsAll(s, "RENAME COLUMN", `"emailAddress"`) {
			pgRenameCount++
		}
	}
	if pgRenameCount != 1 {
		t.Fatalf("expected exactly 1 RENAME COLUMN statement, got %d in %v", pgRenameCount, stmtsPG)
	}
}

func TestNullResolverNeverRenames(t *testing.T) {
	entSchema := buildSchema("users", []entity.Column{{Name: "email", Type: "varchar"}})
	dbSchema := buildSchema("users", []entity.Column{{Name: "emailAddress", Type: "varchar"}})

	diff := Compare(entSchema, dbSchema, DialectMySQL, NullResolver{})
	td := diff.ChangedTables[0]
	if len(td.RenamedColumns) != 0 {
		t.Fatalf("expected no renames from NullResolver, got %v", td.RenamedColumns)
	}
	if len(td.AddedColumns) != 1 || len(td.DroppedColumns) != 1 {
		t.Fatalf("expected plain add+drop, got added=%v dropped=%v", td.AddedColumns, td.DroppedColumns)
	}
}

func TestNoMaterialChangeDropsTableFromDiff(t *testing.T) {
	cols := []entity.Column{{Name: "id", Type: "int"}}
	entSchema := buildSchema("widgets", cols)
	dbSchema := buildSchema("widgets", cols)

	diff := Compare(entSchema, dbSchema, DialectMySQL, NullResolver{})
	if len(diff.ChangedTables) != 0 {
		t.Fatalf("expected no changed tables for identical schemas, got %v", diff.ChangedTables)
	}
}

func TestPrimaryKeyChangeDropsThenAdds(t *testing.T) {
	entSchema := entity.Schema{Tables: map[string]entity.TableSchema{
		"widgets": {Name: "widgets", Columns: []entity.Column{{Name: "id", Type: "int"}, {Name: "uid", Type: "int"}}, PrimaryKey: []string{"uid"}},
	}}
	dbSchema := entity.Schema{Tables: map[string]entity.TableSchema{
		"widgets": {Name: "widgets", Columns: []entity.Column{{Name: "id", Type: "int"}, {Name: "uid", Type: "int"}}, PrimaryKey: []string{"id"}},
	}}

	diff := Compare(entSchema, dbSchema, DialectMySQL, NullResolver{})
	td := diff.ChangedTables[0]
	if !td.PrimaryKeyChanged {
		t.Fatal("expected primary key change to be detected")
	}

	gen := ddl.New(ddl.DialectMySQL)
	stmts := gen.Generate(diff)
	dropIdx, addIdx := -1, -1
	for i, s := range stmts {
		if containsAll(s, "DROP PRIMARY KEY") {
			dropIdx = i
		}
		if containsAll(s, "ADD PRIMARY KEY") {
			addIdx = i
		}
	}
	if dropIdx == -1 || addIdx == -1 || dropIdx > addIdx {
		t.Fatalf("expected DROP PRIMARY KEY before ADD PRIMARY KEY, got %v", stmts)
	}
}

func TestPostgresPrimaryKeyDropUsesStoredConstraintName(t *testing.T) {
	entSchema := entity.Schema{Tables: map[string]entity.TableSchema{
		"widgets": {Name: "widgets", Columns: []entity.Column{{Name: "id", Type: "int"}, {Name: "uid", Type: "int"}}, PrimaryKey: []string{"uid"}},
	}}
	dbSchema := entity.Schema{Tables: map[string]entity.TableSchema{
		"widgets": {
			Name: "widgets", Columns: []entity.Column{{Name: "id", Type: "int"}, {Name: "uid", Type: "int"}},
			PrimaryKey: []string{"id"}, PrimaryKeyConstraintName: "widgets_custom_pk",
		},
	}}

	diff := Compare(entSchema, dbSchema, DialectPostgres, NullResolver{})
	td := diff.ChangedTables[0]
	if td.OldPrimaryKeyConstraintName != "widgets_custom_pk" {
		t.Fatalf("expected constraint name to carry through, got %q", td.OldPrimaryKeyConstraintName)
	}

	gen := ddl.New(ddl.DialectPostgres)
	stmts := gen.Generate(diff)
	found := false
	for _, s := range stmts {
		if containsAll(s, "DROP CONSTRAINT", `"widgets_custom_pk"`) {
			found = true
		}
		if containsAll(s, "DROP CONSTRAINT", `"widgets_pkey"`) {
			t.Fatalf("expected the stored constraint name, not the default naming convention: %v", stmts)
		}
	}
	if !found {
		t.Fatalf("expected a DROP CONSTRAINT statement naming widgets_custom_pk, got %v", stmts)
	}
}

func TestOnUpdateExpressionChangeIsDetected(t *testing.T) {
	entSchema := buildSchema("sessions", []entity.Column{
		{Name: "updated_at", Type: "timestamp", OnUpdateExpression: "CURRENT_TIMESTAMP"},
	})
	dbSchema := buildSchema("sessions", []entity.Column{
		{Name: "updated_at", Type: "timestamp"},
	})

	diff := Compare(entSchema, dbSchema, DialectMySQL, NullResolver{})
	if len(diff.ChangedTables) != 1 {
		t.Fatalf("expected 1 changed table, got %d", len(diff.ChangedTables))
	}
	mods := diff.ChangedTables[0].ModifiedColumns
	if len(mods) != 1 || !mods[0].OnUpdateChanged {
		t.Fatalf("expected OnUpdateChanged on updated_at, got %v", mods)
	}
}

func TestOnUpdateExpressionEquivalentSpellingsDoNotDiff(t *testing.T) {
	entSchema := buildSchema("sessions", []entity.Column{
		{Name: "updated_at", Type: "timestamp", OnUpdateExpression: "CURRENT_TIMESTAMP"},
	})
	dbSchema := buildSchema("sessions", []entity.Column{
		{Name: "updated_at", Type: "timestamp", OnUpdateExpression: "current_timestamp()"},
	})

	diff := Compare(entSchema, dbSchema, DialectMySQL, NullResolver{})
	if len(diff.ChangedTables) != 0 {
		t.Fatalf("expected no material change for equivalent on-update spellings, got %v", diff.ChangedTables)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

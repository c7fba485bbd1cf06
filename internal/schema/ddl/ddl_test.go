package ddl

import (
	"strings"
	"testing"

	"github.com/signal24/dk-server-foundation/internal/schema/differ"
	"github.com/signal24/dk-server-foundation/internal/schema/entity"
)

func TestGenerateCreateTableForAddedTable(t *testing.T) {
	gen := New(DialectMySQL)
	diff := differ.SchemaDiff{
		AddedTables: []entity.TableSchema{
			{
				Name: "widgets",
				Columns: []entity.Column{
					{Name: "id", Type: "int", AutoIncrement: true},
					{Name: "name", Type: "varchar", Size: 100},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}
	stmts := gen.Generate(diff)
	if len(stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d: %v", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "CREATE TABLE `widgets`") {
		t.Fatalf("expected CREATE TABLE widgets, got %q", stmts[0])
	}
	if !strings.Contains(stmts[0], "PRIMARY KEY (`id`)") {
		t.Fatalf("expected primary key clause, got %q", stmts[0])
	}
}

func TestIndexAndForeignKeyDropsBeforeAdds(t *testing.T) {
	gen := New(DialectMySQL)
	diff := differ.SchemaDiff{
		ChangedTables: []differ.TableDiff{
			{
				Name:           "posts",
				AddedIndexes:   []entity.Index{{Name: "idx_new", Columns: []string{"title"}}},
				DroppedIndexes: []entity.Index{{Name: "idx_old", Columns: []string{"slug"}}},
				AddedForeignKeys:   []entity.ForeignKey{{Name: "fk_new", Columns: []string{"user_id"}, ReferencedTable: "users", ReferencedColumn: []string{"id"}}},
				DroppedForeignKeys: []entity.ForeignKey{{Name: "fk_old", Columns: []string{"author_id"}, ReferencedTable: "authors", ReferencedColumn: []string{"id"}}},
			},
		},
	}
	stmts := gen.Generate(diff)

	dropIdx, addIdx := indexOfContains(stmts, "DROP INDEX"), indexOfContains(stmts, "CREATE INDEX")
	if dropIdx == -1 || addIdx == -1 || dropIdx > addIdx {
		t.Fatalf("expected index drop before add, got %v", stmts)
	}

	dropFK, addFK := indexOfContains(stmts, "DROP FOREIGN KEY"), indexOfContains(stmts, "ADD CONSTRAINT")
	if dropFK == -1 || addFK == -1 || dropFK > addFK {
		t.Fatalf("expected FK drop before add, got %v", stmts)
	}
}

func indexOfContains(stmts []string, sub string) int {
	for i, s := range stmts {
		if strings.Contains(s, sub) {
			return i
		}
	}
	return -1
}

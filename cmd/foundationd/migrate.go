package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/signal24/dk-server-foundation/internal/config"
	"github.com/signal24/dk-server-foundation/internal/schema/dbreader"
	"github.com/signal24/dk-server-foundation/internal/schema/ddl"
	"github.com/signal24/dk-server-foundation/internal/schema/differ"
	"github.com/signal24/dk-server-foundation/internal/schema/entity"
	"github.com/signal24/dk-server-foundation/internal/schema/migrationfile"
)

var (
	diffDialect     string
	diffDSN         string
	diffSchema      string
	diffEntityFile  string
	diffOutDir      string
	diffName        string
	diffInteractive bool
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Compare declared entities against a live database and emit migrations",
}

var schemaDiffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Diff a database against a JSON entity declaration file and write a migration",
	RunE:  runSchemaDiff,
}

func init() {
	schemaCmd.AddCommand(schemaDiffCmd)

	schemaDiffCmd.Flags().StringVar(&diffDialect, "dialect", "mysql", "mysql or postgres")
	schemaDiffCmd.Flags().StringVar(&diffDSN, "dsn", "", "database/sql DSN for the target database")
	schemaDiffCmd.Flags().StringVar(&diffSchema, "schema", "", "schema/database name to read (defaults to PG_SCHEMA for postgres)")
	schemaDiffCmd.Flags().StringVar(&diffEntityFile, "entities", "", "path to a JSON file containing []entity.Entity")
	schemaDiffCmd.Flags().StringVar(&diffOutDir, "out", "./migrations", "directory to write the timestamped migration file into")
	schemaDiffCmd.Flags().StringVar(&diffName, "name", "schema_update", "human-readable name embedded in the migration filename")
	schemaDiffCmd.Flags().BoolVar(&diffInteractive, "interactive", false, "prompt on stdin to resolve ambiguous column renames")

	_ = schemaDiffCmd.MarkFlagRequired("dsn")
	_ = schemaDiffCmd.MarkFlagRequired("entities")
}

func runSchemaDiff(cmd *cobra.Command, args []string) error {
	var dbDialect dbreader.Dialect
	var diffDialectType differ.Dialect
	var ddlDialect ddl.Dialect
	switch diffDialect {
	case "mysql":
		dbDialect, diffDialectType, ddlDialect = dbreader.DialectMySQL, differ.DialectMySQL, ddl.DialectMySQL
	case "postgres":
		dbDialect, diffDialectType, ddlDialect = dbreader.DialectPostgres, differ.DialectPostgres, ddl.DialectPostgres
	default:
		return fmt.Errorf("unknown --dialect %q, expected mysql or postgres", diffDialect)
	}

	schemaName := diffSchema
	if schemaName == "" && diffDialect == "postgres" {
		schemaName = config.PgSchema()
	}

	driverName := "mysql"
	if diffDialect == "postgres" {
		driverName = "postgres"
	}
	db, err := sql.Open(driverName, diffDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	raw, err := os.ReadFile(diffEntityFile)
	if err != nil {
		return fmt.Errorf("read entities file: %w", err)
	}
	var declared []entity.Entity
	if err := json.Unmarshal(raw, &declared); err != nil {
		return fmt.Errorf("parse entities file: %w", err)
	}
	entSchema := entity.Read(declared)

	reader := dbreader.New(db, dbDialect, schemaName)
	dbSchema, err := reader.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("read database schema: %w", err)
	}

	resolver := differ.RenameResolver(differ.NullResolver{})
	if diffInteractive {
		resolver = &differ.InteractiveResolver{Ask: promptRename}
	}

	diff := differ.Compare(entSchema, dbSchema, diffDialectType, resolver)
	statements := ddl.New(ddlDialect).Generate(diff)
	if len(statements) == 0 {
		fmt.Println("schema diff: no changes")
		return nil
	}

	writer := migrationfile.New(diffOutDir)
	path, err := writer.Write(diffName, statements)
	if err != nil {
		return fmt.Errorf("write migration: %w", err)
	}
	fmt.Printf("wrote %s (%d statements)\n", path, len(statements))
	return nil
}

// promptRename implements differ.InteractiveResolver.Ask over stdin/stdout:
// a yes/no question for a single drop candidate, otherwise a numbered
// choice among drop candidates, 0 meaning "no match, treat as add+drop" to
// the operator. Either answer is translated to the -1-for-none/0-based
// convention ResolveRenames expects.
func promptRename(table string, add entity.Column, drops []entity.Column) int {
	if len(drops) == 1 {
		fmt.Printf("table %s: new column %q — rename from dropped column %q? [y/N]: ", table, add.Name, drops[0].Name)
		var answer string
		if _, err := fmt.Scan(&answer); err != nil {
			return -1
		}
		if answer = strings.ToLower(answer); answer == "y" || answer == "yes" {
			return 0
		}
		return -1
	}

	fmt.Printf("table %s: new column %q — rename from an existing dropped column?\n", table, add.Name)
	for i, d := range drops {
		fmt.Printf("  %d) %s\n", i+1, d.Name)
	}
	fmt.Print("  0) none\nchoice: ")

	var choice int
	if _, err := fmt.Scan(&choice); err != nil || choice <= 0 || choice > len(drops) {
		return -1
	}
	return choice - 1
}

package stores

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"
)

//go:embed sql_migrations.sql
var migrationsSQL string

// Migrate creates the policy and audit tables. Statements run one at a time
// since not every driver accepts several per Exec.
func Migrate(db *squealx.DB) error {
	ctx := context.Background()
	for _, stmt := range strings.Split(migrationsSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if strings.HasPrefix(stmt, "CREATE INDEX") && isAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key name")
}

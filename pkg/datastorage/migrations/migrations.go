// Package migrations embeds the SQL migration set that creates the
// request_rows, annotation_rows, labels, and patients tables. Database
// bootstrap itself belongs to the deployment; this package only owns the
// migration file contents and the function that applies them, for the
// bootstrap process to call.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var files embed.FS

// Apply runs every pending migration against db using the sqlite3
// dialect, in filename order.
func Apply(db *sql.DB) error {
	goose.SetBaseFS(files)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

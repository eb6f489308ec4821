// Package migrations embeds SQL migration files into the binary so the
// hub can migrate its store without SQL files on the filesystem.
package migrations

import (
	"embed"

	"github.com/hortiva/hortiva-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}

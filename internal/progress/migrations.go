package progress

import (
	"context"
	"embed"

	"github.com/jmoiron/sqlx"
	"github.com/nao1215/learnhub/pkg/database"
)

// migrationFS は進捗サービスのスキーマ定義。
//
//go:embed migrations/*.up.sql
var migrationFS embed.FS

// OpenDatabase は進捗サービスのデータベースを開き、スキーマを適用する。
func OpenDatabase(ctx context.Context, path string) (*sqlx.DB, error) {
	return database.Open(ctx, path, migrationFS, "migrations")
}

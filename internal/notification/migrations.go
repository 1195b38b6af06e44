package notification

import "embed"

// migrationFS は通知サービスのスキーマ定義。
//
//go:embed migrations/*.up.sql
var migrationFS embed.FS

// migrationDir はmigrationFS内のディレクトリ名。
const migrationDir = "migrations"

// Package database はSQLiteへの接続を生成する。
package database

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/learnhub/pkg/migration"
)

// MemoryPath はインメモリデータベースを表すパス。
const MemoryPath = ":memory:"

// Open はSQLiteデータベースを開き、dirにあるマイグレーションを適用する。
//
// ファイルの場合はWAL・busy_timeout・BEGIN IMMEDIATEを有効にする。
// インメモリの場合は接続ごとに別のデータベースになるため、接続数を1に固定する。
func Open(ctx context.Context, path string, migrations fs.FS, dir string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if isMemory(path) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("外部キー制約の有効化に失敗: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if migrations != nil {
		if _, err := migration.Run(ctx, db, migrations, dir); err != nil {
			db.Close()
			return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
		}
	}
	return db, nil
}

// dsn はmodernc.org/sqlite向けの接続文字列を組み立てる。
func dsn(path string) string {
	if isMemory(path) {
		return MemoryPath
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func isMemory(path string) bool {
	return path == MemoryPath
}

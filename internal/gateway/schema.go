package gateway

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/vitor-zanatta-walter/microservices-api/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// openAuditDB は監査ログ用のSQLite接続プールを開き、スキーマを適用する。
// プールの接続数はmaxConnsで制限する。
func openAuditDB(ctx context.Context, dbPath string, maxConns int) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}

// initSchema はマイグレーションを実行して監査ログのスキーマを適用する。
func initSchema(ctx context.Context, db *sql.DB) error {
	return migration.Run(ctx, db, migrationsFS, "migrations")
}

// Package migration はSQLiteデータベースのスキーマを最新の版まで進める。
// 適用済みの版はデータベースヘッダーの PRAGMA user_version に保持する。
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"path"
	"slices"
	"strconv"
	"strings"
)

// step は1つの版に対応するSQLファイル。
type step struct {
	version int
	file    string
}

// Run はdir直下の NNNNNN_name.up.sql を版の順に適用する。
// 未適用の版はまとめて1つのトランザクションで流すため、途中で失敗した場合は何も適用されない。
// データベースの版がファイルの最新版より新しい場合はエラーにする。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) error {
	steps, err := readSteps(fsys, dir)
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}
	if len(steps) == 0 {
		return nil
	}
	latest := steps[len(steps)-1].version

	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("スキーマの版の取得に失敗: %w", err)
	}
	if current > latest {
		return fmt.Errorf("データベースの版 %d がこのバイナリの最新版 %d より新しい", current, latest)
	}
	if current == latest {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, s := range steps {
		if s.version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, s.file))
		if err != nil {
			return fmt.Errorf("%s の読み込みに失敗: %w", s.file, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("%s の適用に失敗: %w", s.file, err)
		}
	}

	// PRAGMAはプレースホルダーを受け付けない
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", latest)); err != nil {
		return fmt.Errorf("スキーマの版の更新に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	log.Printf("[Migration] スキーマを版 %d から %d に更新しました", current, latest)
	return nil
}

// readSteps はup.sqlファイルを版の順に並べて返す。
// 版の番号が重複している場合はエラーにする。
func readSteps(fsys fs.FS, dir string) ([]step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var steps []step
	seen := make(map[int]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("版 %d が重複しています: %s, %s", version, other, name)
		}
		seen[version] = name
		steps = append(steps, step{version: version, file: name})
	}

	slices.SortFunc(steps, func(a, b step) int { return a.version - b.version })
	return steps, nil
}

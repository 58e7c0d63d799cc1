// Package history 以 SQLite 記錄每次證書操作的結局。
//
// 證書操作低頻且後果重大，出問題時最需要的是「上次到底發生了什麼」：
// 哪天跑的、誰觸發的、certbot 說了什麼。日誌會輪轉掉，這份流水賬不會。
// 單連接加 WAL，無人值守任務和交互界面可以同時讀。
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL,
	ts      TEXT NOT NULL,
	command TEXT NOT NULL,
	domain  TEXT NOT NULL,
	kind    TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_operations_run ON operations(run_id);
`

// Entry 一條操作記錄
type Entry struct {
	ID      int64
	RunID   string // 同一次 CLI 調用內的記錄共享
	Time    time.Time
	Command string // obtain / renew / test-renewal
	Domain  string
	Kind    certificate.ResultKind
	Detail  string
}

// Store 操作歷史存儲
type Store struct {
	path string
	db   *sql.DB
}

// Open 打開（必要時創建）歷史數據庫並建表
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("歷史數據庫路徑為空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("創建數據目錄失敗: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打開歷史數據庫失敗: %w", err)
	}
	// 單寫者場景，限制單連接以避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("設置 SQLite 參數失敗: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化歷史表失敗: %w", err)
	}

	return &Store{path: path, db: db}, nil
}

// Close 關閉數據庫連接，對 nil 安全
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append 追加一條操作記錄
func (s *Store) Append(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("歷史存儲未初始化")
	}

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (run_id, ts, command, domain, kind, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, ts.UTC().Format(time.RFC3339), e.Command, e.Domain, e.Kind.String(), e.Detail)
	if err != nil {
		return fmt.Errorf("寫入操作記錄失敗: %w", err)
	}
	return nil
}

// Recent 返回最近的 limit 條記錄，新的在前
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("歷史存儲未初始化")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, ts, command, domain, kind, detail FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查詢操作記錄失敗: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, kind string
		if err := rows.Scan(&e.ID, &e.RunID, &ts, &e.Command, &e.Domain, &kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("解析操作記錄失敗: %w", err)
		}
		if parsed, parseErr := time.Parse(time.RFC3339, ts); parseErr == nil {
			e.Time = parsed
		}
		e.Kind = certificate.ParseResultKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍歷操作記錄失敗: %w", err)
	}
	return out, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
)

type dialect struct {
	name           string
	schema         []string
	upsertAccount  string
	upsertSession  string
	insertRescue   string
	upsertSettings string
}

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            name TEXT PRIMARY KEY,
            wallet_seed TEXT NOT NULL,
            wallet_address TEXT NOT NULL,
            earnings TEXT NOT NULL DEFAULT '0',
            updated_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sessions (
            worker_name TEXT PRIMARY KEY,
            session_token TEXT NOT NULL,
            wallet_seed TEXT NOT NULL,
            wallet_address TEXT NOT NULL,
            earnings TEXT NOT NULL DEFAULT '0',
            saved_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS rescue_entries (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            seed TEXT NOT NULL UNIQUE,
            worker_name TEXT NOT NULL,
            address TEXT NOT NULL,
            balance TEXT NOT NULL,
            rescued_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS settings (
            id INTEGER PRIMARY KEY,
            body TEXT NOT NULL
        )`,
	},
	upsertAccount: `INSERT INTO accounts (name, wallet_seed, wallet_address, earnings, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            wallet_seed = excluded.wallet_seed,
            wallet_address = excluded.wallet_address,
            earnings = excluded.earnings,
            updated_at = excluded.updated_at`,
	upsertSession: `INSERT INTO sessions (worker_name, session_token, wallet_seed, wallet_address, earnings, saved_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(worker_name) DO UPDATE SET
            session_token = excluded.session_token,
            wallet_seed = excluded.wallet_seed,
            wallet_address = excluded.wallet_address,
            earnings = excluded.earnings,
            saved_at = excluded.saved_at`,
	insertRescue: `INSERT OR IGNORE INTO rescue_entries (seed, worker_name, address, balance, rescued_at)
        VALUES (?, ?, ?, ?, ?)`,
	upsertSettings: `INSERT INTO settings (id, body) VALUES (1, ?)
        ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
}

var mysqlDialect = dialect{
	name:   "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            name VARCHAR(128) PRIMARY KEY,
            wallet_seed VARCHAR(64) NOT NULL,
            wallet_address VARCHAR(65) NOT NULL,
            earnings VARCHAR(64) NOT NULL DEFAULT '0',
            updated_at BIGINT NOT NULL
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS sessions (
            worker_name VARCHAR(128) PRIMARY KEY,
            session_token VARCHAR(64) NOT NULL,
            wallet_seed VARCHAR(64) NOT NULL,
            wallet_address VARCHAR(65) NOT NULL,
            earnings VARCHAR(64) NOT NULL DEFAULT '0',
            saved_at BIGINT NOT NULL
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS rescue_entries (
            id BIGINT AUTO_INCREMENT PRIMARY KEY,
            seed VARCHAR(64) NOT NULL,
            worker_name VARCHAR(128) NOT NULL,
            address VARCHAR(65) NOT NULL,
            balance VARCHAR(64) NOT NULL,
            rescued_at BIGINT NOT NULL,
            UNIQUE KEY uniq_rescue_seed (seed)
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS settings (
            id INT PRIMARY KEY,
            body TEXT NOT NULL
        ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	upsertAccount: `INSERT INTO accounts (name, wallet_seed, wallet_address, earnings, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            wallet_seed = VALUES(wallet_seed),
            wallet_address = VALUES(wallet_address),
            earnings = VALUES(earnings),
            updated_at = VALUES(updated_at)`,
	upsertSession: `INSERT INTO sessions (worker_name, session_token, wallet_seed, wallet_address, earnings, saved_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            session_token = VALUES(session_token),
            wallet_seed = VALUES(wallet_seed),
            wallet_address = VALUES(wallet_address),
            earnings = VALUES(earnings),
            saved_at = VALUES(saved_at)`,
	insertRescue: `INSERT IGNORE INTO rescue_entries (seed, worker_name, address, balance, rescued_at)
        VALUES (?, ?, ?, ?, ?)`,
	upsertSettings: `INSERT INTO settings (id, body) VALUES (1, ?)
        ON DUPLICATE KEY UPDATE body = VALUES(body)`,
}

// SQLStore 基于 database/sql 实现 Repository，支持 SQLite 与 MySQL 两种方言。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLite 打开（必要时创建）嵌入式 SQLite 数据库并启用 WAL。
func NewSQLite(ctx context.Context, path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 目录失败")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "启用 WAL 失败")
	}
	return newSQLStore(ctx, db, sqliteDialect)
}

// NewMySQL 连接 MySQL 并初始化表结构。
func NewMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return newSQLStore(ctx, db, mysqlDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("初始化 %s 表结构失败", d.name))
		}
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// ListAccounts 实现 AccountStore。
func (s *SQLStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, wallet_seed, wallet_address, earnings, updated_at FROM accounts ORDER BY name`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户失败")
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var acc Account
		var updated int64
		if err := rows.Scan(&acc.Name, &acc.WalletSeed, &acc.WalletAddress, &acc.Earnings, &updated); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账户失败")
		}
		acc.UpdatedAt = fromMillis(updated)
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账户失败")
	}
	return out, nil
}

// SaveAccounts 在单个事务内写入全部账户。
func (s *SQLStore) SaveAccounts(ctx context.Context, accounts []Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	for _, acc := range accounts {
		if _, err := tx.ExecContext(ctx, s.dialect.upsertAccount,
			acc.Name, acc.WalletSeed, acc.WalletAddress, defaultAmount(acc.Earnings), toMillis(acc.UpdatedAt)); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存账户失败",
				xerrors.WithMetadata("account", acc.Name))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交账户事务失败")
	}
	return nil
}

// LoadSessions 实现 SessionStore。
func (s *SQLStore) LoadSessions(ctx context.Context) (map[string]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_name, session_token, wallet_seed, wallet_address, earnings, saved_at FROM sessions`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	defer rows.Close()

	out := make(map[string]Session)
	for rows.Next() {
		var sess Session
		var saved int64
		if err := rows.Scan(&sess.WorkerName, &sess.SessionToken, &sess.WalletSeed, &sess.WalletAddress, &sess.Earnings, &saved); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
		}
		sess.SavedAt = fromMillis(saved)
		out[sess.WorkerName] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	return out, nil
}

// SaveSession 实现 SessionStore。
func (s *SQLStore) SaveSession(ctx context.Context, sess Session) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertSession,
		sess.WorkerName, sess.SessionToken, sess.WalletSeed, sess.WalletAddress,
		defaultAmount(sess.Earnings), toMillis(sess.SavedAt)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败",
			xerrors.WithMetadata("worker", sess.WorkerName))
	}
	return nil
}

// AddRescue 依赖种子唯一键去重。
func (s *SQLStore) AddRescue(ctx context.Context, entry RescueEntry) (bool, error) {
	if err := validateRescue(entry); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.insertRescue,
		entry.Seed, entry.WorkerName, entry.Address, defaultAmount(entry.Balance), toMillis(entry.RescuedAt))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入救援记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取写入结果失败")
	}
	return affected > 0, nil
}

// ListRescue 按写入顺序返回救援记录。
func (s *SQLStore) ListRescue(ctx context.Context) ([]RescueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_name, address, seed, balance, rescued_at FROM rescue_entries ORDER BY id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询救援记录失败")
	}
	defer rows.Close()

	var out []RescueEntry
	for rows.Next() {
		var entry RescueEntry
		var rescued int64
		if err := rows.Scan(&entry.WorkerName, &entry.Address, &entry.Seed, &entry.Balance, &rescued); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析救援记录失败")
		}
		entry.RescuedAt = fromMillis(rescued)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历救援记录失败")
	}
	return out, nil
}

// ClearRescue 清空救援账本。
func (s *SQLStore) ClearRescue(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rescue_entries`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空救援记录失败")
	}
	return nil
}

// LoadSettings 实现 SettingsStore。
func (s *SQLStore) LoadSettings(ctx context.Context) (Settings, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM settings WHERE id = 1`).Scan(&body)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询设置失败")
	}
	var settings Settings
	if err := json.Unmarshal([]byte(body), &settings); err != nil {
		return Settings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析设置失败")
	}
	return settings, nil
}

// SaveSettings 实现 SettingsStore。
func (s *SQLStore) SaveSettings(ctx context.Context, settings Settings) error {
	body, err := json.Marshal(settings)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码设置失败")
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertSettings, string(body)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存设置失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func defaultAmount(v string) string {
	if strings.TrimSpace(v) == "" {
		return "0"
	}
	return v
}

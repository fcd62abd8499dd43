// Package store persists the fleet's durable state: the account registry,
// session resume records, the rescue ledger and operator settings. Core logic
// depends only on the Repository interface.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
)

// Account 是一个工作者的钱包档案。创建后只更新、不删除。
type Account struct {
	Name          string    `json:"name"`
	WalletSeed    string    `json:"wallet_seed"`
	WalletAddress string    `json:"wallet_address"`
	Earnings      string    `json:"earnings"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Session 记录工作者最近一次上报的会话，用于重启后恢复。
type Session struct {
	WorkerName    string    `json:"worker_name"`
	SessionToken  string    `json:"session_token"`
	WalletSeed    string    `json:"wallet_seed"`
	WalletAddress string    `json:"wallet_address"`
	Earnings      string    `json:"earnings"`
	SavedAt       time.Time `json:"saved_at"`
}

// RescueEntry 记录一个有余额但归集失败的钱包。种子为去重键。
type RescueEntry struct {
	WorkerName string    `json:"worker_name"`
	Address    string    `json:"address"`
	Seed       string    `json:"seed"`
	Balance    string    `json:"balance"`
	RescuedAt  time.Time `json:"rescued_at"`
}

// Settings 是运维可修改的舰队参数。
type Settings struct {
	MasterAddress     string `json:"master_address"`
	AutoSweep         bool   `json:"auto_sweep"`
	SweepThresholdRaw string `json:"sweep_threshold_raw"`
	FleetSize         int    `json:"fleet_size"`
}

// AccountStore 负责账户档案的读写。
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	SaveAccounts(ctx context.Context, accounts []Account) error
}

// SessionStore 负责会话恢复记录，每个工作者一条，后写覆盖先写。
type SessionStore interface {
	LoadSessions(ctx context.Context) (map[string]Session, error)
	SaveSession(ctx context.Context, session Session) error
}

// RescueStore 是只追加的救援账本。AddRescue 在种子已存在时返回 false。
type RescueStore interface {
	AddRescue(ctx context.Context, entry RescueEntry) (bool, error)
	ListRescue(ctx context.Context) ([]RescueEntry, error)
	ClearRescue(ctx context.Context) error
}

// SettingsStore 持久化运维设置。未保存过时返回零值。
type SettingsStore interface {
	LoadSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, settings Settings) error
}

// Repository 汇总全部持久化能力。
type Repository interface {
	AccountStore
	SessionStore
	RescueStore
	SettingsStore
	Close() error
}

// Config 选择存储后端。
type Config struct {
	Driver        string
	DSN           string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open 根据配置创建存储后端。
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(ctx, cfg.DSN)
	case "mysql":
		return NewMySQL(ctx, cfg.DSN)
	case "redis":
		return NewRedis(ctx, RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的存储驱动: %s", cfg.Driver))
	}
}

func validateRescue(entry RescueEntry) error {
	if strings.TrimSpace(entry.Seed) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "救援记录缺少钱包种子")
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 将每类记录保存在一个 Redis hash 中，值为 JSON。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis 创建 Redis 存储并检查连通性。
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisWithClient(client, cfg.Prefix), nil
}

// NewRedisWithClient 复用已有客户端。
func NewRedisWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "nanofleet"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(kind string) string { return s.prefix + ":" + kind }

// ListAccounts 实现 AccountStore。
func (s *RedisStore) ListAccounts(ctx context.Context) ([]Account, error) {
	values, err := s.client.HGetAll(ctx, s.key("accounts")).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户失败")
	}
	out := make([]Account, 0, len(values))
	for name, raw := range values {
		var acc Account
		if err := json.Unmarshal([]byte(raw), &acc); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账户失败",
				xerrors.WithMetadata("account", name))
		}
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveAccounts 通过一次 HSET 写入全部账户。
func (s *RedisStore) SaveAccounts(ctx context.Context, accounts []Account) error {
	if len(accounts) == 0 {
		return nil
	}
	fields := make([]any, 0, len(accounts)*2)
	for _, acc := range accounts {
		acc.Earnings = defaultAmount(acc.Earnings)
		body, err := json.Marshal(acc)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码账户失败")
		}
		fields = append(fields, acc.Name, string(body))
	}
	if err := s.client.HSet(ctx, s.key("accounts"), fields...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存账户失败")
	}
	return nil
}

// LoadSessions 实现 SessionStore。
func (s *RedisStore) LoadSessions(ctx context.Context) (map[string]Session, error) {
	values, err := s.client.HGetAll(ctx, s.key("sessions")).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	out := make(map[string]Session, len(values))
	for name, raw := range values {
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败",
				xerrors.WithMetadata("worker", name))
		}
		out[name] = sess
	}
	return out, nil
}

// SaveSession 实现 SessionStore。
func (s *RedisStore) SaveSession(ctx context.Context, sess Session) error {
	sess.Earnings = defaultAmount(sess.Earnings)
	body, err := json.Marshal(sess)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话失败")
	}
	if err := s.client.HSet(ctx, s.key("sessions"), sess.WorkerName, string(body)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
	}
	return nil
}

// AddRescue 使用 HSETNX 以种子去重。
func (s *RedisStore) AddRescue(ctx context.Context, entry RescueEntry) (bool, error) {
	if err := validateRescue(entry); err != nil {
		return false, err
	}
	entry.Balance = defaultAmount(entry.Balance)
	body, err := json.Marshal(entry)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码救援记录失败")
	}
	added, err := s.client.HSetNX(ctx, s.key("rescue"), entry.Seed, string(body)).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入救援记录失败")
	}
	return added, nil
}

// ListRescue 按救援时间排序返回。
func (s *RedisStore) ListRescue(ctx context.Context) ([]RescueEntry, error) {
	values, err := s.client.HGetAll(ctx, s.key("rescue")).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取救援记录失败")
	}
	out := make([]RescueEntry, 0, len(values))
	for _, raw := range values {
		var entry RescueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析救援记录失败")
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RescuedAt.Before(out[j].RescuedAt) })
	return out, nil
}

// ClearRescue 删除救援 hash。
func (s *RedisStore) ClearRescue(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key("rescue")).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空救援记录失败")
	}
	return nil
}

// LoadSettings 实现 SettingsStore。
func (s *RedisStore) LoadSettings(ctx context.Context) (Settings, error) {
	raw, err := s.client.Get(ctx, s.key("settings")).Result()
	if stdErrors.Is(err, redis.Nil) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取设置失败")
	}
	var settings Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return Settings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析设置失败")
	}
	return settings, nil
}

// SaveSettings 实现 SettingsStore。
func (s *RedisStore) SaveSettings(ctx context.Context, settings Settings) error {
	body, err := json.Marshal(settings)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码设置失败")
	}
	if err := s.client.Set(ctx, s.key("settings"), string(body), 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存设置失败")
	}
	return nil
}

// Close 关闭 Redis 客户端。
func (s *RedisStore) Close() error { return s.client.Close() }

package store

import (
	"context"
	"sort"
	"sync"
)

// Memory 是进程内的 Repository 实现，主要用于测试与临时运行。
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]Account
	sessions map[string]Session
	rescue   []RescueEntry
	seeds    map[string]struct{}
	settings Settings
}

// NewMemory 创建空的内存存储。
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]Account),
		sessions: make(map[string]Session),
		seeds:    make(map[string]struct{}),
	}
}

// ListAccounts 按名称顺序返回账户。
func (m *Memory) ListAccounts(context.Context) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveAccounts 按名称插入或更新账户。
func (m *Memory) SaveAccounts(_ context.Context, accounts []Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range accounts {
		m.accounts[acc.Name] = acc
	}
	return nil
}

// LoadSessions 返回全部会话记录的副本。
func (m *Memory) LoadSessions(context.Context) (map[string]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out, nil
}

// SaveSession 覆盖指定工作者的会话。
func (m *Memory) SaveSession(_ context.Context, session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.WorkerName] = session
	return nil
}

// AddRescue 追加救援记录，种子重复时忽略。
func (m *Memory) AddRescue(_ context.Context, entry RescueEntry) (bool, error) {
	if err := validateRescue(entry); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seeds[entry.Seed]; ok {
		return false, nil
	}
	m.seeds[entry.Seed] = struct{}{}
	m.rescue = append(m.rescue, entry)
	return true, nil
}

// ListRescue 按写入顺序返回救援记录。
func (m *Memory) ListRescue(context.Context) ([]RescueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RescueEntry(nil), m.rescue...), nil
}

// ClearRescue 清空救援账本。
func (m *Memory) ClearRescue(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescue = nil
	m.seeds = make(map[string]struct{})
	return nil
}

// LoadSettings 返回当前设置。
func (m *Memory) LoadSettings(context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings, nil
}

// SaveSettings 覆盖设置。
func (m *Memory) SaveSettings(_ context.Context, settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	return nil
}

// Close 实现 Repository。
func (m *Memory) Close() error { return nil }

// Package rescue keeps the append-only ledger of wallets that hold funds the
// fleet failed to consolidate. Operators export it to recover those funds by
// hand.
package rescue

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/events"
	"github.com/Ademola21/nano-automation-suite/internal/observability/alerting"
	"github.com/Ademola21/nano-automation-suite/internal/observability/metrics"
	"github.com/Ademola21/nano-automation-suite/internal/store"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Ledger 是救援账本的唯一写入方。
type Ledger struct {
	mu     sync.Mutex
	store  store.RescueStore
	alerts alerting.Dispatcher
	events events.Sink
	audit  *slog.Logger
	now    func() time.Time
}

// Option 配置 Ledger。
type Option func(*Ledger)

// WithAlerts 设置新记录的告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(l *Ledger) { l.alerts = d }
}

// WithEvents 设置事件输出。
func WithEvents(s events.Sink) Option {
	return func(l *Ledger) { l.events = s }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger 基于存储创建账本。
func NewLedger(s store.RescueStore, opts ...Option) *Ledger {
	l := &Ledger{
		store: s,
		audit: logger.Audit(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Record 追加一条记录。种子已存在时返回 false 且不做任何修改。
func (l *Ledger) Record(ctx context.Context, entry store.RescueEntry) (bool, error) {
	if entry.RescuedAt.IsZero() {
		entry.RescuedAt = l.now().UTC()
	}

	l.mu.Lock()
	added, err := l.store.AddRescue(ctx, entry)
	l.mu.Unlock()
	if err != nil {
		return false, err
	}
	if !added {
		return false, nil
	}

	metrics.ObserveRescue()
	l.audit.Warn("钱包已写入救援账本",
		slog.String("worker", entry.WorkerName),
		slog.String("address", entry.Address),
		slog.String("balance_raw", entry.Balance),
		slog.Time("rescued_at", entry.RescuedAt))
	if l.alerts != nil {
		event := alerting.FromError(entry.WorkerName, xerrors.CodeRescueRecorded, nil, map[string]string{
			"address": entry.Address,
			"balance": entry.Balance,
		})
		if err := l.alerts.Notify(ctx, event); err != nil {
			logger.Named("rescue").Warn("发送救援告警失败", slog.Any("error", err))
		}
	}
	if l.events != nil {
		ev := events.New(events.KindRescue, entry.WorkerName, "wallet recorded for manual recovery")
		ev.Fields = map[string]string{"address": entry.Address, "balance": entry.Balance}
		_ = l.events.Publish(ctx, ev)
	}
	return true, nil
}

// Entries 返回全部记录。
func (l *Ledger) Entries(ctx context.Context) ([]store.RescueEntry, error) {
	return l.store.ListRescue(ctx)
}

// Export 以 json 或 csv 写出账本。
func (l *Ledger) Export(ctx context.Context, w io.Writer, format string) error {
	entries, err := l.store.ListRescue(ctx)
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		if entries == nil {
			entries = []store.RescueEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"worker_name", "address", "seed", "balance", "rescued_at"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{e.WorkerName, e.Address, e.Seed, e.Balance, e.RescuedAt.UTC().Format(time.RFC3339)}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的导出格式: %s", format))
	}
}

// Clear 清空账本。与舰队运行状态无关。
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.ClearRescue(ctx); err != nil {
		return err
	}
	l.audit.Warn("救援账本已被清空")
	return nil
}

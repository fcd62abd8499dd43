// Package supervisor owns the fleet: it creates and persists worker wallets,
// launches one agent per wallet, derives worker status from agent reports and
// routes failed sweeps into the rescue ledger.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/Ademola21/nano-automation-suite/internal/agent"
	"github.com/Ademola21/nano-automation-suite/internal/consolidate"
	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/events"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/internal/observability/alerting"
	"github.com/Ademola21/nano-automation-suite/internal/observability/metrics"
	"github.com/Ademola21/nano-automation-suite/internal/rescue"
	"github.com/Ademola21/nano-automation-suite/internal/store"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

// Status 是运维视图中的工作者状态。
type Status string

const (
	StatusIdle          Status = "idle"
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusRestarting    Status = "restarting"
	StatusConsolidating Status = "consolidating"
	StatusBridged       Status = "bridged"
	StatusBridgeError   Status = "bridge-error"
	StatusSweeping      Status = "sweeping..."
	StatusStopped       Status = "stopped"
)

const (
	defaultFlushInterval = 60 * time.Second
	defaultLogLimit      = 50
	reportBuffer         = 256
)

// Factory 根据配置创建 agent。测试中可替换为假实现。
type Factory func(cfg agent.Config, reports chan<- agent.Report) (agent.Runner, error)

// Config 描述 supervisor 的运行参数。Agent 是每个 agent 的配置模板。
type Config struct {
	Agent         agent.Config
	StartInterval time.Duration
	FlushInterval time.Duration
	LogLimit      int
}

// WorkerStatus 是单个工作者的只读快照。
type WorkerStatus struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Status    Status    `json:"status"`
	Earnings  string    `json:"earnings_raw"`
	Running   bool      `json:"running"`
	UpdatedAt time.Time `json:"updated_at"`
}

type worker struct {
	name      string
	seed      string
	address   string
	status    Status
	earnings  *big.Int
	session   *agent.Session
	runner    agent.Runner
	cancel    context.CancelFunc
	done      chan struct{}
	logs      *logger.Tail
	updatedAt time.Time
}

func (w *worker) running() bool {
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Option 定制 Supervisor。
type Option func(*Supervisor)

// WithEvents 设置运维事件输出。
func WithEvents(sink events.Sink) Option {
	return func(s *Supervisor) { s.events = sink }
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Supervisor) { s.alerts = d }
}

// WithFactory 替换 agent 构造方式。
func WithFactory(f Factory) Option {
	return func(s *Supervisor) {
		if f != nil {
			s.factory = f
		}
	}
}

// WithLogger 设置日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// Supervisor 是舰队的唯一管理者。所有 agent 上报都由 Run 中的控制循环串行处理。
type Supervisor struct {
	cfg     Config
	repo    store.Repository
	engine  consolidate.Consolidator
	ledger  *rescue.Ledger
	factory Factory
	events  events.Sink
	alerts  alerting.Dispatcher
	logger  *slog.Logger
	now     func() time.Time

	reports chan agent.Report
	base    context.Context
	stop    context.CancelFunc

	// fleetMu serialises fleet-level operations (start, stop).
	fleetMu      sync.Mutex
	fleetCancel  context.CancelFunc
	launchCancel context.CancelFunc
	launching    sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
}

// New 创建 supervisor。ledger 接收归集失败的钱包。
func New(cfg Config, repo store.Repository, engine consolidate.Consolidator, ledger *rescue.Ledger, opts ...Option) (*Supervisor, error) {
	if repo == nil || engine == nil || ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "supervisor 依赖不完整")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = defaultLogLimit
	}
	base, stop := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		repo:    repo,
		engine:  engine,
		ledger:  ledger,
		logger:  logger.Named("supervisor"),
		now:     time.Now,
		reports: make(chan agent.Report, reportBuffer),
		base:    base,
		stop:    stop,
		workers: make(map[string]*worker),
	}
	s.factory = func(c agent.Config, reports chan<- agent.Report) (agent.Runner, error) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 agent 工厂")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Load 从存储读取已知账户，使其在舰队启动前即可查询与归集。
func (s *Supervisor) Load(ctx context.Context) error {
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range accounts {
		s.registerLocked(acct)
	}
	return nil
}

func (s *Supervisor) registerLocked(acct store.Account) *worker {
	w, ok := s.workers[acct.Name]
	if ok {
		return w
	}
	earnings, err := nano.ParseRaw(acct.Earnings)
	if err != nil {
		earnings = new(big.Int)
	}
	w = &worker{
		name:      acct.Name,
		seed:      acct.WalletSeed,
		address:   acct.WalletAddress,
		status:    StatusIdle,
		earnings:  earnings,
		logs:      logger.NewTail(s.cfg.LogLimit),
		updatedAt: acct.UpdatedAt,
	}
	s.workers[acct.Name] = w
	return w
}

// Run 消费 agent 上报并定期落盘账户，直到 ctx 结束。退出前停止全部 agent 并做最后一次落盘。
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case r := <-s.reports:
			s.handle(ctx, r)
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("定期保存账户失败", slog.Any("error", err))
			}
		}
	}
}

func (s *Supervisor) shutdown() {
	s.fleetMu.Lock()
	if s.fleetCancel != nil {
		s.fleetCancel()
	}
	s.fleetMu.Unlock()
	s.launching.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_ = s.waitStopped(waitCtx, s.runningDone())
	}()
drain:
	for {
		select {
		case r := <-s.reports:
			s.handle(waitCtx, r)
		case <-drained:
			break drain
		}
	}
	for {
		select {
		case r := <-s.reports:
			s.handle(waitCtx, r)
		default:
			s.stop()
			if err := s.Flush(waitCtx); err != nil {
				s.logger.Error("退出前保存账户失败", slog.Any("error", err))
			}
			s.logger.Info("supervisor 已停止")
			return
		}
	}
}

// handle applies one report. A fault while handling is logged and never
// escapes the control loop.
func (s *Supervisor) handle(ctx context.Context, r agent.Report) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("处理 agent 上报时发生异常",
				slog.String("worker", r.Worker),
				slog.String("type", string(r.Type)),
				slog.Any("panic", p))
		}
	}()

	s.mu.Lock()
	w, ok := s.workers[r.Worker]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("忽略未知工作者的上报", slog.String("worker", r.Worker))
		return
	}
	prev := w.status
	var (
		session *store.Session
		entry   *store.RescueEntry
	)
	switch r.Type {
	case agent.ReportSessionInfo:
		w.status = StatusRunning
		if r.Session != nil {
			w.session = r.Session
			if r.Session.WalletAddress != "" {
				w.address = r.Session.WalletAddress
			}
			session = &store.Session{
				WorkerName:    w.name,
				SessionToken:  r.Session.Token,
				WalletSeed:    r.Session.WalletSeed,
				WalletAddress: r.Session.WalletAddress,
				Earnings:      rawString(r.Session.Earnings),
				SavedAt:       r.At.UTC(),
			}
		}
	case agent.ReportBalance:
		if r.Balance != nil {
			w.earnings = new(big.Int).Set(r.Balance)
		}
	case agent.ReportReconnecting:
		w.status = StatusRestarting
	case agent.ReportConsolidationStarted:
		w.status = StatusConsolidating
	case agent.ReportConsolidated:
		w.status = StatusBridged
		w.earnings = new(big.Int)
		metrics.ObserveSweep(sweepResult(r.Balance))
		logger.Audit().Info("钱包归集完成",
			slog.String("worker", w.name),
			slog.String("address", w.address),
			slog.String("hash", r.Hash),
			slog.String("amount_raw", rawString(r.Balance)))
	case agent.ReportConsolidationFailed:
		w.status = StatusBridgeError
		metrics.ObserveSweep("failed")
		balance := r.Balance
		if balance == nil || balance.Sign() <= 0 {
			balance = w.earnings
		}
		if balance != nil && balance.Sign() > 0 {
			entry = &store.RescueEntry{
				WorkerName: w.name,
				Address:    w.address,
				Seed:       w.seed,
				Balance:    balance.String(),
			}
		}
	case agent.ReportExited:
		if w.status != StatusBridged {
			w.status = StatusStopped
		}
		if r.Balance != nil && w.status != StatusBridged {
			w.earnings = new(big.Int).Set(r.Balance)
		}
	}
	w.updatedAt = s.now()
	s.appendLogLocked(w, r)
	status := w.status
	address := w.address
	counts := s.countsLocked()
	s.mu.Unlock()

	metrics.SetWorkerCounts(counts)

	if session != nil {
		if err := s.repo.SaveSession(ctx, *session); err != nil {
			s.logger.Error("保存会话失败", slog.String("worker", r.Worker), slog.Any("error", err))
		}
	}
	if r.Type == agent.ReportConsolidationFailed {
		s.alert(ctx, r.Worker, xerrors.CodeConsolidation, r.Err, map[string]string{"address": address})
	}
	if entry != nil {
		if _, err := s.ledger.Record(ctx, *entry); err != nil {
			s.logger.Error("写入救援账本失败", slog.String("worker", r.Worker), slog.Any("error", err))
		}
	}
	if status != prev {
		ev := events.New(events.KindStatus, r.Worker, string(r.Type))
		ev.Status = string(status)
		s.publish(ctx, ev)
	}
	if r.Type == agent.ReportLog && r.Message != "" {
		s.publish(ctx, events.New(events.KindLog, r.Worker, r.Message))
	}
}

func (s *Supervisor) appendLogLocked(w *worker, r agent.Report) {
	line := fmt.Sprintf("%s [%s]", r.At.UTC().Format(time.RFC3339), r.Type)
	switch {
	case r.Message != "":
		line += " " + r.Message
	case r.Hash != "":
		line += " " + r.Hash
	case r.Balance != nil:
		line += " " + nano.FormatNano(r.Balance)
	}
	w.logs.Add(line)
}

func (s *Supervisor) countsLocked() map[string]int {
	counts := make(map[string]int)
	for _, w := range s.workers {
		counts[string(w.status)]++
	}
	return counts
}

func (s *Supervisor) publish(ctx context.Context, ev events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("发布运维事件失败", slog.String("kind", string(ev.Kind)), slog.Any("error", err))
	}
}

func (s *Supervisor) alert(ctx context.Context, worker string, code xerrors.Code, cause error, metadata map[string]string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, alerting.FromError(worker, code, cause, metadata)); err != nil {
		s.logger.Warn("发送告警失败", slog.Any("error", err))
	}
}

// Flush 将内存中的收益写回账户表。
func (s *Supervisor) Flush(ctx context.Context) error {
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for i := range accounts {
		w, ok := s.workers[accounts[i].Name]
		if !ok {
			continue
		}
		accounts[i].Earnings = rawString(w.earnings)
		if w.address != "" {
			accounts[i].WalletAddress = w.address
		}
		accounts[i].UpdatedAt = w.updatedAt.UTC()
	}
	s.mu.Unlock()
	if len(accounts) == 0 {
		return nil
	}
	return s.repo.SaveAccounts(ctx, accounts)
}

// Status 返回按名称排序的全部工作者快照。
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, WorkerStatus{
			Name:      w.name,
			Address:   w.address,
			Status:    w.status,
			Earnings:  rawString(w.earnings),
			Running:   w.running(),
			UpdatedAt: w.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Logs 返回工作者最近的日志行。
func (s *Supervisor) Logs(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, workerNotFound(name)
	}
	return w.logs.Lines(), nil
}

func workerNotFound(name string) error {
	return xerrors.New(xerrors.CodeWorkerNotFound, fmt.Sprintf("工作者 %s 不存在", name),
		xerrors.WithMetadata("worker", name))
}

func rawString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func sweepResult(swept *big.Int) string {
	if swept == nil || swept.Sign() == 0 {
		return "empty"
	}
	return "success"
}

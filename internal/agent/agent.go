package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Ademola21/nano-automation-suite/internal/consolidate"
	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/internal/rpc"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

// Ledger is the read side of the node an agent needs to compute the
// receivable balance. rpc.Actions satisfies it.
type Ledger interface {
	Pending(ctx context.Context, account string, count int, threshold string) ([]rpc.PendingTransfer, error)
	AccountInfo(ctx context.Context, account string) (rpc.AccountInfo, error)
}

// Config 描述单个 agent 的运行参数。
type Config struct {
	Name          string
	WalletSeed    string
	Resume        *Session
	MasterAddress string
	AutoSweep     bool
	Threshold     *big.Int
	WebsocketURL  string

	PingInterval    time.Duration
	PollInterval    time.Duration
	ReconnectDelay  time.Duration
	RetryDelay      time.Duration
	FailureCooldown time.Duration
	MaxJitter       time.Duration
	ReportTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = 5 * time.Minute
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 5 * time.Second
	}
	if c.Threshold == nil {
		c.Threshold = new(big.Int)
	}
}

// Option 定制 Agent。
type Option func(*Agent)

// WithDialer 替换 websocket 拨号器。
func WithDialer(d *websocket.Dialer) Option {
	return func(a *Agent) {
		if d != nil {
			a.dialer = d
		}
	}
}

// WithLogger 设置 agent 日志。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// Agent 是一个存款钱包监视者。Run 之外的方法只有 Send 与 Name 可以并发调用。
type Agent struct {
	cfg     Config
	key     *nano.Key
	address string
	token   string

	ledger  Ledger
	engine  consolidate.Consolidator
	dialer  *websocket.Dialer
	reports chan<- Report
	cmds    chan Command
	logger  *slog.Logger
	now     func() time.Time

	balance       *big.Int
	cooldownUntil time.Time
}

// New 创建 agent。reports 由 supervisor 持续消费。
func New(cfg Config, ledger Ledger, engine consolidate.Consolidator, reports chan<- Report, opts ...Option) (*Agent, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent 名称不能为空")
	}
	if ledger == nil || engine == nil || reports == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent 依赖不完整")
	}
	cfg.applyDefaults()

	seed := cfg.WalletSeed
	if seed == "" && cfg.Resume != nil {
		seed = cfg.Resume.WalletSeed
	}
	key, err := nano.DeriveKey(seed, 0)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "钱包种子无效",
			xerrors.WithMetadata("worker", cfg.Name))
	}
	cfg.WalletSeed = seed

	a := &Agent{
		cfg:     cfg,
		key:     key,
		address: key.Address(),
		token:   uuid.NewString(),
		ledger:  ledger,
		engine:  engine,
		dialer:  websocket.DefaultDialer,
		reports: reports,
		cmds:    make(chan Command, 4),
		logger:  logger.Worker("agent", cfg.Name),
		now:     time.Now,
		balance: new(big.Int),
	}
	if r := cfg.Resume; r != nil {
		if r.Token != "" {
			a.token = r.Token
		}
		if r.Earnings != nil {
			a.balance = new(big.Int).Set(r.Earnings)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Name 实现 Runner。
func (a *Agent) Name() string { return a.cfg.Name }

// Address 返回被监视的钱包地址。
func (a *Agent) Address() string { return a.address }

// Send 非阻塞地投递指令，队列已满时返回 false。
func (a *Agent) Send(cmd Command) bool {
	select {
	case a.cmds <- cmd:
		return true
	default:
		return false
	}
}

type outcome int

const (
	outcomeReconnect outcome = iota
	outcomeSweep
	outcomeWithdraw
	outcomeFinalSweep
	outcomeHalt
)

// Run 驱动状态机直到 halt 指令或 ctx 结束。返回前总会上报 exited。
func (a *Agent) Run(ctx context.Context) (err error) {
	defer func() {
		a.emit(Report{Type: ReportExited, Balance: clone(a.balance), Err: err})
	}()

	a.emit(Report{Type: ReportSessionInfo, Session: &Session{
		Token:         a.token,
		WalletSeed:    a.cfg.WalletSeed,
		WalletAddress: a.address,
		Earnings:      clone(a.balance),
	}})
	a.logger.Info("agent 已启动", slog.String("address", a.address))

	state := StateConnecting
	final := false
	var conn *nodeConn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		switch state {
		case StateHalted:
			a.logger.Info("agent 已停止")
			return nil

		case StateConnecting:
			if ctx.Err() != nil {
				state = StateHalted
				continue
			}
			c, err := a.connect(ctx)
			if err != nil {
				a.logger.Warn("连接节点失败，稍后重试", slog.Any("error", err))
				a.emit(Report{Type: ReportReconnecting, Message: err.Error(), Err: err})
				state, final = a.next(a.wait(ctx, a.cfg.ReconnectDelay), StateConnecting)
				continue
			}
			conn = c
			state = StateWatching

		case StateWatching:
			out := a.watch(ctx, conn)
			if conn != nil {
				conn.Close()
				conn = nil
			}
			if out == outcomeReconnect {
				a.emit(Report{Type: ReportReconnecting, Message: "connection recycled"})
			}
			state, final = a.next(out, StateConnecting)

		case StateSweeping:
			a.sweep(ctx)
			if final {
				state = StateHalted
			} else {
				state = StateConnecting
			}
		}
	}
}

// next maps a loop outcome to the following state. fallback applies when
// nothing interrupted the previous step.
func (a *Agent) next(out outcome, fallback State) (State, bool) {
	switch out {
	case outcomeSweep, outcomeWithdraw:
		return StateSweeping, false
	case outcomeFinalSweep:
		return StateSweeping, true
	case outcomeHalt:
		return StateHalted, false
	default:
		return fallback, false
	}
}

func (a *Agent) commandOutcome(cmd Command) outcome {
	a.logger.Info("收到控制指令", slog.String("command", string(cmd.Type)))
	switch cmd.Type {
	case CommandWithdraw:
		return outcomeWithdraw
	case CommandStopAndSweep:
		return outcomeFinalSweep
	case CommandHalt:
		return outcomeHalt
	default:
		a.logger.Warn("忽略未知指令", slog.String("command", string(cmd.Type)))
		return outcomeReconnect
	}
}

// wait pauses d while still honouring commands and cancellation.
func (a *Agent) wait(ctx context.Context, d time.Duration) outcome {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return outcomeHalt
	case cmd := <-a.cmds:
		return a.commandOutcome(cmd)
	case <-timer.C:
		return outcomeReconnect
	}
}

// connect refreshes the receivable balance and, when configured, opens the
// node websocket subscribed to confirmations for this wallet.
func (a *Agent) connect(ctx context.Context) (*nodeConn, error) {
	balance, err := a.receivable(ctx)
	if err != nil {
		return nil, err
	}
	a.setBalance(balance)
	if a.cfg.WebsocketURL == "" {
		return nil, nil
	}
	return dialNode(ctx, a.dialer, a.cfg.WebsocketURL, a.address)
}

func (a *Agent) receivable(ctx context.Context) (*big.Int, error) {
	total := new(big.Int)
	info, err := a.ledger.AccountInfo(ctx, a.address)
	switch {
	case errors.Is(err, rpc.ErrAccountNotFound):
	case err != nil:
		return nil, fmt.Errorf("查询账户余额失败: %w", err)
	default:
		total.Add(total, info.Balance)
	}
	pending, err := a.ledger.Pending(ctx, a.address, 10, "1")
	if err != nil {
		return nil, fmt.Errorf("查询待入账转账失败: %w", err)
	}
	for _, p := range pending {
		total.Add(total, p.Amount)
	}
	return total, nil
}

func (a *Agent) setBalance(v *big.Int) {
	if a.balance.Cmp(v) == 0 {
		return
	}
	a.balance = new(big.Int).Set(v)
	a.emit(Report{Type: ReportBalance, Balance: clone(a.balance)})
}

// watch follows the wallet until a sweep is due, a command arrives or the
// connection is lost. conn is nil in polling mode.
func (a *Agent) watch(ctx context.Context, conn *nodeConn) outcome {
	tick := a.cfg.PollInterval
	var messages <-chan []byte
	var readErrs <-chan error
	if conn != nil {
		tick = a.cfg.PingInterval
		messages = conn.messages
		readErrs = conn.errs
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var jitter <-chan time.Time
	var jitterTimer *time.Timer
	defer func() {
		if jitterTimer != nil {
			jitterTimer.Stop()
		}
	}()
	arm := func() {
		if jitter != nil || !a.shouldSweep() {
			return
		}
		d := a.jitterDelay()
		a.logger.Info("余额达到归集阈值", slog.String("balance", nano.FormatNano(a.balance)), slog.Duration("jitter", d))
		jitterTimer = time.NewTimer(d)
		jitter = jitterTimer.C
	}
	arm()

	lastSeen := a.now()
	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return outcomeHalt
		case cmd := <-a.cmds:
			return a.commandOutcome(cmd)
		case <-jitter:
			return outcomeSweep
		case err := <-readErrs:
			a.logger.Warn("节点连接中断", slog.Any("error", err))
			return outcomeReconnect
		case msg := <-messages:
			lastSeen = a.now()
			hash, amount, ok := parseConfirmation(msg, a.address)
			if !ok {
				continue
			}
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}
			a.setBalance(new(big.Int).Add(a.balance, amount))
			a.logger.Info("确认到入账", slog.String("hash", hash), slog.String("amount", nano.FormatNano(amount)))
			arm()
		case <-ticker.C:
			if conn == nil {
				balance, err := a.receivable(ctx)
				if err != nil {
					a.logger.Warn("轮询余额失败", slog.Any("error", err))
					return outcomeReconnect
				}
				a.setBalance(balance)
			} else {
				if a.now().Sub(lastSeen) > 2*a.cfg.PingInterval {
					a.logger.Warn("节点心跳超时")
					return outcomeReconnect
				}
				if err := conn.ping(); err != nil {
					a.logger.Warn("发送心跳失败", slog.Any("error", err))
					return outcomeReconnect
				}
			}
			arm()
		}
	}
}

func (a *Agent) shouldSweep() bool {
	if !a.cfg.AutoSweep || a.cfg.MasterAddress == "" {
		return false
	}
	if a.balance.Sign() <= 0 || a.balance.Cmp(a.cfg.Threshold) < 0 {
		return false
	}
	return !a.now().Before(a.cooldownUntil)
}

func (a *Agent) jitterDelay() time.Duration {
	if a.cfg.MaxJitter <= 0 {
		return 0
	}
	return rand.N(a.cfg.MaxJitter)
}

// sweep runs the consolidation engine on a context detached from
// cancellation so a submitted block is never abandoned mid-flight. A failed
// attempt is retried once before the failure cooldown starts.
func (a *Agent) sweep(ctx context.Context) {
	if a.cfg.MasterAddress == "" {
		a.logger.Warn("未配置主钱包地址，跳过归集")
		a.emit(Report{Type: ReportLog, Message: "sweep skipped: no master address"})
		return
	}
	a.emit(Report{Type: ReportConsolidationStarted, Balance: clone(a.balance)})
	sweepCtx := context.WithoutCancel(ctx)

	res, err := a.engine.Consolidate(sweepCtx, a.cfg.WalletSeed, a.cfg.MasterAddress)
	if err != nil {
		a.logger.Warn("归集失败，准备重试", slog.Any("error", err), slog.Duration("delay", a.cfg.RetryDelay))
		time.Sleep(a.cfg.RetryDelay)
		res, err = a.engine.Consolidate(sweepCtx, a.cfg.WalletSeed, a.cfg.MasterAddress)
	}
	if err != nil {
		last := clone(a.balance)
		if res.Balance != nil && res.Balance.Sign() > 0 {
			last = clone(res.Balance)
		}
		a.cooldownUntil = a.now().Add(a.cfg.FailureCooldown)
		a.logger.Error("归集失败，进入冷却", slog.Any("error", err), slog.Time("cooldown_until", a.cooldownUntil))
		a.emit(Report{Type: ReportConsolidationFailed, Balance: last, Err: err, Message: err.Error()})
		return
	}
	a.balance = new(big.Int)
	swept := res.Swept
	if swept == nil {
		swept = new(big.Int)
	}
	a.emit(Report{Type: ReportConsolidated, Hash: res.SweepHash, Balance: clone(swept)})
}

// emit delivers a report, dropping it if the supervisor stops draining.
func (a *Agent) emit(r Report) {
	r.Worker = a.cfg.Name
	if r.At.IsZero() {
		r.At = a.now()
	}
	timer := time.NewTimer(a.cfg.ReportTimeout)
	defer timer.Stop()
	select {
	case a.reports <- r:
	case <-timer.C:
		a.logger.Warn("上报通道阻塞，丢弃状态", slog.String("type", string(r.Type)))
	}
}

func clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

var _ Runner = (*Agent)(nil)

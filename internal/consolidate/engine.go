// Package consolidate moves everything a deposit wallet holds into a single
// destination account: it receives pending transfers and then sends the full
// balance.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/internal/rpc"
	"github.com/Ademola21/nano-automation-suite/internal/work"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

// Node is the subset of node actions consolidation uses. rpc.Actions
// satisfies it.
type Node interface {
	Pending(ctx context.Context, account string, count int, threshold string) ([]rpc.PendingTransfer, error)
	AccountInfo(ctx context.Context, account string) (rpc.AccountInfo, error)
	Process(ctx context.Context, subtype string, block *nano.StateBlock) (string, error)
}

// Consolidator is the engine contract used by agents and the supervisor.
type Consolidator interface {
	Consolidate(ctx context.Context, seed, destination string) (Result, error)
}

// Receipt describes one pending transfer that was received.
type Receipt struct {
	Source    string
	Amount    *big.Int
	BlockHash string
}

// Result summarises one consolidation run. Balance is the last balance the
// engine observed and is meaningful even when the run failed.
type Result struct {
	Address   string
	Received  []Receipt
	Balance   *big.Int
	SweepHash string
	Swept     *big.Int
}

const (
	// DefaultPendingAttempts bounds the pending polls per run.
	DefaultPendingAttempts = 8
	// DefaultSettleDelay is the pause after each processed receive.
	DefaultSettleDelay = 2 * time.Second

	pendingCount     = 10
	pendingThreshold = "1"
)

// DefaultPendingWait waits 10s after the first three empty polls and 15s
// after later ones.
func DefaultPendingWait(attempt int) time.Duration {
	if attempt <= 3 {
		return 10 * time.Second
	}
	return 15 * time.Second
}

// Engine runs consolidations against a node and a work provider. It keeps no
// per-run state and may be shared by many agents.
type Engine struct {
	node            Node
	work            work.Provider
	pendingAttempts int
	pendingWait     func(attempt int) time.Duration
	settleDelay     time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
	logger          *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithPendingAttempts overrides the number of pending polls.
func WithPendingAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pendingAttempts = n
		}
	}
}

// WithPendingWait overrides the wait between empty pending polls.
func WithPendingWait(fn func(attempt int) time.Duration) Option {
	return func(e *Engine) {
		if fn != nil {
			e.pendingWait = fn
		}
	}
}

// WithSettleDelay overrides the pause after each receive.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.settleDelay = d
		}
	}
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine.
func NewEngine(node Node, provider work.Provider, opts ...Option) *Engine {
	e := &Engine{
		node:            node,
		work:            provider,
		pendingAttempts: DefaultPendingAttempts,
		pendingWait:     DefaultPendingWait,
		settleDelay:     DefaultSettleDelay,
		sleep:           work.Sleep,
		logger:          logger.Named("consolidate"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Consolidate receives every pending transfer for the wallet at index 0 of
// seed and then sends the whole balance to destination. A zero balance after
// receiving is a successful no-op.
func (e *Engine) Consolidate(ctx context.Context, seed, destination string) (Result, error) {
	res := Result{Balance: new(big.Int), Swept: new(big.Int)}

	key, err := nano.DeriveKey(seed, 0)
	if err != nil {
		return res, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "钱包种子无效")
	}
	dest, err := nano.NormalizeAddress(destination)
	if err != nil {
		return res, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "目标地址无效",
			xerrors.WithMetadata("destination", destination))
	}
	link, err := nano.LinkForAccount(dest)
	if err != nil {
		return res, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "目标地址无效")
	}
	address := key.Address()
	res.Address = address
	log := e.logger.With(slog.String("account", address))

	pending, err := e.drainPending(ctx, log, address)
	if err != nil {
		return res, err
	}

	for _, transfer := range pending {
		receipt, balance, err := e.receive(ctx, key, transfer)
		if balance != nil {
			res.Balance = balance
		}
		if err != nil {
			return res, err
		}
		res.Received = append(res.Received, receipt)
		log.Info("已接收待入账转账",
			slog.String("source", transfer.Hash),
			slog.String("amount", nano.FormatNano(transfer.Amount)))
		if err := e.sleep(ctx, e.settleDelay); err != nil {
			return res, err
		}
	}

	info, err := e.node.AccountInfo(ctx, address)
	switch {
	case errors.Is(err, rpc.ErrAccountNotFound):
		log.Info("账户未开通，无余额可归集")
		return res, nil
	case err != nil:
		return res, consolidationError(err, "查询账户余额失败", address)
	}
	res.Balance = info.Balance
	if info.Balance.Sign() <= 0 {
		log.Info("余额为零，无需归集")
		return res, nil
	}

	stamp, err := e.work.Generate(ctx, info.Frontier, nano.SubtypeSend)
	if err != nil {
		return res, err
	}
	block := &nano.StateBlock{
		Account:        address,
		Previous:       info.Frontier,
		Representative: address,
		Balance:        new(big.Int),
		Link:           link,
		Work:           stamp,
	}
	if err := block.Sign(key); err != nil {
		return res, consolidationError(err, "签名发送区块失败", address)
	}
	hash, err := e.node.Process(ctx, nano.SubtypeSend, block)
	if err != nil {
		return res, consolidationError(err, "提交发送区块失败", address)
	}
	res.SweepHash = hash
	res.Swept = new(big.Int).Set(info.Balance)
	log.Info("归集完成",
		slog.String("destination", dest),
		slog.String("amount", nano.FormatNano(info.Balance)),
		slog.String("hash", hash))
	return res, nil
}

func (e *Engine) drainPending(ctx context.Context, log *slog.Logger, address string) ([]rpc.PendingTransfer, error) {
	for attempt := 1; attempt <= e.pendingAttempts; attempt++ {
		pending, err := e.node.Pending(ctx, address, pendingCount, pendingThreshold)
		if err != nil {
			return nil, consolidationError(err, "查询待入账转账失败", address)
		}
		if len(pending) > 0 {
			log.Info("发现待入账转账", slog.Int("count", len(pending)), slog.Int("attempt", attempt))
			return pending, nil
		}
		if attempt < e.pendingAttempts {
			wait := e.pendingWait(attempt)
			log.Debug("暂无待入账转账，等待确认",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", e.pendingAttempts),
				slog.Duration("wait", wait))
			if err := e.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// receive publishes one receive block. The returned balance is the account
// balance before the receive, known once account_info answered.
func (e *Engine) receive(ctx context.Context, key *nano.Key, transfer rpc.PendingTransfer) (Receipt, *big.Int, error) {
	address := key.Address()
	receipt := Receipt{Source: transfer.Hash, Amount: transfer.Amount}

	previous := nano.ZeroHash
	root := key.PublicKeyHex()
	balance := new(big.Int)
	subtype := nano.SubtypeOpen

	info, err := e.node.AccountInfo(ctx, address)
	switch {
	case errors.Is(err, rpc.ErrAccountNotFound):
	case err != nil:
		return receipt, nil, consolidationError(err, "查询账户信息失败", address)
	default:
		previous = info.Frontier
		root = info.Frontier
		balance = info.Balance
		subtype = nano.SubtypeReceive
	}

	newBalance := AddRaw(balance, transfer.Amount)
	stamp, err := e.work.Generate(ctx, root, nano.SubtypeReceive)
	if err != nil {
		return receipt, balance, err
	}
	block := &nano.StateBlock{
		Account:        address,
		Previous:       previous,
		Representative: address,
		Balance:        newBalance,
		Link:           transfer.Hash,
		Work:           stamp,
	}
	if err := block.Sign(key); err != nil {
		return receipt, balance, consolidationError(err, "签名接收区块失败", address)
	}
	hash, err := e.node.Process(ctx, subtype, block)
	if err != nil {
		return receipt, balance, consolidationError(err, "提交接收区块失败", address)
	}
	receipt.BlockHash = hash
	return receipt, newBalance, nil
}

// AddRaw returns a+b without mutating either operand.
func AddRaw(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a != nil {
		out.Set(a)
	}
	if b != nil {
		out.Add(out, b)
	}
	return out
}

func consolidationError(err error, msg, address string) error {
	return xerrors.Wrap(xerrors.CodeConsolidation, err, fmt.Sprintf("%s (%s)", msg, address),
		xerrors.WithMetadata("account", address))
}

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/Ademola21/nano-automation-suite/internal/agent"
	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/events"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/internal/observability/metrics"
	"github.com/Ademola21/nano-automation-suite/internal/store"
	"github.com/Ademola21/nano-automation-suite/internal/work"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

// FleetOptions 描述一次舰队启动。
type FleetOptions struct {
	Size          int
	AutoSweep     bool
	Threshold     *big.Int
	MasterAddress string
}

// SweepOutcome 是一次带外归集的结果。
type SweepOutcome struct {
	Worker  string `json:"worker"`
	Address string `json:"address"`
	Hash    string `json:"hash,omitempty"`
	Swept   string `json:"swept_raw"`
	Error   string `json:"error,omitempty"`
}

// StartFleet 补齐账户到 Size 个，停止正在运行的 agent，然后错峰启动新一轮 agent。
// 启动在后台进行，返回值为本轮的工作者数量。
func (s *Supervisor) StartFleet(ctx context.Context, opts FleetOptions) (int, error) {
	if opts.Size <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "舰队规模必须大于 0")
	}
	master := ""
	if strings.TrimSpace(opts.MasterAddress) != "" {
		normalized, err := nano.NormalizeAddress(strings.TrimSpace(opts.MasterAddress))
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "主钱包地址无效")
		}
		master = normalized
	}
	if opts.AutoSweep && master == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "开启自动归集时必须提供主钱包地址")
	}
	threshold := new(big.Int)
	if opts.Threshold != nil {
		threshold.Set(opts.Threshold)
	}

	s.fleetMu.Lock()
	defer s.fleetMu.Unlock()

	accounts, err := s.ensureAccounts(ctx, opts.Size)
	if err != nil {
		return 0, err
	}
	sessions, err := s.repo.LoadSessions(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.repo.SaveSettings(ctx, store.Settings{
		MasterAddress:     master,
		AutoSweep:         opts.AutoSweep,
		SweepThresholdRaw: threshold.String(),
		FleetSize:         opts.Size,
	}); err != nil {
		s.logger.Warn("保存舰队设置失败", slog.Any("error", err))
	}

	if err := s.haltLocked(ctx); err != nil {
		return 0, err
	}

	fleetCtx, fleetCancel := context.WithCancel(s.base)
	launchCtx, launchCancel := context.WithCancel(fleetCtx)
	s.fleetCancel = fleetCancel
	s.launchCancel = launchCancel

	s.mu.Lock()
	for _, acct := range accounts {
		w := s.registerLocked(acct)
		w.status = StatusStarting
	}
	s.mu.Unlock()

	s.logger.Info("舰队启动",
		slog.Int("size", len(accounts)),
		slog.Bool("auto_sweep", opts.AutoSweep),
		slog.String("threshold", nano.FormatNano(threshold)))

	s.launching.Add(1)
	go func() {
		defer s.launching.Done()
		for i, acct := range accounts {
			if i > 0 && s.cfg.StartInterval > 0 {
				if err := work.Sleep(launchCtx, s.cfg.StartInterval); err != nil {
					s.abandon(accounts[i:])
					return
				}
			}
			if launchCtx.Err() != nil {
				s.abandon(accounts[i:])
				return
			}
			cfg := s.cfg.Agent
			cfg.Name = acct.Name
			cfg.WalletSeed = acct.WalletSeed
			cfg.MasterAddress = master
			cfg.AutoSweep = opts.AutoSweep
			cfg.Threshold = new(big.Int).Set(threshold)
			cfg.Resume = resumeFrom(sessions, acct)
			if err := s.launch(fleetCtx, acct.Name, cfg); err != nil {
				s.logger.Error("启动 agent 失败", slog.String("worker", acct.Name), slog.Any("error", err))
				s.setStatus(fleetCtx, acct.Name, StatusStopped, err.Error())
			}
		}
	}()
	return len(accounts), nil
}

func (s *Supervisor) abandon(accounts []store.Account) {
	for _, acct := range accounts {
		s.setStatus(s.base, acct.Name, StatusStopped, "launch cancelled")
	}
}

// ensureAccounts returns the first size accounts by name, creating and
// persisting new wallets for any that are missing.
func (s *Supervisor) ensureAccounts(ctx context.Context, size int) ([]store.Account, error) {
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	taken := make(map[string]bool, len(accounts))
	for _, acct := range accounts {
		taken[acct.Name] = true
	}

	created := 0
	for len(accounts) < size {
		seed, err := nano.GenerateSeed()
		if err != nil {
			return nil, err
		}
		key, err := nano.DeriveKey(seed, 0)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, store.Account{
			Name:          nextName(taken),
			WalletSeed:    seed,
			WalletAddress: key.Address(),
			Earnings:      "0",
			UpdatedAt:     s.now().UTC(),
		})
		created++
	}
	if created > 0 {
		if err := s.repo.SaveAccounts(ctx, accounts); err != nil {
			return nil, err
		}
		logger.Audit().Info("已创建工作者钱包", slog.Int("created", created), slog.Int("total", len(accounts)))
	}
	return accounts[:size], nil
}

func nextName(taken map[string]bool) string {
	for i := 1; ; i++ {
		name := fmt.Sprintf("worker-%03d", i)
		if !taken[name] {
			taken[name] = true
			return name
		}
	}
}

func resumeFrom(sessions map[string]store.Session, acct store.Account) *agent.Session {
	sess, ok := sessions[acct.Name]
	if !ok || sess.WalletSeed != acct.WalletSeed {
		return nil
	}
	earnings, err := nano.ParseRaw(sess.Earnings)
	if err != nil {
		earnings = new(big.Int)
	}
	return &agent.Session{
		Token:         sess.SessionToken,
		WalletSeed:    sess.WalletSeed,
		WalletAddress: sess.WalletAddress,
		Earnings:      earnings,
	}
}

func (s *Supervisor) launch(fleetCtx context.Context, name string, cfg agent.Config) error {
	runner, err := s.factory(cfg, s.reports)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(fleetCtx)
	done := make(chan struct{})

	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		cancel()
		return workerNotFound(name)
	}
	w.runner = runner
	w.cancel = cancel
	w.done = done
	s.mu.Unlock()

	go s.run(runCtx, name, runner, done)
	return nil
}

// run hosts one agent. A panic is recovered and reported as an exit so the
// rest of the fleet keeps running.
func (s *Supervisor) run(ctx context.Context, name string, runner agent.Runner, done chan struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("agent 异常退出", slog.String("worker", name), slog.Any("panic", p))
			s.deliver(agent.Report{
				Type:    agent.ReportExited,
				Worker:  name,
				Message: fmt.Sprintf("panic: %v", p),
				At:      s.now(),
			})
		}
	}()
	if err := runner.Run(ctx); err != nil {
		s.logger.Warn("agent 退出", slog.String("worker", name), slog.Any("error", err))
	}
}

func (s *Supervisor) deliver(r agent.Report) {
	select {
	case s.reports <- r:
	case <-s.base.Done():
	}
}

func (s *Supervisor) runningDone() []chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chan struct{}
	for _, w := range s.workers {
		if w.running() {
			out = append(out, w.done)
		}
	}
	return out
}

func (s *Supervisor) waitStopped(ctx context.Context, dones []chan struct{}) error {
	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// haltLocked cancels the current fleet and waits for its agents. The caller
// holds fleetMu.
func (s *Supervisor) haltLocked(ctx context.Context) error {
	if s.fleetCancel != nil {
		s.fleetCancel()
	}
	s.launching.Wait()
	return s.waitStopped(ctx, s.runningDone())
}

type target struct {
	name   string
	runner agent.Runner
	cancel context.CancelFunc
}

// StopFleet 停止所有运行中的 agent。sweep 为 true 时逐个下发 stop_and_sweep，
// agent 完成最后一次归集后自行退出。
func (s *Supervisor) StopFleet(ctx context.Context, sweep bool) (int, error) {
	s.fleetMu.Lock()
	defer s.fleetMu.Unlock()

	if s.launchCancel != nil {
		s.launchCancel()
	}
	s.launching.Wait()

	s.mu.Lock()
	var targets []target
	for _, w := range s.workers {
		if w.running() {
			targets = append(targets, target{name: w.name, runner: w.runner, cancel: w.cancel})
		}
	}
	s.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	if !sweep {
		if s.fleetCancel != nil {
			s.fleetCancel()
		}
		for _, t := range targets {
			s.setStatus(ctx, t.name, StatusStopped, "stop")
		}
		return len(targets), nil
	}
	for i, t := range targets {
		if i > 0 && s.cfg.StartInterval > 0 {
			if err := work.Sleep(ctx, s.cfg.StartInterval); err != nil {
				return i, err
			}
		}
		s.requestStop(ctx, t, true)
	}
	return len(targets), nil
}

// StopAgent 停止单个 agent。sweepFirst 时先归集再退出。
func (s *Supervisor) StopAgent(ctx context.Context, name string, sweepFirst bool) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return workerNotFound(name)
	}
	if !w.running() {
		s.mu.Unlock()
		return nil
	}
	t := target{name: w.name, runner: w.runner, cancel: w.cancel}
	s.mu.Unlock()

	s.requestStop(ctx, t, sweepFirst)
	return nil
}

func (s *Supervisor) requestStop(ctx context.Context, t target, sweep bool) {
	if sweep && t.runner.Send(agent.Command{Type: agent.CommandStopAndSweep}) {
		s.setStatus(ctx, t.name, StatusSweeping, "stop_and_sweep")
		return
	}
	t.cancel()
	s.setStatus(ctx, t.name, StatusStopped, "stop")
}

func (s *Supervisor) setStatus(ctx context.Context, name string, status Status, message string) {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	changed := w.status != status
	w.status = status
	w.updatedAt = s.now()
	s.appendLogLocked(w, agent.Report{Type: agent.ReportLog, Message: message, At: w.updatedAt})
	counts := s.countsLocked()
	s.mu.Unlock()

	metrics.SetWorkerCounts(counts)
	if changed {
		ev := events.New(events.KindStatus, name, message)
		ev.Status = string(status)
		s.publish(ctx, ev)
	}
}

// SweepAgent 使用账户种子在带外执行一次归集，与 agent 是否运行无关。
func (s *Supervisor) SweepAgent(ctx context.Context, name, master string) (SweepOutcome, error) {
	dest, err := s.resolveMaster(ctx, master)
	if err != nil {
		return SweepOutcome{Worker: name}, err
	}
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return SweepOutcome{Worker: name}, workerNotFound(name)
	}
	seed, address := w.seed, w.address
	s.mu.Unlock()
	return s.sweepOne(ctx, name, seed, address, dest)
}

// SweepAll 依次归集全部账户。单个失败不会中断后续归集，失败信息记录在结果中。
func (s *Supervisor) SweepAll(ctx context.Context, master string) ([]SweepOutcome, error) {
	dest, err := s.resolveMaster(ctx, master)
	if err != nil {
		return nil, err
	}
	type account struct{ name, seed, address string }
	s.mu.Lock()
	accounts := make([]account, 0, len(s.workers))
	for _, w := range s.workers {
		accounts = append(accounts, account{w.name, w.seed, w.address})
	}
	s.mu.Unlock()
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].name < accounts[j].name })

	outcomes := make([]SweepOutcome, 0, len(accounts))
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out, _ := s.sweepOne(ctx, acct.name, acct.seed, acct.address, dest)
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (s *Supervisor) resolveMaster(ctx context.Context, master string) (string, error) {
	master = strings.TrimSpace(master)
	if master == "" {
		settings, err := s.repo.LoadSettings(ctx)
		if err != nil {
			return "", err
		}
		master = settings.MasterAddress
	}
	if master == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未提供主钱包地址")
	}
	normalized, err := nano.NormalizeAddress(master)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "主钱包地址无效")
	}
	return normalized, nil
}

func (s *Supervisor) sweepOne(ctx context.Context, name, seed, address, dest string) (SweepOutcome, error) {
	res, err := s.engine.Consolidate(ctx, seed, dest)
	if res.Address != "" {
		address = res.Address
	}
	out := SweepOutcome{Worker: name, Address: address, Hash: res.SweepHash, Swept: rawString(res.Swept)}
	if err != nil {
		out.Error = err.Error()
		metrics.ObserveSweep("failed")
		s.setStatus(ctx, name, StatusBridgeError, err.Error())
		s.alert(ctx, name, xerrors.CodeConsolidation, err, map[string]string{"address": address})

		balance := res.Balance
		if balance == nil || balance.Sign() <= 0 {
			s.mu.Lock()
			if w, ok := s.workers[name]; ok {
				balance = new(big.Int).Set(w.earnings)
			}
			s.mu.Unlock()
		}
		if balance != nil && balance.Sign() > 0 {
			if _, recErr := s.ledger.Record(ctx, store.RescueEntry{
				WorkerName: name,
				Address:    address,
				Seed:       seed,
				Balance:    balance.String(),
			}); recErr != nil {
				s.logger.Error("写入救援账本失败", slog.String("worker", name), slog.Any("error", recErr))
			}
		}
		return out, err
	}

	result := sweepResult(res.Swept)
	metrics.ObserveSweep(result)
	if result == "success" {
		s.mu.Lock()
		if w, ok := s.workers[name]; ok {
			w.earnings = new(big.Int)
		}
		s.mu.Unlock()
		s.setStatus(ctx, name, StatusBridged, res.SweepHash)
		logger.Audit().Info("带外归集完成",
			slog.String("worker", name),
			slog.String("address", address),
			slog.String("destination", dest),
			slog.String("hash", res.SweepHash),
			slog.String("amount_raw", out.Swept))
		ev := events.New(events.KindSweep, name, "sweep submitted")
		ev.Fields = map[string]string{"hash": res.SweepHash, "amount": out.Swept}
		s.publish(ctx, ev)
	}
	return out, nil
}

// Package work acquires proof-of-work stamps for state blocks, either from the
// node network or from a local search.
package work

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

// Generator is the node capability remote acquisition needs. rpc.Actions
// satisfies it.
type Generator interface {
	WorkGenerate(ctx context.Context, hash string, timeout time.Duration) (string, error)
}

// Provider returns a work stamp for root that is valid for subtype.
type Provider interface {
	Generate(ctx context.Context, root, subtype string) (string, error)
}

// DefaultTimeouts are the escalating remote attempt timeouts.
func DefaultTimeouts() []time.Duration {
	return []time.Duration{30 * time.Second, 45 * time.Second, 60 * time.Second}
}

// DefaultDelay is the pause between remote attempts.
const DefaultDelay = 3 * time.Second

// Remote asks the nodes for work with a bounded number of attempts.
type Remote struct {
	Generator Generator
	Timeouts  []time.Duration
	Delay     time.Duration
	// Validate checks returned stamps against the subtype threshold.
	Validate bool

	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Generate implements Provider. It makes at most len(Timeouts) attempts and
// pauses Delay between them, never after the last one.
func (r *Remote) Generate(ctx context.Context, root, subtype string) (string, error) {
	timeouts := r.Timeouts
	if len(timeouts) == 0 {
		timeouts = DefaultTimeouts()
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	log := r.Logger
	if log == nil {
		log = logger.Named("work")
	}

	var last error
	for i, timeout := range timeouts {
		stamp, err := r.Generator.WorkGenerate(ctx, root, timeout)
		if err == nil && r.Validate && !nano.ValidateWork(root, stamp, nano.ThresholdFor(subtype)) {
			err = fmt.Errorf("work %s below %s threshold", stamp, subtype)
		}
		if err == nil {
			return stamp, nil
		}
		last = err
		log.Warn("远程工作量生成失败",
			slog.Int("attempt", i+1),
			slog.Int("max_attempts", len(timeouts)),
			slog.Duration("timeout", timeout),
			slog.Any("error", err))
		if i == len(timeouts)-1 {
			break
		}
		if err := sleep(ctx, r.Delay); err != nil {
			return "", err
		}
	}
	return "", xerrors.Wrap(xerrors.CodeWorkGeneration, last,
		fmt.Sprintf("%d 次尝试后仍未获得工作量", len(timeouts)),
		xerrors.WithMetadata("root", root))
}

// Fallback tries the network once and computes locally when that fails.
type Fallback struct {
	Generator Generator
	Timeout   time.Duration
	Workers   int
	Logger    *slog.Logger
}

// Generate implements Provider.
func (f *Fallback) Generate(ctx context.Context, root, subtype string) (string, error) {
	log := f.Logger
	if log == nil {
		log = logger.Named("work")
	}
	threshold := nano.ThresholdFor(subtype)
	if f.Generator != nil {
		timeout := f.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeouts()[0]
		}
		stamp, err := f.Generator.WorkGenerate(ctx, root, timeout)
		if err == nil && nano.ValidateWork(root, stamp, threshold) {
			return stamp, nil
		}
		log.Info("远程工作量不可用，改用本地计算", slog.Any("error", err))
	}

	started := time.Now()
	stamp, err := nano.ComputeWork(ctx, root, threshold, f.Workers)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeWorkGeneration, err, "本地工作量计算失败")
	}
	log.Debug("本地工作量计算完成", slog.Duration("elapsed", time.Since(started)))
	return stamp, nil
}

// Sleep waits d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

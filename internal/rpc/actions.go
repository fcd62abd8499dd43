package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
)

// ErrAccountNotFound marks an account that has never been opened. Callers
// treat it as a zero balance, not a failure.
var ErrAccountNotFound = xerrors.New(xerrors.CodeAccountNotFound, "account not found")

// PendingTransfer is an incoming send not yet received.
type PendingTransfer struct {
	Hash   string
	Amount *big.Int
}

// AccountInfo holds the fields of account_info the engine needs.
type AccountInfo struct {
	Frontier string
	Balance  *big.Int
}

// Actions wraps a Caller with typed helpers for the node actions in use.
type Actions struct {
	Caller  Caller
	Timeout time.Duration
}

// Pending lists incoming transfers for account. Node order is preserved as
// returned; it is not guaranteed to be deterministic.
func (a Actions) Pending(ctx context.Context, account string, count int, threshold string) ([]PendingTransfer, error) {
	raw, err := a.Caller.Broadcast(ctx, "pending", map[string]any{
		"account":   account,
		"count":     fmt.Sprint(count),
		"threshold": threshold,
	}, a.Timeout)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Blocks json.RawMessage `json:"blocks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode pending: %w", err)
	}
	return decodePendingBlocks(resp.Blocks)
}

func decodePendingBlocks(raw json.RawMessage) ([]PendingTransfer, error) {
	trimmed := strings.TrimSpace(string(raw))
	// Nodes answer with "" rather than {} when nothing is pending.
	if trimmed == "" || trimmed == `""` || trimmed == "null" {
		return nil, nil
	}
	var blocks map[string]json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("decode pending blocks: %w", err)
	}
	out := make([]PendingTransfer, 0, len(blocks))
	for hash, value := range blocks {
		amount, err := decodeAmount(value)
		if err != nil {
			return nil, fmt.Errorf("pending %s: %w", hash, err)
		}
		out = append(out, PendingTransfer{Hash: strings.ToUpper(hash), Amount: amount})
	}
	return out, nil
}

// decodeAmount accepts both "amount" strings and {"amount": "..."} objects
// returned when a source flag is set.
func decodeAmount(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nano.ParseRaw(s)
	}
	var obj struct {
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return nano.ParseRaw(obj.Amount)
}

// AccountInfo returns the frontier and balance of account. An unopened
// account yields ErrAccountNotFound.
func (a Actions) AccountInfo(ctx context.Context, account string) (AccountInfo, error) {
	raw, err := a.Caller.Broadcast(ctx, "account_info", map[string]any{"account": account}, a.Timeout)
	if err != nil {
		if isAccountNotFound(err) {
			return AccountInfo{}, ErrAccountNotFound
		}
		return AccountInfo{}, err
	}
	var resp struct {
		Frontier string `json:"frontier"`
		Balance  string `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return AccountInfo{}, fmt.Errorf("decode account_info: %w", err)
	}
	balance, err := nano.ParseRaw(resp.Balance)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{Frontier: strings.ToUpper(resp.Frontier), Balance: balance}, nil
}

// isAccountNotFound reports whether the last failure was the node saying the
// account is unopened. Timeouts or transport failures never match.
func isAccountNotFound(err error) bool {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return false
	}
	return strings.Contains(strings.ToLower(nodeErr.Message), "account not found")
}

// WorkGenerate asks the nodes for a work stamp on hash with the given timeout.
func (a Actions) WorkGenerate(ctx context.Context, hash string, timeout time.Duration) (string, error) {
	raw, err := a.Caller.Broadcast(ctx, "work_generate", map[string]any{"hash": hash}, timeout)
	if err != nil {
		return "", err
	}
	var resp struct {
		Work string `json:"work"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode work_generate: %w", err)
	}
	if resp.Work == "" {
		return "", errors.New("work_generate returned no work")
	}
	return resp.Work, nil
}

// Process submits a signed block and returns its hash.
func (a Actions) Process(ctx context.Context, subtype string, block *nano.StateBlock) (string, error) {
	raw, err := a.Caller.Broadcast(ctx, "process", map[string]any{
		"json_block": "true",
		"subtype":    subtype,
		"block":      block.JSON(),
	}, a.Timeout)
	if err != nil {
		return "", err
	}
	var resp struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode process: %w", err)
	}
	if resp.Hash == "" {
		return "", errors.New("process returned no hash")
	}
	return resp.Hash, nil
}

// BlockCount is a cheap liveness probe.
func (a Actions) BlockCount(ctx context.Context) (string, error) {
	raw, err := a.Caller.Broadcast(ctx, "block_count", nil, a.Timeout)
	if err != nil {
		return "", err
	}
	var resp struct {
		Count string `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode block_count: %w", err)
	}
	return resp.Count, nil
}

// Package rpc talks to a prioritized list of redundant Nano node RPC
// endpoints. Each call walks the list in order and returns the first valid
// response; retry policy beyond the list belongs to callers.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/observability/metrics"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

// DefaultTimeout applies when a caller passes a zero timeout.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 4 << 20

// NodeError is an error field embedded in an otherwise valid node response.
type NodeError struct {
	Endpoint string
	Message  string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: node error: %s", e.Endpoint, e.Message)
}

// EndpointsError is returned when every endpoint failed for one action.
type EndpointsError struct {
	Action   string
	Attempts int
	Last     error
}

func (e *EndpointsError) Error() string {
	return fmt.Sprintf("all %d rpc endpoints failed for %s: %v", e.Attempts, e.Action, e.Last)
}

func (e *EndpointsError) Unwrap() error { return e.Last }

// Caller is the broadcast contract consumed by work acquisition and the
// consolidation engine.
type Caller interface {
	Broadcast(ctx context.Context, action string, payload map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// Client broadcasts node actions over HTTP POST. It holds no per-call state
// and is safe for concurrent use.
type Client struct {
	endpoints []string
	http      *http.Client
	logger    *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger sets the logger for per-endpoint failures.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// NewClient builds a Client over the ordered endpoint list.
func NewClient(endpoints []string, opts ...Option) (*Client, error) {
	cleaned := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			cleaned = append(cleaned, ep)
		}
	}
	if len(cleaned) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置任何 RPC 节点")
	}
	c := &Client{
		endpoints: cleaned,
		http:      &http.Client{},
		logger:    logger.Named("rpc"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Endpoints returns a copy of the configured endpoint list.
func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// Broadcast sends {action, ...payload} to each endpoint in order and returns
// the first response body that parses as a JSON object without an error field.
func (c *Client) Broadcast(ctx context.Context, action string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["action"] = action
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 RPC 请求失败")
	}

	var last error
	for _, endpoint := range c.endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := c.post(ctx, endpoint, encoded, timeout)
		if err == nil {
			return result, nil
		}
		last = err
		metrics.ObserveEndpointFailure(endpoint, action)
		c.logger.Debug("RPC 节点请求失败",
			slog.String("endpoint", endpoint),
			slog.String("action", action),
			slog.Any("error", err))
	}
	if last == nil {
		last = errors.New("no endpoint attempted")
	}
	return nil, xerrors.Wrap(xerrors.CodeAllEndpointsFailed,
		&EndpointsError{Action: action, Attempts: len(c.endpoints), Last: last},
		fmt.Sprintf("RPC 操作 %s 在所有节点均失败", action),
		xerrors.WithMetadata("action", action))
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", endpoint, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%s: status %d: invalid response: %w", endpoint, resp.StatusCode, err)
	}
	if msg, ok := fields["error"]; ok {
		var text string
		if err := json.Unmarshal(msg, &text); err != nil {
			text = string(msg)
		}
		return nil, &NodeError{Endpoint: endpoint, Message: text}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return raw, nil
}

// Call sends one action to a single endpoint without failover. It is used by
// the health checker to probe nodes individually.
func (c *Client) Call(ctx context.Context, endpoint, action string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["action"] = action
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, endpoint, encoded, timeout)
}

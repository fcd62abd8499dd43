package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ademola21/nano-automation-suite/internal/nano"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// nodeConn wraps a node websocket. Reads happen on a dedicated goroutine;
// writes come only from the agent loop, so they need no extra locking.
type nodeConn struct {
	ws       *websocket.Conn
	messages chan []byte
	errs     chan error
	done     chan struct{}
	once     sync.Once
}

type subscribeRequest struct {
	Action  string           `json:"action"`
	Topic   string           `json:"topic"`
	Ack     bool             `json:"ack"`
	Options subscribeOptions `json:"options"`
}

type subscribeOptions struct {
	Accounts []string `json:"accounts"`
}

func dialNode(ctx context.Context, dialer *websocket.Dialer, url, address string) (*nodeConn, error) {
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit)

	c := &nodeConn{
		ws:       ws,
		messages: make(chan []byte, 16),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	sub := subscribeRequest{
		Action:  "subscribe",
		Topic:   "confirmation",
		Ack:     true,
		Options: subscribeOptions{Accounts: []string{address}},
	}
	if err := c.writeJSON(sub); err != nil {
		ws.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	go c.readLoop()
	return c, nil
}

func (c *nodeConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.errs <- err:
			case <-c.done:
			}
			return
		}
		select {
		case c.messages <- data:
		case <-c.done:
			return
		}
	}
}

func (c *nodeConn) writeJSON(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *nodeConn) ping() error {
	return c.writeJSON(map[string]string{"action": "ping"})
}

// Close stops the reader and closes the socket. It is idempotent.
func (c *nodeConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

type confirmationMessage struct {
	Topic   string `json:"topic"`
	Message struct {
		Hash   string `json:"hash"`
		Amount string `json:"amount"`
		Block  struct {
			Subtype       string `json:"subtype"`
			LinkAsAccount string `json:"link_as_account"`
		} `json:"block"`
	} `json:"message"`
}

// parseConfirmation extracts a confirmed send into address. Acks, pongs,
// the wallet's own blocks and malformed frames yield ok=false.
func parseConfirmation(data []byte, address string) (hash string, amount *big.Int, ok bool) {
	var msg confirmationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, false
	}
	if msg.Topic != "confirmation" || msg.Message.Block.Subtype != nano.SubtypeSend {
		return "", nil, false
	}
	dest, err := nano.NormalizeAddress(msg.Message.Block.LinkAsAccount)
	if err != nil || dest != address {
		return "", nil, false
	}
	value, err := nano.ParseRaw(msg.Message.Amount)
	if err != nil || value.Sign() <= 0 {
		return "", nil, false
	}
	return msg.Message.Hash, value, true
}

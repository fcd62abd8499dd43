package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ademola21/nano-automation-suite/internal/consolidate"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/internal/rpc"
)

const (
	walletSeed = "0000000000000000000000000000000000000000000000000000000000000002"
	masterSeed = "00000000000000000000000000000000000000000000000000000000000000FF"
)

type fakeLedger struct {
	mu      sync.Mutex
	balance *big.Int
	err     error
}

func (l *fakeLedger) set(v int64) {
	l.mu.Lock()
	l.balance = big.NewInt(v)
	l.mu.Unlock()
}

func (l *fakeLedger) AccountInfo(context.Context, string) (rpc.AccountInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return rpc.AccountInfo{}, l.err
	}
	if l.balance == nil || l.balance.Sign() == 0 {
		return rpc.AccountInfo{}, rpc.ErrAccountNotFound
	}
	return rpc.AccountInfo{Frontier: nano.ZeroHash, Balance: new(big.Int).Set(l.balance)}, nil
}

func (l *fakeLedger) Pending(context.Context, string, int, string) ([]rpc.PendingTransfer, error) {
	return nil, nil
}

type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	err    error
	ledger *fakeLedger
}

func (e *fakeEngine) Consolidate(_ context.Context, seed, destination string) (consolidate.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return consolidate.Result{Balance: new(big.Int)}, e.err
	}
	swept := new(big.Int)
	if e.ledger != nil {
		e.ledger.mu.Lock()
		if e.ledger.balance != nil {
			swept.Set(e.ledger.balance)
		}
		e.ledger.balance = new(big.Int)
		e.ledger.mu.Unlock()
	}
	return consolidate.Result{SweepHash: "SWEEPHASH", Swept: swept, Balance: new(big.Int)}, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeNodeSocket accepts agent websocket connections and hands each
// subscribed connection to the test as a socketSession.
type fakeNodeSocket struct {
	srv  *httptest.Server
	subs chan *socketSession
}

type socketSession struct {
	accounts []string
	push     chan []byte
	kick     chan struct{}
}

func newFakeNodeSocket(t *testing.T) *fakeNodeSocket {
	t.Helper()
	n := &fakeNodeSocket{subs: make(chan *socketSession, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sess := &socketSession{push: make(chan []byte, 8), kick: make(chan struct{}, 1)}
		var wmu sync.Mutex
		closed := make(chan struct{})
		defer close(closed)
		go func() {
			for {
				select {
				case <-closed:
					return
				case <-sess.kick:
					conn.Close()
					return
				case frame := <-sess.push:
					wmu.Lock()
					_ = conn.WriteMessage(websocket.TextMessage, frame)
					wmu.Unlock()
				}
			}
		}()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req["action"] {
			case "subscribe":
				opts, _ := req["options"].(map[string]any)
				raw, _ := opts["accounts"].([]any)
				for _, a := range raw {
					sess.accounts = append(sess.accounts, a.(string))
				}
				wmu.Lock()
				_ = conn.WriteJSON(map[string]string{"ack": "subscribe"})
				wmu.Unlock()
				n.subs <- sess
			case "ping":
				wmu.Lock()
				_ = conn.WriteJSON(map[string]string{"ack": "pong"})
				wmu.Unlock()
			}
		}
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNodeSocket) url() string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http")
}

func confirmation(hash, to string, amount int64) []byte {
	frame, _ := json.Marshal(map[string]any{
		"topic": "confirmation",
		"message": map[string]any{
			"hash":   hash,
			"amount": big.NewInt(amount).String(),
			"block": map[string]string{
				"subtype":         "send",
				"link_as_account": to,
			},
		},
	})
	return frame
}

func expectReport(t *testing.T, reports <-chan Report, want ReportType) Report {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-reports:
			if r.Type == want {
				return r
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s report", want)
		}
	}
}

func expectSubscription(t *testing.T, n *fakeNodeSocket, address string) *socketSession {
	t.Helper()
	select {
	case sess := <-n.subs:
		if len(sess.accounts) != 1 || sess.accounts[0] != address {
			t.Fatalf("unexpected subscription %v", sess.accounts)
		}
		return sess
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}
	return nil
}

func masterAddress(t *testing.T) string {
	t.Helper()
	key, err := nano.DeriveKey(masterSeed, 0)
	if err != nil {
		t.Fatalf("derive master: %v", err)
	}
	return key.Address()
}

func startAgent(t *testing.T, cfg Config, ledger Ledger, engine consolidate.Consolidator) (*Agent, chan Report, context.CancelFunc, chan error) {
	t.Helper()
	reports := make(chan Report, 64)
	a, err := New(cfg, ledger, engine, reports)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return a, reports, cancel, done
}

func TestAgentSweepsOnceWhenConfirmationCrossesThreshold(t *testing.T) {
	node := newFakeNodeSocket(t)
	ledger := &fakeLedger{}
	engine := &fakeEngine{ledger: ledger}
	cfg := Config{
		Name:          "worker-001",
		WalletSeed:    walletSeed,
		MasterAddress: masterAddress(t),
		AutoSweep:     true,
		Threshold:     big.NewInt(100),
		WebsocketURL:  node.url(),
		PingInterval:  time.Second,
	}
	a, reports, cancel, done := startAgent(t, cfg, ledger, engine)

	expectReport(t, reports, ReportSessionInfo)
	sess := expectSubscription(t, node, a.Address())

	sess.push <- confirmation("H1", a.Address(), 60)
	sess.push <- confirmation("H1", a.Address(), 60)
	if got := expectReport(t, reports, ReportBalance).Balance; got.Int64() != 60 {
		t.Fatalf("expected balance 60, got %s", got)
	}
	ledger.set(110)
	sess.push <- confirmation("H2", a.Address(), 50)
	if got := expectReport(t, reports, ReportBalance).Balance; got.Int64() != 110 {
		t.Fatalf("duplicate confirmation counted twice: balance %s", got)
	}

	started := expectReport(t, reports, ReportConsolidationStarted)
	if started.Balance.Int64() != 110 {
		t.Fatalf("unexpected sweep balance %s", started.Balance)
	}
	done1 := expectReport(t, reports, ReportConsolidated)
	if done1.Hash != "SWEEPHASH" || done1.Balance.Int64() != 110 {
		t.Fatalf("unexpected consolidated report %+v", done1)
	}

	// The connection is recycled after a sweep.
	sess = expectSubscription(t, node, a.Address())
	sess.push <- confirmation("H3", a.Address(), 10)
	if got := expectReport(t, reports, ReportBalance).Balance; got.Int64() != 10 {
		t.Fatalf("expected balance to restart from zero, got %s", got)
	}

	cancel()
	expectReport(t, reports, ReportExited)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if engine.callCount() != 1 {
		t.Fatalf("expected exactly one sweep, got %d", engine.callCount())
	}
}

func TestAgentCoolsDownAfterFailedSweep(t *testing.T) {
	ledger := &fakeLedger{balance: big.NewInt(500)}
	engine := &fakeEngine{err: errors.New("all endpoints failed")}
	cfg := Config{
		Name:            "worker-002",
		WalletSeed:      walletSeed,
		MasterAddress:   masterAddress(t),
		AutoSweep:       true,
		Threshold:       big.NewInt(100),
		PollInterval:    10 * time.Millisecond,
		RetryDelay:      time.Millisecond,
		FailureCooldown: time.Hour,
	}
	a, reports, _, done := startAgent(t, cfg, ledger, engine)

	expectReport(t, reports, ReportConsolidationStarted)
	failed := expectReport(t, reports, ReportConsolidationFailed)
	if failed.Balance.Int64() != 500 || failed.Err == nil {
		t.Fatalf("expected failure with last balance 500, got %+v", failed)
	}
	if engine.callCount() != 2 {
		t.Fatalf("expected one retry, got %d calls", engine.callCount())
	}

	time.Sleep(100 * time.Millisecond)
	if engine.callCount() != 2 {
		t.Fatalf("sweep attempted during cooldown: %d calls", engine.callCount())
	}

	if !a.Send(Command{Type: CommandHalt}) {
		t.Fatal("halt command rejected")
	}
	expectReport(t, reports, ReportExited)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestAgentStopAndSweepPerformsFinalSweep(t *testing.T) {
	ledger := &fakeLedger{balance: big.NewInt(50)}
	engine := &fakeEngine{ledger: ledger}
	cfg := Config{
		Name:          "worker-003",
		WalletSeed:    walletSeed,
		MasterAddress: masterAddress(t),
		AutoSweep:     true,
		Threshold:     big.NewInt(100),
		PollInterval:  time.Hour,
	}
	a, reports, _, done := startAgent(t, cfg, ledger, engine)
	expectReport(t, reports, ReportBalance)

	a.Send(Command{Type: CommandStopAndSweep})
	expectReport(t, reports, ReportConsolidationStarted)
	swept := expectReport(t, reports, ReportConsolidated)
	if swept.Balance.Int64() != 50 {
		t.Fatalf("expected final sweep of 50, got %s", swept.Balance)
	}
	exited := expectReport(t, reports, ReportExited)
	if exited.Balance.Sign() != 0 {
		t.Fatalf("expected zero balance on exit, got %s", exited.Balance)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if engine.callCount() != 1 {
		t.Fatalf("expected one sweep, got %d", engine.callCount())
	}
}

func TestAgentReconnectsAfterConnectionLoss(t *testing.T) {
	node := newFakeNodeSocket(t)
	cfg := Config{
		Name:           "worker-004",
		WalletSeed:     walletSeed,
		WebsocketURL:   node.url(),
		PingInterval:   time.Second,
		ReconnectDelay: 10 * time.Millisecond,
	}
	a, reports, cancel, done := startAgent(t, cfg, &fakeLedger{}, &fakeEngine{})
	sess := expectSubscription(t, node, a.Address())

	sess.kick <- struct{}{}
	expectReport(t, reports, ReportReconnecting)
	expectSubscription(t, node, a.Address())

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestAgentResumesSession(t *testing.T) {
	resume := &Session{Token: "resume-token", WalletSeed: walletSeed, Earnings: big.NewInt(77)}
	ledger := &fakeLedger{err: errors.New("node offline")}
	cfg := Config{Name: "worker-005", Resume: resume, ReconnectDelay: time.Hour}
	a, reports, cancel, done := startAgent(t, cfg, ledger, &fakeEngine{})

	info := expectReport(t, reports, ReportSessionInfo)
	if info.Session.Token != "resume-token" || info.Session.Earnings.Int64() != 77 {
		t.Fatalf("session not restored: %+v", info.Session)
	}
	if info.Session.WalletAddress != a.Address() || info.Worker != "worker-005" {
		t.Fatalf("unexpected session %+v", info.Session)
	}
	expectReport(t, reports, ReportReconnecting)
	cancel()
	exited := expectReport(t, reports, ReportExited)
	if exited.Balance.Int64() != 77 {
		t.Fatalf("expected last known earnings on exit, got %s", exited.Balance)
	}
	<-done
}

func TestParseConfirmationFilters(t *testing.T) {
	self, _ := nano.DeriveKey(walletSeed, 0)
	other, _ := nano.DeriveKey(masterSeed, 0)

	if _, amount, ok := parseConfirmation(confirmation("A", self.Address(), 5), self.Address()); !ok || amount.Int64() != 5 {
		t.Fatalf("expected incoming send to match, ok=%v", ok)
	}
	if _, _, ok := parseConfirmation(confirmation("B", other.Address(), 5), self.Address()); ok {
		t.Fatal("send to another account must be ignored")
	}
	if _, _, ok := parseConfirmation([]byte(`{"ack":"pong"}`), self.Address()); ok {
		t.Fatal("ack frames must be ignored")
	}
	legacy := "xrb_" + strings.TrimPrefix(self.Address(), "nano_")
	if _, _, ok := parseConfirmation(confirmation("C", legacy, 1), self.Address()); !ok {
		t.Fatal("legacy prefix must be normalised")
	}
}

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
)

type fakeNode struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newFakeNode(t *testing.T, handler func(w http.ResponseWriter, req map[string]any)) *fakeNode {
	t.Helper()
	n := &fakeNode{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.calls.Add(1)
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		handler(w, req)
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func reply(body string) func(http.ResponseWriter, map[string]any) {
	return func(w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func hang(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func TestBroadcastReturnsFirstValidResponse(t *testing.T) {
	failing := newFakeNode(t, reply(`{"error":"Unable to parse JSON"}`))
	good := newFakeNode(t, func(w http.ResponseWriter, req map[string]any) {
		if req["action"] != "block_count" {
			t.Errorf("unexpected action %v", req["action"])
		}
		_, _ = w.Write([]byte(`{"count":"42"}`))
	})
	never := newFakeNode(t, reply(`{"count":"0"}`))

	client, err := NewClient([]string{failing.srv.URL, good.srv.URL, never.srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	raw, err := client.Broadcast(context.Background(), "block_count", nil, time.Second)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if !strings.Contains(string(raw), `"42"`) {
		t.Fatalf("unexpected response %s", raw)
	}
	if failing.calls.Load() != 1 || good.calls.Load() != 1 {
		t.Fatalf("expected one call each to the first two nodes, got %d/%d", failing.calls.Load(), good.calls.Load())
	}
	if never.calls.Load() != 0 {
		t.Fatalf("endpoint after success was contacted %d times", never.calls.Load())
	}
}

func TestBroadcastAggregatesLastFailure(t *testing.T) {
	slow := hang(t)
	garbage := newFakeNode(t, reply(`not json`))
	nodeErr := newFakeNode(t, reply(`{"error":"Account not found"}`))

	client, err := NewClient([]string{slow.srv.URL, garbage.srv.URL, nodeErr.srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Broadcast(context.Background(), "account_info", map[string]any{"account": "nano_x"}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected failure when every endpoint fails")
	}
	if !xerrors.HasCode(err, xerrors.CodeAllEndpointsFailed) {
		t.Fatalf("expected ALL_ENDPOINTS_FAILED, got %v", err)
	}
	var agg *EndpointsError
	if !errors.As(err, &agg) {
		t.Fatalf("expected EndpointsError in chain, got %T", err)
	}
	if agg.Attempts != 3 || agg.Action != "account_info" {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
	var last *NodeError
	if !errors.As(agg.Last, &last) || last.Message != "Account not found" {
		t.Fatalf("expected last failure to be the node error, got %v", agg.Last)
	}
	for i, n := range []*fakeNode{slow, garbage, nodeErr} {
		if n.calls.Load() != 1 {
			t.Fatalf("endpoint %d called %d times, want 1", i, n.calls.Load())
		}
	}
}

func TestAccountInfoDistinguishesUnopened(t *testing.T) {
	unopened := newFakeNode(t, reply(`{"error":"Account not found"}`))
	client, _ := NewClient([]string{unopened.srv.URL})
	actions := Actions{Caller: client, Timeout: time.Second}

	_, err := actions.AccountInfo(context.Background(), "nano_x")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	timeouts := hang(t)
	client, _ = NewClient([]string{timeouts.srv.URL})
	actions = Actions{Caller: client, Timeout: 50 * time.Millisecond}
	_, err = actions.AccountInfo(context.Background(), "nano_x")
	if err == nil || errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("timeouts must not look like an unopened account, got %v", err)
	}
}

func TestPendingDecodesEmptyAndPopulated(t *testing.T) {
	empty := newFakeNode(t, reply(`{"blocks":""}`))
	client, _ := NewClient([]string{empty.srv.URL})
	actions := Actions{Caller: client, Timeout: time.Second}
	got, err := actions.Pending(context.Background(), "nano_x", 10, "1")
	if err != nil {
		t.Fatalf("pending empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no transfers, got %+v", got)
	}

	full := newFakeNode(t, func(w http.ResponseWriter, req map[string]any) {
		if req["count"] != "10" || req["threshold"] != "1" {
			t.Errorf("unexpected pending params %+v", req)
		}
		_, _ = w.Write([]byte(`{"blocks":{"aa11":"1000000000000000000000000000","bb22":{"amount":"5","source":"nano_y"}}}`))
	})
	client, _ = NewClient([]string{full.srv.URL})
	actions = Actions{Caller: client, Timeout: time.Second}
	got, err = actions.Pending(context.Background(), "nano_x", 10, "1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	amounts := map[string]string{}
	for _, p := range got {
		amounts[p.Hash] = p.Amount.String()
	}
	if amounts["AA11"] != "1000000000000000000000000000" || amounts["BB22"] != "5" {
		t.Fatalf("unexpected transfers %+v", amounts)
	}
}

func TestHealthCheckerRecordsStatus(t *testing.T) {
	up := newFakeNode(t, reply(`{"count":"1"}`))
	down := newFakeNode(t, reply(`{"error":"rpc disabled"}`))
	client, _ := NewClient([]string{up.srv.URL, down.srv.URL})

	var rounds atomic.Int32
	checker := NewHealthChecker(client, time.Hour, func([]NodeHealthRecord) { rounds.Add(1) })
	checker.CheckOnce(context.Background())

	snap := checker.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected two records, got %d", len(snap))
	}
	if snap[0].Endpoint != up.srv.URL || snap[0].Status != NodeHealthy {
		t.Fatalf("unexpected first record %+v", snap[0])
	}
	if snap[1].Status != NodeDown || !strings.Contains(snap[1].Error, "rpc disabled") {
		t.Fatalf("unexpected second record %+v", snap[1])
	}
	if rounds.Load() != 1 {
		t.Fatalf("expected one update callback, got %d", rounds.Load())
	}
}

func TestNewClientRequiresEndpoints(t *testing.T) {
	if _, err := NewClient([]string{" ", ""}); err == nil {
		t.Fatal("expected error for empty endpoint list")
	}
}

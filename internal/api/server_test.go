package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/internal/rescue"
	"github.com/Ademola21/nano-automation-suite/internal/rpc"
	"github.com/Ademola21/nano-automation-suite/internal/store"
	"github.com/Ademola21/nano-automation-suite/internal/supervisor"
)

type fakeFleet struct {
	started    []supervisor.FleetOptions
	stopped    []string
	sweepFirst []bool
	masters    []string
}

func (f *fakeFleet) StartFleet(_ context.Context, opts supervisor.FleetOptions) (int, error) {
	if opts.Size <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "size")
	}
	f.started = append(f.started, opts)
	return opts.Size, nil
}

func (f *fakeFleet) StopFleet(context.Context, bool) (int, error) { return 2, nil }

func (f *fakeFleet) StopAgent(_ context.Context, name string, sweepFirst bool) error {
	if name != "worker-001" {
		return xerrors.New(xerrors.CodeWorkerNotFound, "missing")
	}
	f.stopped = append(f.stopped, name)
	f.sweepFirst = append(f.sweepFirst, sweepFirst)
	return nil
}

func (f *fakeFleet) SweepAgent(_ context.Context, name, master string) (supervisor.SweepOutcome, error) {
	f.masters = append(f.masters, master)
	return supervisor.SweepOutcome{Worker: name, Address: "nano_x", Hash: "H", Swept: "5"}, nil
}

func (f *fakeFleet) SweepAll(_ context.Context, master string) ([]supervisor.SweepOutcome, error) {
	f.masters = append(f.masters, master)
	return []supervisor.SweepOutcome{{Worker: "worker-001", Swept: "0"}}, nil
}

func (f *fakeFleet) Status() []supervisor.WorkerStatus {
	return []supervisor.WorkerStatus{{Name: "worker-001", Status: supervisor.StatusRunning, Earnings: "7"}}
}

func (f *fakeFleet) Logs(name string) ([]string, error) {
	if name != "worker-001" {
		return nil, xerrors.New(xerrors.CodeWorkerNotFound, "missing")
	}
	return []string{"line"}, nil
}

type staticNodes []rpc.NodeHealthRecord

func (n staticNodes) Snapshot() []rpc.NodeHealthRecord { return n }

func masterAddress(t *testing.T) string {
	t.Helper()
	key, err := nano.DeriveKey(strings.Repeat("0", 62)+"FF", 0)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return key.Address()
}

func newTestServer(t *testing.T) (*Server, *fakeFleet, *store.Memory, *rescue.Ledger) {
	t.Helper()
	repo := store.NewMemory()
	ledger := rescue.NewLedger(repo)
	fleet := &fakeFleet{}
	nodes := staticNodes{{Endpoint: "http://node", Status: rpc.NodeHealthy, CheckedAt: time.Unix(0, 0)}}
	return NewServer(":0", fleet, ledger, repo, nodes), fleet, repo, ledger
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWorkersAndLogs(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/workers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var workers []supervisor.WorkerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &workers); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(workers) != 1 || workers[0].Earnings != "7" {
		t.Fatalf("unexpected workers: %+v", workers)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/workers/worker-001/logs", ""); rec.Code != http.StatusOK {
		t.Fatalf("logs status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/workers/ghost/logs", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown worker, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/workers", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestFleetStartUsesSavedSettings(t *testing.T) {
	server, fleet, repo, _ := newTestServer(t)
	h := server.Handler()
	master := masterAddress(t)
	if err := repo.SaveSettings(context.Background(), store.Settings{
		MasterAddress:     master,
		AutoSweep:         true,
		SweepThresholdRaw: "1000",
		FleetSize:         4,
	}); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/fleet/start", `{"size":2}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	got := fleet.started[0]
	if got.Size != 2 || !got.AutoSweep || got.MasterAddress != master || got.Threshold.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected fleet options %+v", got)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/fleet/start", `{"threshold_raw":"abc"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad threshold, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/fleet/start", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
}

func TestWorkerStopAndSweep(t *testing.T) {
	server, fleet, _, _ := newTestServer(t)
	h := server.Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/workers/worker-001/stop", `{"sweep_first":true}`); rec.Code != http.StatusAccepted {
		t.Fatalf("stop status %d", rec.Code)
	}
	if len(fleet.sweepFirst) != 1 || !fleet.sweepFirst[0] {
		t.Fatalf("sweep_first not forwarded: %v", fleet.sweepFirst)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/workers/ghost/stop", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/workers/worker-001/sweep", `{"master_address":"xrb_abc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep status %d", rec.Code)
	}
	if fleet.masters[0] != "xrb_abc" {
		t.Fatalf("master not forwarded: %v", fleet.masters)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sweep", ""); rec.Code != http.StatusOK {
		t.Fatalf("sweep all status %d", rec.Code)
	}
}

func TestSettingsRoundTripAndValidation(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	h := server.Handler()
	legacy := "xrb_" + strings.TrimPrefix(masterAddress(t), "nano_")

	body := `{"master_address":"` + legacy + `","auto_sweep":true,"sweep_threshold_raw":"5","fleet_size":3}`
	if rec := do(t, h, http.MethodPut, "/api/v1/settings", body); rec.Code != http.StatusOK {
		t.Fatalf("put settings status %d: %s", rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodGet, "/api/v1/settings", "")
	var got store.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if got.MasterAddress != masterAddress(t) || got.FleetSize != 3 || !got.AutoSweep {
		t.Fatalf("unexpected settings %+v", got)
	}

	if rec := do(t, h, http.MethodPut, "/api/v1/settings", `{"master_address":"nano_bad"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad address, got %d", rec.Code)
	}
}

func TestRescueExportAndClear(t *testing.T) {
	server, _, _, ledger := newTestServer(t)
	h := server.Handler()
	ctx := context.Background()
	if _, err := ledger.Record(ctx, store.RescueEntry{
		WorkerName: "worker-001",
		Address:    "nano_a",
		Seed:       "seed-a",
		Balance:    "12",
		RescuedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/rescue?format=csv", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("unexpected csv response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "worker-001,nano_a,seed-a,12,2024-01-02T03:04:05Z") {
		t.Fatalf("unexpected csv body %q", rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/rescue?format=xml", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/api/v1/rescue", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("clear status %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/rescue", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty ledger, got %q", rec.Body.String())
	}
}

func TestNodesAndMetrics(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/nodes", "")
	var records []rpc.NodeHealthRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(records) != 1 || records[0].Status != rpc.NodeHealthy {
		t.Fatalf("unexpected nodes %+v", records)
	}

	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "nanofleet_http_requests_total") {
		t.Fatalf("metrics endpoint missing request counter")
	}
}

func TestBearerTokenRequiredWhenConfigured(t *testing.T) {
	repo := store.NewMemory()
	server := NewServer(":0", &fakeFleet{}, rescue.NewLedger(repo), repo, nil, WithTokens("s3cret", " "))
	h := server.Handler()

	if rec := do(t, h, http.MethodGet, "/api/v1/rescue", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	req.Header.Set("Authorization", "bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

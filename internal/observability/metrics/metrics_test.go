package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveSweep("success")
	ObserveRescue()
	SetNodeHealth("http://node-a", true, 42*time.Millisecond)
	SetWorkerCounts(map[string]int{"running": 2})

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`nanofleet_sweeps_total{result="success"}`,
		`nanofleet_rescue_entries_total`,
		`nanofleet_rpc_node_latency_ms{endpoint="http://node-a"} 42`,
		`nanofleet_workers{status="running"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	h := Instrument("teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	out := httptest.NewRecorder()
	Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(out.Body.String(), `handler="teapot"`) {
		t.Fatal("expected instrumented handler label in output")
	}
}

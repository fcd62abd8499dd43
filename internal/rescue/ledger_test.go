package rescue

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ademola21/nano-automation-suite/internal/events"
	"github.com/Ademola21/nano-automation-suite/internal/observability/alerting"
	"github.com/Ademola21/nano-automation-suite/internal/store"
)

type capturedAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *capturedAlerts) Notify(_ context.Context, e alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func TestRecordDeduplicatesBySeed(t *testing.T) {
	alerts := &capturedAlerts{}
	sink := events.NewMemorySink(10)
	ledger := NewLedger(store.NewMemory(), WithAlerts(alerts), WithEvents(sink))
	entry := store.RescueEntry{WorkerName: "worker-001", Address: "nano_1abc", Seed: "SEED", Balance: "1000"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	recorded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Record(context.Background(), entry)
			if err != nil {
				t.Errorf("record: %v", err)
				return
			}
			if ok {
				mu.Lock()
				recorded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if recorded != 1 {
		t.Fatalf("expected exactly one recording, got %d", recorded)
	}
	entries, err := ledger.Entries(context.Background())
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].RescuedAt.IsZero() {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if len(alerts.events) != 1 || alerts.events[0].Worker != "worker-001" {
		t.Fatalf("expected one alert, got %+v", alerts.events)
	}
	if len(sink.Events()) != 1 {
		t.Fatalf("expected one rescue event, got %d", len(sink.Events()))
	}
}

func TestExportFormats(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ledger := NewLedger(store.NewMemory(), WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	var buf bytes.Buffer
	if err := ledger.Export(ctx, &buf, FormatJSON); err != nil {
		t.Fatalf("export empty: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("expected empty json array, got %q", buf.String())
	}

	if _, err := ledger.Record(ctx, store.RescueEntry{WorkerName: "w1", Address: "nano_1a", Seed: "S1", Balance: "5"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	buf.Reset()
	if err := ledger.Export(ctx, &buf, FormatJSON); err != nil {
		t.Fatalf("export json: %v", err)
	}
	var decoded []store.RescueEntry
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Seed != "S1" || !decoded[0].RescuedAt.Equal(fixed) {
		t.Fatalf("unexpected json export %+v", decoded)
	}

	buf.Reset()
	if err := ledger.Export(ctx, &buf, FormatCSV); err != nil {
		t.Fatalf("export csv: %v", err)
	}
	want := "worker_name,address,seed,balance,rescued_at\nw1,nano_1a,S1,5,2026-01-02T03:04:05Z\n"
	if buf.String() != want {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}

	if err := ledger.Export(ctx, &buf, "xml"); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestClearAllowsRerecording(t *testing.T) {
	ledger := NewLedger(store.NewMemory())
	ctx := context.Background()
	entry := store.RescueEntry{WorkerName: "w", Seed: "S", Balance: "1"}
	if ok, _ := ledger.Record(ctx, entry); !ok {
		t.Fatal("expected first record")
	}
	if err := ledger.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if ok, _ := ledger.Record(ctx, entry); !ok {
		t.Fatal("expected record after clear")
	}
}

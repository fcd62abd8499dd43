package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("boom") }

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	event := FromError("worker-001", xerrors.CodeRescueRecorded, nil, map[string]string{"address": "nano_x"})
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Code != xerrors.CodeRescueRecorded || got.Worker != "worker-001" {
		t.Fatalf("unexpected event received: %+v", got)
	}
	if got.Severity != xerrors.SeverityCritical {
		t.Fatalf("expected registry severity, got %s", got.Severity)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	d := NewFanout(LogNotifier{}, failingNotifier{}, nil)
	err := d.Notify(context.Background(), FromError("w", xerrors.CodeConsolidation, errors.New("x"), nil))
	if err == nil {
		t.Fatal("expected joined error from failing notifier")
	}
}

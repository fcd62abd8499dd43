package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	inner := Wrap(CodeAllEndpointsFailed, stdErrors.New("dial tcp: refused"), "",
		WithMetadata("action", "account_info"))
	outer := fmt.Errorf("sweep: %w", Wrap(CodeConsolidation, inner, "sweep failed"))

	if CodeOf(outer) != CodeConsolidation {
		t.Fatalf("unexpected outer code %s", CodeOf(outer))
	}
	if !HasCode(outer, CodeAllEndpointsFailed) {
		t.Fatal("expected inner code to be reachable")
	}
	if HasCode(outer, CodeStorageFailure) {
		t.Fatal("unexpected storage code")
	}
	if !stdErrors.Is(outer, New(CodeConsolidation, "")) {
		t.Fatal("expected errors.Is to match by code")
	}
	if got := inner.Metadata()["action"]; got != "account_info" {
		t.Fatalf("unexpected metadata %q", got)
	}
	if inner.Error() != "[ALL_ENDPOINTS_FAILED] all rpc endpoints failed: dial tcp: refused" {
		t.Fatalf("unexpected message %q", inner.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New(CodeInvalidArgument, "bad"), http.StatusBadRequest},
		{New(CodeWorkerNotFound, ""), http.StatusNotFound},
		{Wrap(CodeConsolidation, stdErrors.New("x"), ""), http.StatusBadGateway},
		{stdErrors.New("plain"), http.StatusInternalServerError},
		{New(Code("MADE_UP"), "x"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("binance", CodeNetwork, WithMessage("depth snapshot"), WithHTTP(502), WithCause(cause))
	got := err.Error()
	want := `venue=binance code=network http=502 message="depth snapshot" cause="dial tcp: connection refused"`
	if got != want {
		t.Fatalf("unexpected error string:\n got %s\nwant %s", got, want)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		status int
		want   Code
	}{
		{418, CodeRateLimited},
		{429, CodeRateLimited},
		{500, CodeNetwork},
		{503, CodeNetwork},
		{400, CodeVenue},
	}
	for _, tc := range cases {
		if got := ClassifyHTTP(tc.status); got != tc.want {
			t.Fatalf("ClassifyHTTP(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestIsAbort(t *testing.T) {
	if !IsAbort(context.Canceled) {
		t.Fatalf("context.Canceled should be an abort")
	}
	if !IsAbort(fmt.Errorf("request: %w", context.DeadlineExceeded)) {
		t.Fatalf("wrapped deadline should be an abort")
	}
	if IsAbort(errors.New("boom")) {
		t.Fatalf("plain errors are not aborts")
	}
	if IsAbort(nil) {
		t.Fatalf("nil is not an abort")
	}
}

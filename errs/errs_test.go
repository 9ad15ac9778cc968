package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesTaxonomyAndMetadata(t *testing.T) {
	err := New(
		"futures",
		CodeExchange,
		WithMessage("order rejected by venue"),
		WithRawCode("-2013"),
		WithRawMessage("order does not exist"),
		WithField("symbol", "BTCUSDT"),
		WithField("account", "perp-main"),
		WithRemediation("verify order id before retrying"),
		WithCause(errors.New("http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "engine=futures") {
		t.Fatalf("expected engine marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=exchange_error") {
		t.Fatalf("expected taxonomy code in error string: %s", out)
	}
	if !strings.Contains(out, "account=\"perp-main\"") || !strings.Contains(out, "symbol=\"BTCUSDT\"") {
		t.Fatalf("expected metadata pairs in error string: %s", out)
	}
	if !strings.Contains(out, "remediation=\"verify order id before retrying\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfUnwrapsWrappedEnvelope(t *testing.T) {
	inner := New("spot", CodeConflict, WithMessage("close lock held"))
	wrapped := fmt.Errorf("submit close: %w", inner)

	if got := CodeOf(wrapped); got != CodeConflict {
		t.Fatalf("expected conflict code, got %q", got)
	}
	if !Is(wrapped, CodeConflict) {
		t.Fatalf("expected Is to match conflict code")
	}
}

func TestCodeOfPlainErrorMapsToInternal(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Fatalf("expected internal_error for plain errors, got %q", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("expected empty code for nil error, got %q", got)
	}
}

func TestWithFieldLatestValueWins(t *testing.T) {
	err := New(
		"spot",
		CodeExchange,
		WithField("symbol", "BTCUSDT"),
		WithField("symbol", "ETHUSDT"),
	)
	if got := err.Metadata["symbol"]; got != "ETHUSDT" {
		t.Fatalf("expected latest metadata to win, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

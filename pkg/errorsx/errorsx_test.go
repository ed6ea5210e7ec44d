package errorsx

import (
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonAIConnect)
	if Reason(err) != ReasonAIConnect {
		t.Fatalf("expected reason %s, got %s", ReasonAIConnect, Reason(err))
	}
	if !HasReason(err, ReasonAIConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonAIRateLimit)
	second := Wrap(first, ReasonAIConnect)
	if Reason(second) != ReasonAIRateLimit {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("dial: %w", Wrap(assertErr{}, ReasonMalformedFrame))
	if Reason(err) != ReasonMalformedFrame {
		t.Fatalf("expected reason through fmt wrap, got %s", Reason(err))
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown for nil")
	}
	if Wrap(nil, ReasonAISend) != nil {
		t.Fatalf("expected nil wrap of nil")
	}
}

func TestHasReasonAnyOf(t *testing.T) {
	err := New(ReasonUnknownEvent, "response.teleport")
	if !HasReason(err, ReasonMalformedFrame, ReasonUnknownEvent) {
		t.Fatalf("expected match on second reason")
	}
	if HasReason(err) {
		t.Fatalf("expected no match without reasons")
	}
}

func TestLogAttrs(t *testing.T) {
	attrs := LogAttrs(Wrap(assertErr{}, ReasonAISend))
	if len(attrs) != 4 || attrs[1] != "boom" || attrs[3] != "ai_send" {
		t.Fatalf("unexpected attrs %v", attrs)
	}
	if LogAttrs(nil) != nil {
		t.Fatalf("expected no attrs for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

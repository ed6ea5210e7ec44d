package turn

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/clock"
)

type captureInterrupter struct {
	clears  int
	cancels int
	err     error
}

func (c *captureInterrupter) ClearPlayback() error {
	c.clears++
	return nil
}

func (c *captureInterrupter) CancelResponse() error {
	c.cancels++
	return c.err
}

func newTestController() (*Controller, *clock.Fake, *captureInterrupter) {
	fc := clock.NewFake(time.Unix(0, 0))
	intr := &captureInterrupter{}
	return NewController(fc, 200*time.Millisecond, intr), fc, intr
}

func TestPersistingOnsetInterruptsOnce(t *testing.T) {
	c, fc, intr := newTestController()
	c.OnResponseCreated()
	c.OnSpeechStarted()

	fc.Advance(199 * time.Millisecond)
	if intr.clears != 0 {
		t.Fatalf("interrupted before the confirmation delay")
	}
	fc.Advance(time.Millisecond)
	if intr.clears != 1 || intr.cancels != 1 {
		t.Fatalf("expected one clear and one cancel, got %d/%d", intr.clears, intr.cancels)
	}
	if c.AgentSpeaking() || c.Pending() {
		t.Fatalf("expected agent silent and nothing pending after barge-in")
	}
	fc.Advance(time.Second)
	if intr.clears != 1 || intr.cancels != 1 || c.Interrupts() != 1 {
		t.Fatalf("barge-in repeated")
	}
}

func TestShortOnsetIsDiscarded(t *testing.T) {
	c, fc, intr := newTestController()
	c.OnResponseCreated()
	c.OnSpeechStarted()
	fc.Advance(150 * time.Millisecond)
	if !c.OnSpeechStopped() {
		t.Fatalf("expected pending onset to be discarded")
	}
	fc.Advance(time.Second)
	if intr.clears != 0 || intr.cancels != 0 {
		t.Fatalf("noise onset must not interrupt")
	}
	if !c.AgentSpeaking() {
		t.Fatalf("agent keeps speaking after discarded onset")
	}
	if c.OnSpeechStopped() {
		t.Fatalf("second stop has nothing to discard")
	}
}

func TestAtMostOnePendingTimer(t *testing.T) {
	c, fc, intr := newTestController()
	c.OnResponseCreated()
	for i := 0; i < 5; i++ {
		c.OnSpeechStarted()
		fc.Advance(50 * time.Millisecond)
		if fc.Pending() > 1 {
			t.Fatalf("more than one pending timer after onset %d", i)
		}
	}
	fc.Advance(200 * time.Millisecond)
	if intr.clears != 1 || intr.cancels != 1 {
		t.Fatalf("expected exactly one barge-in, got %d/%d", intr.clears, intr.cancels)
	}
}

func TestOnsetWhileListeningDoesNothing(t *testing.T) {
	c, fc, intr := newTestController()
	c.OnSpeechStarted()
	if c.Pending() || fc.Pending() != 0 {
		t.Fatalf("no timer expected while the agent is silent")
	}
	fc.Advance(time.Second)
	if intr.clears != 0 {
		t.Fatalf("unexpected interrupt")
	}
}

func TestResponseDoneCancelsPending(t *testing.T) {
	c, fc, intr := newTestController()
	c.OnResponseCreated()
	c.OnSpeechStarted()
	c.OnResponseDone()
	fc.Advance(time.Second)
	if intr.clears != 0 || c.Pending() || c.AgentSpeaking() {
		t.Fatalf("response done must cancel the pending confirmation")
	}
}

func TestCloseStopsTimerAndIgnoresEvents(t *testing.T) {
	c, fc, intr := newTestController()
	c.OnResponseCreated()
	c.OnSpeechStarted()
	c.Close()
	if fc.Pending() != 0 {
		t.Fatalf("close must stop the pending timer")
	}
	c.OnResponseCreated()
	c.OnSpeechStarted()
	fc.Advance(time.Second)
	if intr.clears != 0 {
		t.Fatalf("closed controller interrupted")
	}
}

func TestListenerSeesTransitionsAndErrors(t *testing.T) {
	c, fc, intr := newTestController()
	intr.err = errors.New("response_cancel_not_active")
	var reasons []string
	var lastErr error
	c.AddListener(func(ev StateChange) {
		reasons = append(reasons, ev.Reason)
		if ev.Err != nil {
			lastErr = ev.Err
		}
	})
	c.OnResponseCreated()
	c.OnSpeechStarted()
	fc.Advance(c.Delay())
	want := []string{ReasonResponseCreated, ReasonSpeechStarted, ReasonBargeIn}
	if len(reasons) != len(want) {
		t.Fatalf("reasons = %v, want %v", reasons, want)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Fatalf("reasons = %v, want %v", reasons, want)
		}
	}
	if !errors.Is(lastErr, intr.err) {
		t.Fatalf("expected cancel error reported, got %v", lastErr)
	}
}

func TestStaleFiringIsIgnored(t *testing.T) {
	c, _, intr := newTestController()
	c.OnResponseCreated()
	c.OnSpeechStarted()
	gen := c.gen
	c.OnSpeechStopped()
	c.fire(gen)
	if intr.clears != 0 {
		t.Fatalf("stale generation fired")
	}
}

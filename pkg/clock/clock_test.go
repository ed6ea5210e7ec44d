package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var order []string
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, "b") })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	c.AfterFunc(time.Second, func() { order = append(order, "c") })

	c.Advance(250 * time.Millisecond)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", c.Pending())
	}
	if got := c.Now().Sub(time.Unix(0, 0)); got != 250*time.Millisecond {
		t.Fatalf("expected now advanced by 250ms, got %s", got)
	}
}

func TestFakeStopPreventsFiring(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(50*time.Millisecond, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("expected Stop to report an active timer")
	}
	if tm.Stop() {
		t.Fatalf("expected second Stop to report false")
	}
	c.Advance(time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	c.AfterFunc(10*time.Millisecond, func() {
		count++
		c.AfterFunc(10*time.Millisecond, func() { count++ })
	})
	c.Advance(25 * time.Millisecond)
	if count != 2 {
		t.Fatalf("expected chained timers to fire, got %d", count)
	}
}

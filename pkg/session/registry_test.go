package session

import (
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/clock"
)

func TestEndRemovesClientAndEvictsAtRetention(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	r := NewMemory(c, time.Hour)

	r.BindClient("CA1", "acme")
	tr := r.OpenTranscript("CA1")
	tr.AddClient("hola")
	if r.Active() != 1 {
		t.Fatalf("expected one active call, got %d", r.Active())
	}

	r.End("CA1")
	if _, ok := r.ClientFor("CA1"); ok {
		t.Fatalf("client binding must be removed at end")
	}
	if r.Active() != 0 {
		t.Fatalf("expected no active calls, got %d", r.Active())
	}

	c.Advance(time.Hour - time.Nanosecond)
	got, ok := r.Transcript("CA1")
	if !ok || got != tr {
		t.Fatalf("transcript must be retained inside the window")
	}
	c.Advance(time.Nanosecond)
	if _, ok := r.Transcript("CA1"); ok {
		t.Fatalf("transcript must be evicted at the retention window")
	}
	if len(r.Transcripts()) != 0 {
		t.Fatalf("expected empty listing")
	}
}

func TestReopenCancelsEviction(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	r := NewMemory(c, time.Minute)

	first := r.OpenTranscript("CA2")
	r.End("CA2")
	c.Advance(30 * time.Second)
	if again := r.OpenTranscript("CA2"); again != first {
		t.Fatalf("reopen must return the retained transcript")
	}
	c.Advance(time.Hour)
	if _, ok := r.Transcript("CA2"); !ok {
		t.Fatalf("reopened transcript must not be evicted")
	}
	if r.Active() != 1 {
		t.Fatalf("expected reopened call to be active")
	}
}

func TestSecondEndRestartsWindow(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	r := NewMemory(c, time.Minute)
	r.OpenTranscript("CA3")
	r.End("CA3")
	c.Advance(40 * time.Second)
	r.End("CA3")
	c.Advance(40 * time.Second)
	if _, ok := r.Transcript("CA3"); !ok {
		t.Fatalf("stale eviction timer fired")
	}
	c.Advance(20 * time.Second)
	if _, ok := r.Transcript("CA3"); ok {
		t.Fatalf("expected eviction a full window after the last end")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}

func TestTranscriptsOrderedByOpenTime(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	r := NewMemory(c, 0)
	r.OpenTranscript("b")
	c.Advance(time.Second)
	r.OpenTranscript("a")
	list := r.Transcripts()
	if len(list) != 2 || list[0].CallID != "b" || list[1].CallID != "a" {
		t.Fatalf("unexpected order %+v", list)
	}
}

func TestCloseStopsEvictions(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	r := NewMemory(c, time.Minute)
	r.OpenTranscript("CA4")
	r.End("CA4")
	r.Close()
	if c.Pending() != 0 {
		t.Fatalf("expected eviction timers stopped")
	}
	if _, ok := r.Transcript("CA4"); !ok {
		t.Fatalf("transcript must stay readable after close")
	}
}

func TestUnstartedBindingExpires(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	r := NewMemory(c, time.Hour, WithBindingTTL(5*time.Minute))

	r.BindClient("CA7", "acme")
	c.Advance(5*time.Minute - time.Nanosecond)
	if id, ok := r.ClientFor("CA7"); !ok || id != "acme" {
		t.Fatalf("binding must survive inside the ttl")
	}
	c.Advance(time.Nanosecond)
	if _, ok := r.ClientFor("CA7"); ok {
		t.Fatalf("binding for a call that never streamed must expire")
	}

	r.BindClient("CA8", "acme")
	c.Advance(time.Minute)
	r.BindClient("CA8", "globex")
	c.Advance(4 * time.Minute)
	if id, ok := r.ClientFor("CA8"); !ok || id != "globex" {
		t.Fatalf("rebinding must restart the ttl, got %q %v", id, ok)
	}
}

func TestStartedBindingDoesNotExpire(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	r := NewMemory(c, time.Hour, WithBindingTTL(time.Minute))

	r.BindClient("CA9", "acme")
	r.OpenTranscript("CA9")
	c.Advance(time.Hour)
	if id, ok := r.ClientFor("CA9"); !ok || id != "acme" {
		t.Fatalf("live call lost its binding")
	}
	r.End("CA9")
	if _, ok := r.ClientFor("CA9"); ok {
		t.Fatalf("end must drop the binding")
	}
}

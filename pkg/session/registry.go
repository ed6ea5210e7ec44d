// Package session tracks which client each live call belongs to and keeps call
// transcripts around for a retention window after the call ends.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/clock"
	"github.com/harunnryd/callbridge/pkg/transcript"
)

const DefaultRetention = time.Hour

// DefaultBindingTTL bounds how long a webhook binding waits for its media
// stream. Calls that never connect would otherwise keep their binding forever.
const DefaultBindingTTL = 10 * time.Minute

// Registry is shared by every call and the HTTP API.
type Registry interface {
	// BindClient records the client a call belongs to. It may be called before
	// the media stream exists, from the inbound-call webhook.
	BindClient(callID, clientID string)
	ClientFor(callID string) (string, bool)
	// OpenTranscript returns the call's transcript, creating it when absent.
	OpenTranscript(callID string) *transcript.Transcript
	Transcript(callID string) (*transcript.Transcript, bool)
	Transcripts() []Entry
	// End drops the client binding now and evicts the transcript once the
	// retention window has passed.
	End(callID string)
	Active() int
	Close()
}

// Entry is one retained transcript.
type Entry struct {
	CallID     string
	OpenedAt   time.Time
	EndedAt    time.Time
	Transcript *transcript.Transcript
}

type record struct {
	opened time.Time
	ended  time.Time
	t      *transcript.Transcript
	evict  clock.Timer
}

// binding is a call's client. expire is set while no stream has opened the
// call's transcript.
type binding struct {
	clientID string
	expire   clock.Timer
}

type memory struct {
	clock      clock.Clock
	retention  time.Duration
	bindingTTL time.Duration

	mu      sync.Mutex
	clients map[string]*binding
	records map[string]*record
	closed  bool
}

type Option func(*memory)

// WithBindingTTL overrides DefaultBindingTTL. d <= 0 keeps the default.
func WithBindingTTL(d time.Duration) Option {
	return func(m *memory) {
		if d > 0 {
			m.bindingTTL = d
		}
	}
}

// NewMemory returns an in-process Registry. retention <= 0 uses DefaultRetention.
func NewMemory(c clock.Clock, retention time.Duration, opts ...Option) Registry {
	if c == nil {
		c = clock.Real()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	m := &memory{
		clock:      c,
		retention:  retention,
		bindingTTL: DefaultBindingTTL,
		clients:    make(map[string]*binding),
		records:    make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BindClient records the binding. Unless the call's transcript is already
// open, the binding expires after the binding TTL.
func (m *memory) BindClient(callID, clientID string) {
	if callID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.clients[callID]; ok && old.expire != nil {
		old.expire.Stop()
	}
	b := &binding{clientID: clientID}
	m.clients[callID] = b
	if rec, ok := m.records[callID]; (ok && rec.ended.IsZero()) || m.closed {
		return
	}
	b.expire = m.clock.AfterFunc(m.bindingTTL, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.clients[callID]; ok && cur == b && b.expire != nil {
			delete(m.clients, callID)
		}
	})
}

func (m *memory) ClientFor(callID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.clients[callID]
	if !ok {
		return "", false
	}
	return b.clientID, true
}

func (m *memory) OpenTranscript(callID string) *transcript.Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.clients[callID]; ok && b.expire != nil {
		b.expire.Stop()
		b.expire = nil
	}
	if rec, ok := m.records[callID]; ok {
		if rec.evict != nil {
			rec.evict.Stop()
			rec.evict = nil
			rec.ended = time.Time{}
		}
		return rec.t
	}
	rec := &record{opened: m.clock.Now(), t: transcript.New()}
	m.records[callID] = rec
	return rec.t
}

func (m *memory) Transcript(callID string) (*transcript.Transcript, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[callID]
	if !ok {
		return nil, false
	}
	return rec.t, true
}

// Transcripts lists retained transcripts, oldest first.
func (m *memory) Transcripts() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.records))
	for id, rec := range m.records {
		out = append(out, Entry{CallID: id, OpenedAt: rec.opened, EndedAt: rec.ended, Transcript: rec.t})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (m *memory) End(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.clients[callID]; ok {
		if b.expire != nil {
			b.expire.Stop()
		}
		delete(m.clients, callID)
	}
	rec, ok := m.records[callID]
	if !ok || m.closed {
		return
	}
	if rec.evict != nil {
		rec.evict.Stop()
	}
	rec.ended = m.clock.Now()
	var timer clock.Timer
	timer = m.clock.AfterFunc(m.retention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// A reopen or a second End replaced the timer; only the current one evicts.
		if cur, ok := m.records[callID]; ok && cur.evict == timer {
			delete(m.records, callID)
		}
	})
	rec.evict = timer
}

// Active counts calls whose transcript is open and not yet ended.
func (m *memory) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.ended.IsZero() {
			n++
		}
	}
	return n
}

// Close stops pending evictions. Retained transcripts stay readable.
func (m *memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, b := range m.clients {
		if b.expire != nil {
			b.expire.Stop()
			b.expire = nil
		}
	}
	for _, rec := range m.records {
		if rec.evict != nil {
			rec.evict.Stop()
			rec.evict = nil
		}
	}
}

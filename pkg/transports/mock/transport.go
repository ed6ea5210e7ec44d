// Package mock provides an in-memory telephony leg for tests.
package mock

import (
	"io"
	"sync"

	"github.com/harunnryd/callbridge/pkg/transports"
)

// Sent is one command the bridge issued on the leg.
type Sent struct {
	Kind     string // media, clear or dtmf
	StreamID string
	Payload  string
	Digits   string
}

type inbound struct {
	ev  transports.Event
	err error
}

// Conn implements transports.Conn without any network dependency.
type Conn struct {
	recvCh    chan inbound
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	sent   []Sent
	notify chan struct{}
}

func New() *Conn {
	return &Conn{
		recvCh: make(chan inbound, 256),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Push injects an inbound event.
func (c *Conn) Push(ev transports.Event) {
	c.recvCh <- inbound{ev: ev}
}

// PushError makes the next read fail with err.
func (c *Conn) PushError(err error) {
	c.recvCh <- inbound{err: err}
}

func (c *Conn) ReadEvent() (transports.Event, error) {
	select {
	case in := <-c.recvCh:
		return in.ev, in.err
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *Conn) SendMedia(streamID, payload string) error {
	return c.record(Sent{Kind: "media", StreamID: streamID, Payload: payload})
}

func (c *Conn) Clear(streamID string) error {
	return c.record(Sent{Kind: "clear", StreamID: streamID})
}

func (c *Conn) SendDTMF(streamID, digits string) error {
	return c.record(Sent{Kind: "dtmf", StreamID: streamID, Digits: digits})
}

func (c *Conn) record(s Sent) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, s)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the leg has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Notify receives a value after new commands were recorded.
func (c *Conn) Notify() <-chan struct{} { return c.notify }

// Sent returns a copy of every recorded command.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Count returns how many commands of kind were recorded.
func (c *Conn) Count(kind string) int {
	n := 0
	for _, s := range c.Sent() {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

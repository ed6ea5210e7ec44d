// Package turn decides when caller speech should interrupt the agent.
package turn

import (
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/clock"
)

// DefaultDelay is how long a caller onset must persist, while the agent speaks,
// before it counts as a barge-in. Echo and line noise rarely last this long.
const DefaultDelay = 220 * time.Millisecond

// Controller is the per-call barge-in state machine. Engine speech events arrive
// asynchronously and out of order, so an onset is only acted on once it has
// survived the confirmation delay.
//
// At most one confirmation timer is pending at any time. Every onset cancels the
// previous timer before possibly starting a new one, and each timer carries a
// generation so a firing that lost a race with Stop is ignored.
type Controller struct {
	clock clock.Clock
	delay time.Duration
	intr  Interrupter

	mu         sync.Mutex
	state      State
	pending    clock.Timer
	gen        uint64
	closed     bool
	interrupts int
	listeners  []StateListener
}

func NewController(c clock.Clock, delay time.Duration, intr Interrupter) *Controller {
	if c == nil {
		c = clock.Real()
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Controller{clock: c, delay: delay, intr: intr, state: StateListening}
}

// AddListener registers a listener for state change events.
func (c *Controller) AddListener(l StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Controller) Delay() time.Duration { return c.delay }

// OnResponseCreated marks the agent as speaking.
func (c *Controller) OnResponseCreated() {
	c.mu.Lock()
	if c.closed || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	ev := c.setLocked(StateSpeaking, ReasonResponseCreated)
	c.mu.Unlock()
	c.notify(ev)
}

// OnResponseDone covers both completed and cancelled responses.
func (c *Controller) OnResponseDone() {
	c.mu.Lock()
	if c.closed || c.state == StateListening {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	ev := c.setLocked(StateListening, ReasonResponseDone)
	c.mu.Unlock()
	c.notify(ev)
}

// OnSpeechStarted handles a caller speech onset.
func (c *Controller) OnSpeechStarted() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	if c.state == StateListening {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.pending = c.clock.AfterFunc(c.delay, func() { c.fire(gen) })
	ev := c.setLocked(StateConfirming, ReasonSpeechStarted)
	c.mu.Unlock()
	c.notify(ev)
}

// OnSpeechStopped handles the end of caller speech. It reports whether a
// pending onset was discarded as noise.
func (c *Controller) OnSpeechStopped() bool {
	c.mu.Lock()
	if c.closed || c.pending == nil {
		c.mu.Unlock()
		return false
	}
	c.stopLocked()
	ev := c.setLocked(StateSpeaking, ReasonOnsetDiscarded)
	c.mu.Unlock()
	c.notify(ev)
	return true
}

// Close cancels any pending confirmation. Later events are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopLocked()
	ev := c.setLocked(StateListening, ReasonClosed)
	c.mu.Unlock()
	c.notify(ev)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) AgentSpeaking() bool {
	return c.State() != StateListening
}

// Pending reports whether a confirmation timer is scheduled.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Interrupts returns how many barge-ins were carried out.
func (c *Controller) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.pending == nil {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	if c.state != StateConfirming {
		c.mu.Unlock()
		return
	}
	c.interrupts++
	ev := c.setLocked(StateListening, ReasonBargeIn)
	intr := c.intr
	c.mu.Unlock()

	if intr != nil {
		ev.Err = errors.Join(intr.ClearPlayback(), intr.CancelResponse())
	}
	c.notify(ev)
}

func (c *Controller) stopLocked() {
	if c.pending == nil {
		return
	}
	c.pending.Stop()
	c.pending = nil
	c.gen++
}

func (c *Controller) setLocked(s State, reason string) StateChange {
	ev := StateChange{From: c.state, To: s, Timestamp: c.clock.Now(), Reason: reason}
	c.state = s
	return ev
}

func (c *Controller) notify(ev StateChange) {
	c.mu.Lock()
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

package turn

import "time"

type State int

const (
	// StateListening: the agent is silent.
	StateListening State = iota
	// StateSpeaking: an agent response is in flight.
	StateSpeaking
	// StateConfirming: the agent is speaking and a caller onset waits for the
	// confirmation delay.
	StateConfirming
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateConfirming:
		return "CONFIRMING"
	default:
		return "UNKNOWN"
	}
}

// Transition reasons.
const (
	ReasonResponseCreated = "response_created"
	ReasonResponseDone    = "response_done"
	ReasonSpeechStarted   = "speech_started"
	ReasonOnsetDiscarded  = "onset_discarded"
	ReasonBargeIn         = "barge_in"
	ReasonClosed          = "closed"
)

// StateChange represents a state transition event.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
	// Err is set when a barge-in action failed.
	Err error
}

// StateListener observes turn state changes.
type StateListener func(StateChange)

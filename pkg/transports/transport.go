// Package transports defines the telephony side of a bridged call: the events a
// media leg delivers and the commands the bridge can send back on it.
package transports

// Conn is one live telephony media leg. ReadEvent is called from a single
// goroutine; the send methods are safe for concurrent use and never block on
// the network.
type Conn interface {
	ReadEvent() (Event, error)
	SendMedia(streamID, payload string) error
	// Clear drops audio the platform has buffered but not yet played.
	Clear(streamID string) error
	// SendDTMF plays keypad tones on the call. Pause characters are skipped.
	SendDTMF(streamID, digits string) error
	Close() error
}

// Custom stream parameters set when a call is answered, so the call's
// identity is known before media flows.
const (
	ParamCallID   = "call_id"
	ParamClientID = "client_id"
	ParamFrom     = "from"
)

// Event is one inbound media-leg event, already validated.
type Event interface {
	Name() string
}

type Connected struct {
	Protocol string
}

// Start opens the stream. Params carries the custom parameters set when the
// call was answered.
type Start struct {
	StreamID string
	CallID   string
	From     string
	Params   map[string]string
}

// Param returns a custom parameter, or "".
func (s Start) Param(name string) string {
	if s.Params == nil {
		return ""
	}
	return s.Params[name]
}

type Media struct {
	StreamID string
	Track    string
	// Payload is base64 audio exactly as received.
	Payload string
}

type DTMF struct {
	StreamID string
	Digit    string
}

// Mark echoes a marker the bridge placed in the outbound audio.
type Mark struct {
	StreamID string
	Label    string
}

// Stop ends the stream. Reason is a normalized call end reason
// (completed, busy, no_answer, failed, shutdown, unknown).
type Stop struct {
	StreamID string
	Reason   string
}

func (Connected) Name() string { return "connected" }
func (Start) Name() string     { return "start" }
func (Media) Name() string     { return "media" }
func (DTMF) Name() string      { return "dtmf" }
func (Mark) Name() string      { return "mark" }
func (Stop) Name() string      { return "stop" }

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

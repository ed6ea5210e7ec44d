package twilio

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harunnryd/callbridge/pkg/transports"
)

// ErrMalformedEvent means a media stream frame could not be turned into an
// event: bad JSON, an unknown event name, or a missing required field.
var ErrMalformedEvent = errors.New("twilio: malformed media event")

type TwilioStart struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

type TwilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type TwilioDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
	Reason     string `json:"reason"`
}

type TwilioEvent struct {
	Event    string       `json:"event"`
	StreamID string       `json:"streamSid,omitempty"`
	Protocol string       `json:"protocol,omitempty"`
	Start    *TwilioStart `json:"start,omitempty"`
	Media    *TwilioMedia `json:"media,omitempty"`
	DTMF     *TwilioDTMF  `json:"dtmf,omitempty"`
	Mark     *TwilioMark  `json:"mark,omitempty"`
	Stop     *TwilioStop  `json:"stop,omitempty"`
}

// decodeEvent validates one inbound frame.
func decodeEvent(data []byte) (transports.Event, error) {
	var evt TwilioEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch evt.Event {
	case "connected":
		return transports.Connected{Protocol: evt.Protocol}, nil
	case "start":
		if evt.Start == nil || evt.Start.StreamID == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrMalformedEvent)
		}
		params := evt.Start.CustomParameters
		if params == nil {
			params = map[string]string{}
		}
		callID := evt.Start.CallSID
		if callID == "" {
			callID = params[transports.ParamCallID]
		}
		return transports.Start{
			StreamID: evt.Start.StreamID,
			CallID:   callID,
			From:     params[transports.ParamFrom],
			Params:   params,
		}, nil
	case "media":
		if evt.Media == nil || evt.Media.Payload == "" {
			return nil, fmt.Errorf("%w: media without payload", ErrMalformedEvent)
		}
		return transports.Media{StreamID: evt.StreamID, Track: evt.Media.Track, Payload: evt.Media.Payload}, nil
	case "dtmf":
		if evt.DTMF == nil || evt.DTMF.Digit == "" {
			return nil, fmt.Errorf("%w: dtmf without digit", ErrMalformedEvent)
		}
		return transports.DTMF{StreamID: evt.StreamID, Digit: evt.DTMF.Digit}, nil
	case "mark":
		if evt.Mark == nil {
			return nil, fmt.Errorf("%w: mark without name", ErrMalformedEvent)
		}
		return transports.Mark{StreamID: evt.StreamID, Label: evt.Mark.Name}, nil
	case "stop":
		reason := ""
		if evt.Stop != nil {
			reason = normalizeCallEndReason(evt.Stop.Reason)
		}
		if reason == "" {
			reason = "completed"
		}
		return transports.Stop{StreamID: evt.StreamID, Reason: reason}, nil
	case "":
		return nil, fmt.Errorf("%w: missing event", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, evt.Event)
	}
}

type outboundMedia struct {
	Event    string          `json:"event"`
	StreamID string          `json:"streamSid"`
	Media    outboundPayload `json:"media"`
}

type outboundPayload struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event    string `json:"event"`
	StreamID string `json:"streamSid"`
}

type outboundDTMF struct {
	Event    string     `json:"event"`
	StreamID string     `json:"streamSid"`
	DTMF     TwilioDTMF `json:"dtmf"`
}

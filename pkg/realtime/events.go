package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client event types.
const (
	EventTypeSessionUpdate          = "session.update"
	EventTypeInputAudioBufferAppend = "input_audio_buffer.append"
	EventTypeConversationItemCreate = "conversation.item.create"
	EventTypeResponseCreate         = "response.create"
	EventTypeResponseCancel         = "response.cancel"
)

// Server event types.
const (
	EventTypeError = "error"

	EventTypeSessionCreated = "session.created"
	EventTypeSessionUpdated = "session.updated"

	EventTypeConversationCreated                              = "conversation.created"
	EventTypeConversationItemCreated                          = "conversation.item.created"
	EventTypeConversationItemInputAudioTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	EventTypeConversationItemInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventTypeConversationItemInputAudioTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	EventTypeConversationItemTruncated                        = "conversation.item.truncated"
	EventTypeConversationItemDeleted                          = "conversation.item.deleted"

	EventTypeInputAudioBufferCommitted     = "input_audio_buffer.committed"
	EventTypeInputAudioBufferCleared       = "input_audio_buffer.cleared"
	EventTypeInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	EventTypeInputAudioBufferSpeechStopped = "input_audio_buffer.speech_stopped"

	EventTypeResponseCreated          = "response.created"
	EventTypeResponseDone             = "response.done"
	EventTypeResponseCancelled        = "response.cancelled"
	EventTypeResponseOutputItemAdded  = "response.output_item.added"
	EventTypeResponseOutputItemDone   = "response.output_item.done"
	EventTypeResponseContentPartAdded = "response.content_part.added"
	EventTypeResponseContentPartDone  = "response.content_part.done"

	EventTypeResponseTextDelta            = "response.text.delta"
	EventTypeResponseTextDone             = "response.text.done"
	EventTypeResponseAudioDelta           = "response.audio.delta"
	EventTypeResponseAudioDone            = "response.audio.done"
	EventTypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventTypeResponseAudioTranscriptDone  = "response.audio_transcript.done"

	EventTypeResponseFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
	EventTypeResponseFunctionCallArgumentsDone  = "response.function_call_arguments.done"

	EventTypeRateLimitsUpdated = "rate_limits.updated"
)

var (
	// ErrMalformedEvent means the frame was not a JSON object with a type, or a
	// known type was missing a required field.
	ErrMalformedEvent = errors.New("realtime: malformed event")
	// ErrUnknownEvent means the frame carried a type this client does not know.
	ErrUnknownEvent = errors.New("realtime: unknown event type")
)

// Event is one decoded server event. The concrete type tells the caller which
// variant arrived; Type returns the wire name.
type Event interface {
	Type() string
}

type SessionCreated struct{}

type SessionUpdated struct{}

type ResponseCreated struct {
	ResponseID string
}

// ResponseDone ends a response, whether completed or cancelled.
type ResponseDone struct {
	ResponseID string
	Status     string
	// Transcripts holds the final text of every output content part, used as a
	// second extraction pass over the finished turn.
	Transcripts []string
	legacy      bool
}

func (e ResponseDone) Cancelled() bool { return e.Status == "cancelled" }

type AudioDelta struct {
	ItemID string
	// Delta is base64 audio in the session's output format.
	Delta string
}

// TranscriptDelta is a fragment of agent text, from either the spoken
// transcript or a text-only response.
type TranscriptDelta struct {
	ItemID string
	Delta  string
}

type TranscriptDone struct {
	ItemID     string
	Transcript string
}

type InputTranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

type SpeechStarted struct {
	AudioStartMS int
}

type SpeechStopped struct {
	AudioEndMS int
}

type ErrorEvent struct {
	Kind    string
	Code    string
	Message string
	EventID string
}

func (e ErrorEvent) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime %s: %s", e.Kind, e.Message)
}

// Ignored is a known event type the bridge has no use for.
type Ignored struct {
	Name string
}

func (SessionCreated) Type() string  { return EventTypeSessionCreated }
func (SessionUpdated) Type() string  { return EventTypeSessionUpdated }
func (ResponseCreated) Type() string { return EventTypeResponseCreated }
func (e ResponseDone) Type() string {
	if e.legacy {
		return EventTypeResponseCancelled
	}
	return EventTypeResponseDone
}
func (AudioDelta) Type() string                  { return EventTypeResponseAudioDelta }
func (TranscriptDelta) Type() string             { return EventTypeResponseAudioTranscriptDelta }
func (TranscriptDone) Type() string              { return EventTypeResponseAudioTranscriptDone }
func (InputTranscriptionCompleted) Type() string { return EventTypeConversationItemInputAudioTranscriptionCompleted }
func (SpeechStarted) Type() string               { return EventTypeInputAudioBufferSpeechStarted }
func (SpeechStopped) Type() string               { return EventTypeInputAudioBufferSpeechStopped }
func (ErrorEvent) Type() string                  { return EventTypeError }
func (e Ignored) Type() string                   { return e.Name }

var ignoredTypes = func() map[string]struct{} {
	names := []string{
		EventTypeConversationCreated,
		EventTypeConversationItemCreated,
		EventTypeConversationItemInputAudioTranscriptionDelta,
		EventTypeConversationItemInputAudioTranscriptionFailed,
		EventTypeConversationItemTruncated,
		EventTypeConversationItemDeleted,
		EventTypeInputAudioBufferCommitted,
		EventTypeInputAudioBufferCleared,
		EventTypeResponseOutputItemAdded,
		EventTypeResponseOutputItemDone,
		EventTypeResponseContentPartAdded,
		EventTypeResponseContentPartDone,
		EventTypeResponseAudioDone,
		EventTypeResponseFunctionCallArgumentsDelta,
		EventTypeResponseFunctionCallArgumentsDone,
		EventTypeRateLimitsUpdated,
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}()

// serverEvent is the union of the fields the decoded variants need.
type serverEvent struct {
	Type         string          `json:"type"`
	EventID      string          `json:"event_id"`
	ItemID       string          `json:"item_id"`
	ResponseID   string          `json:"response_id"`
	Delta        *string         `json:"delta"`
	Text         *string         `json:"text"`
	Transcript   *string         `json:"transcript"`
	AudioStartMS int             `json:"audio_start_ms"`
	AudioEndMS   int             `json:"audio_end_ms"`
	Response     *responseObject `json:"response"`
	Error        *errorDetail    `json:"error"`
}

type responseObject struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []outputItem `json:"output"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode validates one server frame and returns its variant. Unknown types
// return ErrUnknownEvent, structurally invalid frames ErrMalformedEvent.
func Decode(data []byte) (Event, error) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	switch raw.Type {
	case EventTypeSessionCreated:
		return SessionCreated{}, nil
	case EventTypeSessionUpdated:
		return SessionUpdated{}, nil
	case EventTypeResponseCreated:
		ev := ResponseCreated{ResponseID: raw.ResponseID}
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
		}
		return ev, nil
	case EventTypeResponseDone, EventTypeResponseCancelled:
		ev := ResponseDone{ResponseID: raw.ResponseID, legacy: raw.Type == EventTypeResponseCancelled}
		if ev.legacy {
			ev.Status = "cancelled"
		}
		if r := raw.Response; r != nil {
			ev.ResponseID = r.ID
			if r.Status != "" {
				ev.Status = r.Status
			}
			for _, item := range r.Output {
				for _, part := range item.Content {
					switch {
					case part.Transcript != "":
						ev.Transcripts = append(ev.Transcripts, part.Transcript)
					case part.Text != "":
						ev.Transcripts = append(ev.Transcripts, part.Text)
					}
				}
			}
		}
		return ev, nil
	case EventTypeResponseAudioDelta:
		if raw.Delta == nil {
			return nil, fmt.Errorf("%w: %s without delta", ErrMalformedEvent, raw.Type)
		}
		return AudioDelta{ItemID: raw.ItemID, Delta: *raw.Delta}, nil
	case EventTypeResponseAudioTranscriptDelta, EventTypeResponseTextDelta:
		if raw.Delta == nil {
			return nil, fmt.Errorf("%w: %s without delta", ErrMalformedEvent, raw.Type)
		}
		return TranscriptDelta{ItemID: raw.ItemID, Delta: *raw.Delta}, nil
	case EventTypeResponseAudioTranscriptDone:
		if raw.Transcript == nil {
			return nil, fmt.Errorf("%w: %s without transcript", ErrMalformedEvent, raw.Type)
		}
		return TranscriptDone{ItemID: raw.ItemID, Transcript: *raw.Transcript}, nil
	case EventTypeResponseTextDone:
		if raw.Text == nil {
			return nil, fmt.Errorf("%w: %s without text", ErrMalformedEvent, raw.Type)
		}
		return TranscriptDone{ItemID: raw.ItemID, Transcript: *raw.Text}, nil
	case EventTypeConversationItemInputAudioTranscriptionCompleted:
		if raw.Transcript == nil {
			return nil, fmt.Errorf("%w: %s without transcript", ErrMalformedEvent, raw.Type)
		}
		return InputTranscriptionCompleted{ItemID: raw.ItemID, Transcript: *raw.Transcript}, nil
	case EventTypeInputAudioBufferSpeechStarted:
		return SpeechStarted{AudioStartMS: raw.AudioStartMS}, nil
	case EventTypeInputAudioBufferSpeechStopped:
		return SpeechStopped{AudioEndMS: raw.AudioEndMS}, nil
	case EventTypeError:
		if raw.Error == nil {
			return nil, fmt.Errorf("%w: error without detail", ErrMalformedEvent)
		}
		return ErrorEvent{Kind: raw.Error.Type, Code: raw.Error.Code, Message: raw.Error.Message, EventID: raw.EventID}, nil
	}
	if _, ok := ignoredTypes[raw.Type]; ok {
		return Ignored{Name: raw.Type}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.Type)
}

// Error codes for races the bridge provokes on purpose: cancelling a response
// that just finished, and asking for a response while one is running.
const (
	CodeResponseCancelNotActive       = "response_cancel_not_active"
	CodeConversationHasActiveResponse = "conversation_already_has_active_response"
)

// IsBenign reports whether an engine error is an expected protocol race.
func IsBenign(e ErrorEvent) bool {
	switch e.Code {
	case CodeResponseCancelNotActive, CodeConversationHasActiveResponse:
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "no active response") ||
		strings.Contains(msg, "already has an active response")
}

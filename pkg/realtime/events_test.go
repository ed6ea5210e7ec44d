package realtime

import (
	"errors"
	"testing"
)

func TestDecodeVariants(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Event
	}{
		{"session updated", `{"type":"session.updated","session":{"id":"s"}}`, SessionUpdated{}},
		{"response created", `{"type":"response.created","response":{"id":"r1","status":"in_progress"}}`, ResponseCreated{ResponseID: "r1"}},
		{"audio delta", `{"type":"response.audio.delta","item_id":"i","delta":"AAEC"}`, AudioDelta{ItemID: "i", Delta: "AAEC"}},
		{"transcript delta", `{"type":"response.audio_transcript.delta","item_id":"i","delta":"[EMA"}`, TranscriptDelta{ItemID: "i", Delta: "[EMA"}},
		{"text delta", `{"type":"response.text.delta","delta":"hola"}`, TranscriptDelta{Delta: "hola"}},
		{"transcript done", `{"type":"response.audio_transcript.done","transcript":"hola"}`, TranscriptDone{Transcript: "hola"}},
		{"text done", `{"type":"response.text.done","text":"hola"}`, TranscriptDone{Transcript: "hola"}},
		{"input transcription", `{"type":"conversation.item.input_audio_transcription.completed","item_id":"u1","transcript":"bueno"}`, InputTranscriptionCompleted{ItemID: "u1", Transcript: "bueno"}},
		{"speech started", `{"type":"input_audio_buffer.speech_started","audio_start_ms":1200}`, SpeechStarted{AudioStartMS: 1200}},
		{"speech stopped", `{"type":"input_audio_buffer.speech_stopped","audio_end_ms":1500}`, SpeechStopped{AudioEndMS: 1500}},
		{"error", `{"type":"error","event_id":"e1","error":{"type":"invalid_request_error","code":"response_cancel_not_active","message":"Cancellation failed: no active response found"}}`,
			ErrorEvent{Kind: "invalid_request_error", Code: "response_cancel_not_active", Message: "Cancellation failed: no active response found", EventID: "e1"}},
		{"ignored", `{"type":"rate_limits.updated","rate_limits":[]}`, Ignored{Name: "rate_limits.updated"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestDecodeResponseDone(t *testing.T) {
	in := `{"type":"response.done","response":{"id":"r2","status":"completed","output":[
		{"type":"message","content":[{"type":"audio","transcript":"Te escribo a [EMAIL:a@b.com]"}]},
		{"type":"message","content":[{"type":"text","text":"[NAME:Ana]"}]}]}}`
	ev, err := Decode([]byte(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	done, ok := ev.(ResponseDone)
	if !ok {
		t.Fatalf("expected ResponseDone, got %T", ev)
	}
	if done.Cancelled() || done.ResponseID != "r2" || len(done.Transcripts) != 2 {
		t.Fatalf("unexpected %+v", done)
	}
	if done.Transcripts[1] != "[NAME:Ana]" {
		t.Fatalf("unexpected transcripts %v", done.Transcripts)
	}

	ev, err = Decode([]byte(`{"type":"response.done","response":{"id":"r3","status":"cancelled"}}`))
	if err != nil || !ev.(ResponseDone).Cancelled() {
		t.Fatalf("expected cancelled response, got %+v %v", ev, err)
	}
	ev, err = Decode([]byte(`{"type":"response.cancelled"}`))
	if err != nil || !ev.(ResponseDone).Cancelled() || ev.Type() != EventTypeResponseCancelled {
		t.Fatalf("expected legacy cancelled, got %+v %v", ev, err)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{`not json`, ErrMalformedEvent},
		{`{"delta":"x"}`, ErrMalformedEvent},
		{`{"type":"response.audio.delta"}`, ErrMalformedEvent},
		{`{"type":"error"}`, ErrMalformedEvent},
		{`{"type":"conversation.item.input_audio_transcription.completed","transcript":null}`, ErrMalformedEvent},
		{`{"type":"response.teleport"}`, ErrUnknownEvent},
	}
	for _, tc := range cases {
		if _, err := Decode([]byte(tc.in)); !errors.Is(err, tc.want) {
			t.Fatalf("Decode(%s) error = %v, want %v", tc.in, err, tc.want)
		}
	}
}

func TestIsBenign(t *testing.T) {
	cases := []struct {
		ev   ErrorEvent
		want bool
	}{
		{ErrorEvent{Code: CodeResponseCancelNotActive}, true},
		{ErrorEvent{Code: CodeConversationHasActiveResponse}, true},
		{ErrorEvent{Message: "Conversation already has an active response"}, true},
		{ErrorEvent{Message: "Cancellation failed: no active response found"}, true},
		{ErrorEvent{Code: "invalid_api_key", Message: "Incorrect API key"}, false},
		{ErrorEvent{Code: "session_expired"}, false},
	}
	for _, tc := range cases {
		if got := IsBenign(tc.ev); got != tc.want {
			t.Fatalf("IsBenign(%+v) = %v, want %v", tc.ev, got, tc.want)
		}
	}
}

package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/transports"
)

type recordingBinder struct {
	mu    sync.Mutex
	binds map[string]string
}

func (b *recordingBinder) BindClient(callID, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.binds == nil {
		b.binds = map[string]string{}
	}
	b.binds[callID] = clientID
}

func (b *recordingBinder) get(callID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds[callID]
}

var noopHandler = CallHandlerFunc(func(context.Context, transports.Conn) {})

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	binder := &recordingBinder{}
	tr := New(cfg, binder, noopHandler, nil)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/incoming-call?client=acme", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	twimlBody := w.Body.String()
	for _, want := range []string{
		`<Connect>`,
		`url="wss://example.com/media-stream"`,
		`name="call_id"`, `value="CA123"`,
		`name="client_id"`, `value="acme"`,
	} {
		if !strings.Contains(twimlBody, want) {
			t.Fatalf("expected %q in TwiML, got %s", want, twimlBody)
		}
	}
	if got := binder.get("CA123"); got != "acme" {
		t.Fatalf("expected call bound to acme, got %q", got)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/incoming-call", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleVoiceDefaultClient(t *testing.T) {
	binder := &recordingBinder{}
	tr := New(Config{DefaultClient: "house"}, binder, noopHandler, nil)

	req := httptest.NewRequest(http.MethodPost, "http://bridge.local/incoming-call", strings.NewReader("CallSid=CA7"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := binder.get("CA7"); got != "house" {
		t.Fatalf("expected default client, got %q", got)
	}
	if !strings.Contains(w.Body.String(), `wss://bridge.local/media-stream`) {
		t.Fatalf("expected stream url from host, got %s", w.Body.String())
	}

	get := httptest.NewRecorder()
	tr.handleVoice(get, httptest.NewRequest(http.MethodGet, "http://bridge.local/incoming-call", nil))
	if get.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", get.Code)
	}
}

func startServer(t *testing.T, tr *Transport) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	tr.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream"
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeJSON(t *testing.T, c *websocket.Conn, v string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readOutbound(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestMediaStreamRoundTrip(t *testing.T) {
	events := make(chan transports.Event, 16)
	malformed := make(chan error, 4)
	done := make(chan struct{})
	handler := CallHandlerFunc(func(ctx context.Context, conn transports.Conn) {
		defer close(done)
		for {
			ev, err := conn.ReadEvent()
			if err != nil {
				if errorsx.HasReason(err, errorsx.ReasonMalformedFrame) {
					malformed <- err
					continue
				}
				return
			}
			events <- ev
			switch e := ev.(type) {
			case transports.Media:
				_ = conn.SendMedia(e.StreamID, e.Payload)
				_ = conn.Clear(e.StreamID)
			case transports.DTMF:
				_ = conn.SendDTMF(e.StreamID, "1w#")
			case transports.Stop:
				return
			}
		}
	})
	tr := New(Config{}, nil, handler, nil)
	srv := startServer(t, tr)
	c := dialStream(t, srv)

	writeJSON(t, c, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	writeJSON(t, c, `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"client_id":"acme","from":"+15550001"}}}`)
	writeJSON(t, c, `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"//79"}}`)

	if m := readOutbound(t, c); m["event"] != "media" || m["streamSid"] != "MZ1" || m["media"].(map[string]any)["payload"] != "//79" {
		t.Fatalf("unexpected media echo %v", m)
	}
	if m := readOutbound(t, c); m["event"] != "clear" || m["streamSid"] != "MZ1" {
		t.Fatalf("unexpected clear %v", m)
	}

	writeJSON(t, c, `{"event":"media","streamSid":"MZ1"}`)
	writeJSON(t, c, `{"event":"dtmf","streamSid":"MZ1","dtmf":{"track":"inbound_track","digit":"5"}}`)
	for _, digit := range []string{"1", "#"} {
		m := readOutbound(t, c)
		if m["event"] != "dtmf" || m["dtmf"].(map[string]any)["digit"] != digit {
			t.Fatalf("expected dtmf %s, got %v", digit, m)
		}
	}
	writeJSON(t, c, `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not return after stop")
	}

	var got []transports.Event
	for len(events) > 0 {
		got = append(got, <-events)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d: %#v", len(got), got)
	}
	start, ok := got[1].(transports.Start)
	if !ok || start.CallID != "CA1" || start.StreamID != "MZ1" || start.Param(transports.ParamClientID) != "acme" || start.From != "+15550001" {
		t.Fatalf("unexpected start %#v", got[1])
	}
	if d, ok := got[3].(transports.DTMF); !ok || d.Digit != "5" {
		t.Fatalf("unexpected dtmf %#v", got[3])
	}
	if s, ok := got[4].(transports.Stop); !ok || s.Reason != "completed" {
		t.Fatalf("unexpected stop %#v", got[4])
	}
	if len(malformed) != 1 {
		t.Fatalf("expected one malformed frame, got %d", len(malformed))
	}
	if err := <-malformed; !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestHandleStatusCallbackEndsStream(t *testing.T) {
	started := make(chan struct{})
	stops := make(chan transports.Stop, 1)
	handler := CallHandlerFunc(func(ctx context.Context, conn transports.Conn) {
		for {
			ev, err := conn.ReadEvent()
			if err != nil {
				return
			}
			switch e := ev.(type) {
			case transports.Start:
				close(started)
			case transports.Stop:
				stops <- e
				return
			}
		}
	})
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg, nil, handler, nil)
	srv := startServer(t, tr)
	c := dialStream(t, srv)
	writeJSON(t, c, `{"event":"start","streamSid":"MZ9","start":{"streamSid":"MZ9","callSid":"CA9"}}`)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("start not delivered")
	}

	ringing := statusRequest(t, tr, cfg.AuthToken, "CA9", "ringing")
	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, ringing)
	if w.Code != http.StatusOK || tr.connForCall("CA9") == nil {
		t.Fatalf("non terminal status must keep the stream")
	}

	w = httptest.NewRecorder()
	tr.handleStatusCallback(w, statusRequest(t, tr, cfg.AuthToken, "CA9", "busy"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case stop := <-stops:
		if stop.Reason != "busy" || stop.StreamID != "MZ9" {
			t.Fatalf("unexpected stop %#v", stop)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected stop after terminal status")
	}
}

func statusRequest(t *testing.T, tr *Transport, token, callSID, status string) *http.Request {
	t.Helper()
	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", status)
	req := httptest.NewRequest(http.MethodPost, "https://example.com/call-status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sig := computeSignature(token, tr.requestURL(req), map[string]string{"CallSid": callSID, "CallStatus": status})
	req.Header.Set("X-Twilio-Signature", sig)
	return req
}

func TestShutdownEndsLiveStreams(t *testing.T) {
	stops := make(chan transports.Stop, 1)
	started := make(chan struct{})
	handler := CallHandlerFunc(func(ctx context.Context, conn transports.Conn) {
		for {
			ev, err := conn.ReadEvent()
			if err != nil {
				return
			}
			switch e := ev.(type) {
			case transports.Start:
				close(started)
			case transports.Stop:
				stops <- e
				return
			}
		}
	})
	tr := New(Config{}, nil, handler, nil)
	srv := startServer(t, tr)
	c := dialStream(t, srv)
	writeJSON(t, c, `{"event":"start","streamSid":"MZ2","start":{"streamSid":"MZ2","callSid":"CA2"}}`)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if stop := <-stops; stop.Reason != "shutdown" {
		t.Fatalf("expected shutdown reason, got %#v", stop)
	}
	if tr.Active() != 0 {
		t.Fatalf("expected no live streams, got %d", tr.Active())
	}
	resp, err := http.Get(srv.URL + "/media-stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", resp.StatusCode)
	}
}

func TestDecodeEventRejects(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"event":"start","start":{}}`,
		`{"event":"media","media":{}}`,
		`{"event":"dtmf","dtmf":{}}`,
		`{"event":"mark"}`,
		`{"event":"teleport"}`,
	}
	for _, in := range cases {
		if _, err := decodeEvent([]byte(in)); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("decodeEvent(%s) = %v, want ErrMalformedEvent", in, err)
		}
	}
	ev, err := decodeEvent([]byte(`{"event":"stop","streamSid":"MZ1"}`))
	if err != nil || ev.(transports.Stop).Reason != "completed" {
		t.Fatalf("bare stop should complete, got %#v %v", ev, err)
	}
	ev, err = decodeEvent([]byte(`{"event":"start","start":{"streamSid":"MZ1","customParameters":{"call_id":"CA5"}}}`))
	if err != nil || ev.(transports.Start).CallID != "CA5" {
		t.Fatalf("call id should fall back to the stream parameter, got %#v %v", ev, err)
	}
}

func TestDecodeMarkKeepsLabel(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"event":"mark","streamSid":"MZ1","mark":{"name":"opening"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	mark, ok := ev.(transports.Mark)
	if !ok || mark.Label != "opening" || mark.StreamID != "MZ1" || mark.Name() != "mark" {
		t.Fatalf("unexpected mark %#v", ev)
	}
}

func TestCheckOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"https://media.twilio.com", "edge.example.com"}}, nil, noopHandler, nil)
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://media.twilio.com", true},
		{"https://media.twilio.com/", true},
		{"http://media.twilio.com", false},
		{"https://edge.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://bridge.local/media-stream", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		if got := tr.checkOrigin(req); got != tc.want {
			t.Fatalf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"":            "",
		"in-progress": "",
		"completed":   "completed",
		"Busy":        "busy",
		"no-answer":   "no_answer",
		"canceled":    "failed",
		"weird":       "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

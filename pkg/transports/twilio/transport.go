// Package twilio answers inbound Twilio voice calls with a bidirectional Media
// Stream and exposes each stream as a transports.Conn.
package twilio

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/transports"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	DefaultClient      string   `mapstructure:"default_client"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":3000"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/incoming-call"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media-stream"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/call-status"
	}
	if c.DefaultClient == "" {
		c.DefaultClient = "default"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// ClientBinder records which client profile serves a call.
type ClientBinder interface {
	BindClient(callID, clientID string)
}

// CallHandler runs one media stream to completion. The connection is closed
// when HandleCall returns.
type CallHandler interface {
	HandleCall(ctx context.Context, conn transports.Conn)
}

type CallHandlerFunc func(ctx context.Context, conn transports.Conn)

func (f CallHandlerFunc) HandleCall(ctx context.Context, conn transports.Conn) { f(ctx, conn) }

type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	binder   ClientBinder
	handler  CallHandler
	log      *slog.Logger

	mu    sync.Mutex
	calls map[string]*MediaConn
	live  map[*MediaConn]struct{}
	wg    sync.WaitGroup

	draining atomic.Bool
}

func New(cfg Config, binder ClientBinder, handler CallHandler, log *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		cfg:     cfg,
		binder:  binder,
		handler: handler,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		calls: make(map[string]*MediaConn),
		live:  make(map[*MediaConn]struct{}),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
		"media_stream_path":   t.cfg.WebsocketPath,
	}
}

var _ transports.ReadyReporter = (*Transport)(nil)

// Register mounts the voice webhook, the media stream upgrade and the status
// callback on mux.
func (t *Transport) Register(mux *http.ServeMux) {
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
}

// Shutdown rejects new streams, ends the live ones and waits for their
// handlers to return or ctx to expire.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.draining.Store(true)
	live := make([]*MediaConn, 0, len(t.live))
	for c := range t.live {
		live = append(live, c)
	}
	t.mu.Unlock()
	for _, c := range live {
		c.terminate("shutdown")
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of open media streams.
func (t *Transport) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("twilio_upgrade_failed", "error", err.Error())
		return
	}
	mc := newMediaConn(conn, t.log, t.trackCall)

	t.mu.Lock()
	if t.draining.Load() {
		t.mu.Unlock()
		_ = mc.Close()
		return
	}
	t.live[mc] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	defer func() {
		t.untrack(mc)
		_ = mc.Close()
		t.wg.Done()
	}()
	t.handler.HandleCall(r.Context(), mc)
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	clientID := strings.TrimSpace(r.URL.Query().Get("client"))
	if clientID == "" {
		clientID = t.cfg.DefaultClient
	}
	if callSID != "" && t.binder != nil {
		t.binder.BindClient(callSID, clientID)
	}
	t.log.Info("incoming_call", "call_sid", callSID, "client_id", clientID, "from", redact.Field("phone", from))

	body, err := t.answerTwiML(r, callSID, clientID, from)
	if err != nil {
		t.log.Error("twilio_twiml_failed", "error", err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(body))
}

// answerTwiML connects the call to the media stream, passing the identifiers
// as stream parameters so the profile resolves before audio flows.
func (t *Transport) answerTwiML(r *http.Request, callSID, clientID, from string) (string, error) {
	params := []twiml.Element{
		&twiml.VoiceParameter{Name: transports.ParamCallID, Value: callSID},
		&twiml.VoiceParameter{Name: transports.ParamClientID, Value: clientID},
	}
	if from != "" {
		params = append(params, &twiml.VoiceParameter{Name: transports.ParamFrom, Value: from})
	}
	stream := &twiml.VoiceStream{Url: t.websocketURL(r), InnerElements: params}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	return twiml.Voice([]twiml.Element{connect})
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if mc := t.connForCall(callSID); mc != nil {
		t.log.Info("twilio_call_status_end", "call_sid", callSID, "reason", reason)
		mc.terminate(reason)
	}
	w.WriteHeader(http.StatusOK)
}

// trackCall indexes a stream by call id once its start event arrives. A newer
// stream for the same call replaces the old one, which is closed.
func (t *Transport) trackCall(callID string, mc *MediaConn) {
	t.mu.Lock()
	old := t.calls[callID]
	t.calls[callID] = mc
	t.mu.Unlock()
	if old != nil && old != mc {
		t.log.Info("twilio_stream_replaced", "call_sid", callID)
		old.terminate("failed")
	}
}

func (t *Transport) untrack(mc *MediaConn) {
	t.mu.Lock()
	delete(t.live, mc)
	for id, c := range t.calls {
		if c == mc {
			delete(t.calls, id)
		}
	}
	t.mu.Unlock()
}

func (t *Transport) connForCall(callSID string) *MediaConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[callSID]
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return t.publicURL(t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return t.publicURL(t.cfg.StatusCallbackPath)
}

func (t *Transport) publicURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	case "shutdown":
		return "shutdown"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

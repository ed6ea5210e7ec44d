// Package realtime speaks the OpenAI Realtime websocket protocol: one session
// per call, audio in and out as base64 G.711 μ-law, and typed server events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

const (
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
	DefaultURL   = "wss://api.openai.com/v1/realtime"

	// Audio deltas for long turns easily exceed the library's 32 KiB default.
	defaultReadLimit = 4 << 20
	sendQueueSize    = 512

	// Control messages (session, items, responses, cancels) skip ahead of
	// queued audio and may wait this long for room instead of being dropped.
	controlQueueSize = 32
	controlWait      = 250 * time.Millisecond
)

var (
	ErrSessionClosed = errors.New("realtime: session closed")
	ErrSendQueueFull = errors.New("realtime: send queue full")
	ErrCircuitOpen   = errors.New("realtime: circuit open after rate limiting")
)

type Config struct {
	APIKey      string
	Model       string
	URL         string
	DialTimeout time.Duration
	DialRetries int
	DialBackoff time.Duration
	ReadLimit   int64
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// Client opens realtime sessions. It is shared by all calls.
type Client struct {
	cfg     Config
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	retry := resilience.NewRetryPolicy(cfg.DialRetries, cfg.DialBackoff)
	retry.Retryable = func(err error) bool {
		var se statusError
		if errors.As(err, &se) {
			return se.code >= 500
		}
		return !resilience.IsRateLimit(err)
	}
	retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("realtime_dial_retry", "attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err.Error())
	}
	return &Client{
		cfg:     cfg,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		log:     log,
	}
}

type statusError struct {
	code int
	err  error
}

func (e statusError) Error() string { return fmt.Sprintf("realtime: handshake status %d: %v", e.code, e.err) }
func (e statusError) Unwrap() error { return e.err }

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("realtime: url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", c.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a session. Handshake failures are retried per the dial policy;
// repeated rate limiting opens the circuit and fails fast.
func (c *Client) Dial(ctx context.Context) (*Session, error) {
	if !c.breaker.Allow() {
		return nil, errorsx.Wrap(ErrCircuitOpen, errorsx.ReasonAICircuitOpen)
	}
	before := c.breaker.State()
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonAIConnect)
	}
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	var conn *websocket.Conn
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		ws, resp, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				err = resilience.RateLimitError{
					Provider:   "openai",
					Message:    "realtime: rate limited",
					RetryAfter: resilience.ParseRetryAfter(resp.Header, time.Now()),
				}
			} else if resp != nil && resp.StatusCode != 0 {
				err = statusError{code: resp.StatusCode, err: err}
			}
			c.breaker.OnError(err)
			return err
		}
		conn = ws
		return nil
	})
	if err != nil {
		if after := c.breaker.State(); after != before && after == resilience.BreakerOpen {
			c.log.Warn("realtime_circuit_opened", "previous", before.String())
		}
		if resilience.IsRateLimit(err) {
			return nil, errorsx.Wrap(err, errorsx.ReasonAIRateLimit)
		}
		return nil, errorsx.Wrap(fmt.Errorf("realtime: dial: %w", err), errorsx.ReasonAIConnect)
	}
	c.breaker.OnSuccess()
	conn.SetReadLimit(c.cfg.ReadLimit)
	return newSession(conn), nil
}

// Session is one engine connection. Writes are queued and sent by a single
// writer goroutine so callers never block on the network. Audio is dropped
// when its queue is full; control messages are written first.
type Session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	ctrlCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	errVal    error
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		sendCh: make(chan []byte, sendQueueSize),
		ctrlCh: make(chan []byte, controlQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	for {
		msg, ok := s.next()
		if !ok {
			return
		}
		if err := s.conn.Write(s.ctx, websocket.MessageText, msg); err != nil {
			if s.ctx.Err() == nil {
				s.setErr(errorsx.Wrap(fmt.Errorf("realtime: write: %w", err), errorsx.ReasonAISend))
			}
			s.cancel()
			return
		}
	}
}

// next returns the next message to write, preferring control messages.
func (s *Session) next() ([]byte, bool) {
	select {
	case msg := <-s.ctrlCh:
		return msg, true
	default:
	}
	select {
	case <-s.ctx.Done():
		return nil, false
	case msg := <-s.ctrlCh:
		return msg, true
	case msg := <-s.sendCh:
		return msg, true
	}
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (s *Session) enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if s.ctx.Err() != nil {
		return s.closedErr()
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return errorsx.Wrap(ErrSendQueueFull, errorsx.ReasonAISend)
	}
}

func (s *Session) enqueueControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if s.ctx.Err() != nil {
		return s.closedErr()
	}
	select {
	case s.ctrlCh <- data:
		return nil
	default:
	}
	t := time.NewTimer(controlWait)
	defer t.Stop()
	select {
	case s.ctrlCh <- data:
		return nil
	case <-s.ctx.Done():
		return s.closedErr()
	case <-t.C:
		return errorsx.Wrap(ErrSendQueueFull, errorsx.ReasonAISend)
	}
}

// UpdateSession sends session.update.
func (s *Session) UpdateSession(cfg SessionConfig) error {
	return s.enqueueControl(sessionUpdateMessage{Type: EventTypeSessionUpdate, Session: cfg.params()})
}

// AppendAudio forwards one base64 audio payload to the input buffer.
func (s *Session) AppendAudio(payload string) error {
	return s.enqueue(appendAudioMessage{Type: EventTypeInputAudioBufferAppend, Audio: payload})
}

// CreateTextItem adds a text message to the conversation. Roles other than
// system and assistant are sent as user.
func (s *Session) CreateTextItem(role, text string) error {
	partType := "input_text"
	switch role {
	case "system":
	case "assistant":
		partType = "text"
	default:
		role = "user"
	}
	return s.enqueueControl(createItemMessage{
		Type: EventTypeConversationItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []conversationPart{{Type: partType, Text: text}},
		},
	})
}

func (s *Session) CreateResponse() error {
	return s.enqueueControl(typeOnly{Type: EventTypeResponseCreate})
}

func (s *Session) CancelResponse() error {
	return s.enqueueControl(typeOnly{Type: EventTypeResponseCancel})
}

// ReadEvent blocks for the next server event. Decode errors wrap
// ErrMalformedEvent or ErrUnknownEvent and leave the session usable; any other
// error means the connection is gone.
func (s *Session) ReadEvent(ctx context.Context) (Event, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if werr := s.Err(); werr != nil {
			return nil, werr
		}
		return nil, fmt.Errorf("realtime: read: %w", err)
	}
	ev, err := Decode(data)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			return nil, errorsx.Wrap(err, errorsx.ReasonUnknownEvent)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonMalformedFrame)
	}
	return ev, nil
}

// Err returns the first write failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
}

// Close is idempotent. Queued writes that were not yet sent are dropped.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callbridge/pkg/clock"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/profile"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/transcript"
	"github.com/harunnryd/callbridge/pkg/transports"
	"github.com/harunnryd/callbridge/pkg/turn"
)

// Call end reasons produced by the bridge itself. Telephony stop events carry
// their own normalized reason.
const (
	EndTransportError = "transport_error"
	EndAIClosed       = "ai_closed"
	EndShutdown       = "shutdown"
)

// Drop reasons for the frames.dropped metric.
const (
	dropNotInitialized = "not_initialized"
	dropMalformed      = "malformed"
	dropBackpressure   = "backpressure"
)

// call is one bridged stream. Every field below the channels is owned by the
// loop goroutine; readers, the dialer and timers hand work to it through
// events, which is unbuffered so nothing sent is ever left unprocessed.
type call struct {
	b      *Bridge
	tel    transports.Conn
	events chan func()
	done   chan struct{}
	ctx    context.Context
	log    *slog.Logger

	callID   string
	clientID string
	streamID string
	traceID  string
	from     string
	started  time.Time

	prof        profile.Profile
	ai          AIConn
	initialized bool
	openingSent bool
	controller  *turn.Controller
	tr          *transcript.Transcript
	extractor   *transcript.Extractor
	hinted      map[string]bool
	ended       bool
}

func newCall(b *Bridge, tel transports.Conn) *call {
	return &call{
		b:      b,
		tel:    tel,
		events: make(chan func()),
		done:   make(chan struct{}),
		log:    b.log,
		hinted: make(map[string]bool),
	}
}

func (c *call) run(ctx context.Context) {
	c.ctx = ctx
	defer close(c.done)
	for !c.ended {
		select {
		case fn := <-c.events:
			fn()
		case <-ctx.Done():
			c.end(EndShutdown)
		}
	}
}

// post hands fn to the loop. It reports false once the call has ended.
func (c *call) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// loopClock schedules timer callbacks onto the call loop.
type loopClock struct {
	clock.Clock
	c *call
}

func (l loopClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return l.Clock.AfterFunc(d, func() { l.c.post(f) })
}

func (c *call) readTelephony() {
	for {
		ev, err := c.tel.ReadEvent()
		if err != nil {
			if errorsx.HasReason(err, errorsx.ReasonMalformedFrame) {
				if !c.post(func() { c.malformed("telephony", err) }) {
					return
				}
				continue
			}
			c.post(func() {
				if !c.ended {
					c.log.Warn("telephony_read_failed", "error", err.Error())
				}
				c.end(EndTransportError)
			})
			return
		}
		if !c.post(func() { c.onTelephony(ev) }) {
			return
		}
		if _, ok := ev.(transports.Stop); ok {
			return
		}
	}
}

func (c *call) readAI(ai AIConn) {
	for {
		ev, err := ai.ReadEvent(c.ctx)
		if err != nil {
			if errorsx.HasReason(err, errorsx.ReasonMalformedFrame, errorsx.ReasonUnknownEvent) {
				if !c.post(func() { c.malformed("ai", err) }) {
					return
				}
				continue
			}
			c.post(func() {
				if !c.ended {
					c.log.Warn("ai_read_failed", "error", err.Error())
				}
				c.end(EndAIClosed)
			})
			return
		}
		if !c.post(func() { c.onAI(ev) }) {
			return
		}
	}
}

func (c *call) malformed(side string, err error) {
	c.b.metrics.FrameDropped(c.ctx, dropMalformed)
	c.log.Warn("malformed_frame_dropped", append([]any{"side", side}, errorsx.LogAttrs(err)...)...)
}

func (c *call) onTelephony(ev transports.Event) {
	switch e := ev.(type) {
	case transports.Connected:
		c.log.Debug("media_stream_connected", "protocol", e.Protocol)
	case transports.Start:
		c.onStart(e)
	case transports.Media:
		c.onMedia(e)
	case transports.DTMF:
		c.log.Info("caller_dtmf", "digit", e.Digit)
	case transports.Mark:
		c.log.Debug("media_mark", "label", e.Label)
	case transports.Stop:
		c.end(e.Reason)
	}
}

func (c *call) onStart(e transports.Start) {
	if c.callID != "" {
		c.log.Warn("duplicate_stream_start", "stream_sid", e.StreamID)
		return
	}
	b := c.b
	c.streamID = e.StreamID
	c.callID = e.CallID
	if c.callID == "" {
		c.callID = e.StreamID
	}
	c.from = e.From
	c.traceID = uuid.NewString()
	c.started = b.clock.Now()

	clientID, ok := b.registry.ClientFor(c.callID)
	if !ok {
		clientID = e.Param(transports.ParamClientID)
	}
	if clientID == "" {
		clientID = b.cfg.DefaultClient
	}
	c.clientID = clientID
	b.registry.BindClient(c.callID, clientID)
	c.prof = b.profiles.Get(clientID)
	c.tr = b.registry.OpenTranscript(c.callID)
	c.extractor = transcript.NewExtractor(c.tr)

	delay := b.cfg.BargeInDelay
	if c.prof.BargeInDelayMS != nil && *c.prof.BargeInDelayMS > 0 {
		delay = time.Duration(*c.prof.BargeInDelayMS) * time.Millisecond
	}
	c.controller = turn.NewController(loopClock{Clock: b.clock, c: c}, delay, turn.InterrupterFuncs{
		Clear:  func() error { return c.tel.Clear(c.streamID) },
		Cancel: func() error {
			if c.ai == nil {
				return nil
			}
			return c.ai.CancelResponse()
		},
	})
	c.controller.AddListener(c.onTurnChange)

	c.log = logging.WithCall(b.log, c.callID, c.streamID, c.traceID).With("client_id", clientID)
	b.metrics.CallStarted(c.ctx)
	c.log.Info("call_started", "from", redact.Field("phone", c.from), "company", c.prof.CompanyName, "barge_in_delay_ms", delay.Milliseconds())

	go c.dial()
}

func (c *call) dial() {
	ai, err := c.b.dial(c.ctx)
	if !c.post(func() { c.onDialed(ai, err) }) && ai != nil {
		_ = ai.Close()
	}
}

// onDialed configures the session. A failed dial leaves the telephony leg
// open; the caller hears silence until the platform gives up.
func (c *call) onDialed(ai AIConn, err error) {
	if err != nil {
		c.b.metrics.AIError(c.ctx, string(errorsx.Reason(err)), false)
		c.log.Warn("ai_connect_failed", errorsx.LogAttrs(err)...)
		return
	}
	if c.ended {
		_ = ai.Close()
		return
	}
	c.ai = ai
	if err := ai.UpdateSession(c.sessionConfig()); err != nil {
		c.log.Warn("ai_session_update_failed", errorsx.LogAttrs(err)...)
		c.end(EndAIClosed)
		return
	}
	c.initialized = true
	go c.readAI(ai)
	c.log.Info("ai_session_configured", "voice", c.voice())
}

func (c *call) voice() string {
	if c.prof.Voice != "" {
		return c.prof.Voice
	}
	return c.b.cfg.Voice
}

func (c *call) sessionConfig() realtime.SessionConfig {
	vad := c.prof.VAD
	d := c.b.cfg.VAD
	if vad.Threshold == 0 {
		vad.Threshold = d.Threshold
	}
	if vad.PrefixPaddingMS == 0 {
		vad.PrefixPaddingMS = d.PrefixPaddingMS
	}
	if vad.SilenceDurationMS == 0 {
		vad.SilenceDurationMS = d.SilenceDurationMS
	}
	temp := DefaultTemperature
	if c.prof.Temperature != nil {
		temp = *c.prof.Temperature
	}
	instructions := ""
	if c.b.instructions != nil {
		instructions = c.b.instructions.Instructions(c.prof)
	}
	return realtime.SessionConfig{
		Instructions: instructions,
		Voice:        c.voice(),
		Temperature:  temp,
		TurnDetection: realtime.TurnDetection{
			Threshold:         vad.Threshold,
			PrefixPaddingMS:   vad.PrefixPaddingMS,
			SilenceDurationMS: vad.SilenceDurationMS,
		},
		InputAudioFormat:   realtime.AudioFormatG711ULaw,
		OutputAudioFormat:  realtime.AudioFormatG711ULaw,
		TranscriptionModel: c.b.cfg.TranscriptionModel,
	}
}

// onMedia forwards caller audio once the engine session is configured. Earlier
// frames are dropped, not queued.
func (c *call) onMedia(e transports.Media) {
	if !c.initialized {
		c.b.metrics.FrameDropped(c.ctx, dropNotInitialized)
		return
	}
	if err := c.ai.AppendAudio(e.Payload); err != nil {
		c.sendFailed("ai_append_failed", err)
	}
}

func (c *call) sendFailed(event string, err error) {
	if errors.Is(err, realtime.ErrSendQueueFull) || errorsx.HasReason(err, errorsx.ReasonTransportSend) {
		c.b.metrics.FrameDropped(c.ctx, dropBackpressure)
	}
	c.log.Warn(event, errorsx.LogAttrs(err)...)
}

func (c *call) onAI(ev realtime.Event) {
	if c.ended {
		return
	}
	switch e := ev.(type) {
	case realtime.SessionCreated:
		c.log.Debug("ai_session_created")
	case realtime.SessionUpdated:
		c.sendOpening()
	case realtime.ResponseCreated:
		c.controller.OnResponseCreated()
	case realtime.ResponseDone:
		c.controller.OnResponseDone()
		for _, text := range e.Transcripts {
			c.handleTags(c.extractor.ApplyFinal(text))
		}
	case realtime.AudioDelta:
		if err := c.tel.SendMedia(c.streamID, e.Delta); err != nil {
			c.sendFailed("telephony_media_send_failed", err)
		}
	case realtime.TranscriptDelta:
		c.handleTags(c.extractor.Append(e.Delta))
	case realtime.TranscriptDone:
		c.tr.AddAgent(e.Transcript)
		c.log.Info("agent_said", "text", redact.Text(e.Transcript))
		c.handleTags(c.extractor.ApplyFinal(e.Transcript))
	case realtime.InputTranscriptionCompleted:
		c.tr.AddClient(e.Transcript)
		c.log.Info("caller_said", "text", redact.Text(e.Transcript))
		c.detectMenu(e.Transcript)
	case realtime.SpeechStarted:
		c.controller.OnSpeechStarted()
	case realtime.SpeechStopped:
		if c.controller.OnSpeechStopped() {
			c.b.metrics.BargeIn(c.ctx, false)
			c.log.Debug("barge_in_discarded")
		}
	case realtime.ErrorEvent:
		c.onAIError(e)
	}
}

// sendOpening makes the agent speak first. Duplicate acknowledgements never
// send it twice.
func (c *call) sendOpening() {
	if c.openingSent {
		return
	}
	c.openingSent = true
	if err := c.ai.CreateTextItem("user", c.b.cfg.OpeningText); err != nil {
		c.sendFailed("ai_opening_failed", err)
		return
	}
	if err := c.ai.CreateResponse(); err != nil {
		c.sendFailed("ai_opening_failed", err)
	}
}

func (c *call) onAIError(e realtime.ErrorEvent) {
	benign := realtime.IsBenign(e)
	c.b.metrics.AIError(c.ctx, e.Code, benign)
	if benign {
		c.log.Debug("ai_protocol_race", "code", e.Code, "message", e.Message)
		return
	}
	c.log.Warn("ai_error", "kind", e.Kind, "code", e.Code, "message", e.Message, "reason_code", string(errorsx.ReasonAIEngine))
}

func (c *call) onTurnChange(ev turn.StateChange) {
	if ev.Reason != turn.ReasonBargeIn {
		return
	}
	c.b.metrics.BargeIn(c.ctx, true)
	if ev.Err != nil {
		c.log.Warn("barge_in_partial", errorsx.LogAttrs(ev.Err)...)
	}
	c.log.Info("barge_in_confirmed", "interrupts", c.controller.Interrupts())
}

func (c *call) handleTags(tags []transcript.Tag) {
	for _, tag := range tags {
		if tag.Kind == transcript.TagDTMF {
			if err := c.tel.SendDTMF(c.streamID, tag.Value); err != nil {
				c.sendFailed("dtmf_send_failed", err)
				continue
			}
			c.b.metrics.DTMF(c.ctx)
			c.log.Info("dtmf_sent", "digits", tag.Value)
			continue
		}
		field := tag.Kind.Field()
		c.b.metrics.FieldCaptured(c.ctx, field)
		c.log.Info("field_captured", "field", field, "value", redact.Field(field, tag.Value))
	}
}

func (c *call) detectMenu(text string) {
	res := c.b.detector.Detect(text)
	if !res.Menu {
		return
	}
	actionable := res.Actionable()
	c.b.metrics.IVRMenu(c.ctx, actionable)
	c.log.Info("ivr_menu_detected", "digit", res.Digit, "department", res.Department, "actionable", actionable)
	if !actionable || !c.b.cfg.HintAgentOnIVR {
		return
	}
	key := res.Digit + "|" + res.Department
	if c.hinted[key] {
		return
	}
	c.hinted[key] = true
	hint := fmt.Sprintf("Menu automatico detectado: para %s marque %s. Si esa es el area correcta responde con [DTMF:%s].",
		res.Department, res.Digit, res.Digit)
	if err := c.ai.CreateTextItem("system", hint); err != nil {
		c.sendFailed("ivr_hint_failed", err)
	}
}

// end tears the call down exactly once.
func (c *call) end(reason string) {
	if c.ended {
		return
	}
	c.ended = true
	if c.controller != nil {
		c.controller.Close()
	}
	if c.ai != nil {
		_ = c.ai.Close()
	}
	_ = c.tel.Close()
	if c.callID == "" {
		c.log.Debug("stream_closed_before_start", "reason", reason)
		return
	}
	b := c.b
	rec := transcript.Record{
		CallID:     c.callID,
		ClientID:   c.clientID,
		StreamID:   c.streamID,
		TraceID:    c.traceID,
		From:       c.from,
		StartedAt:  c.started,
		EndedAt:    b.clock.Now(),
		EndReason:  reason,
		Transcript: c.tr.Snapshot(),
	}
	ctx := context.WithoutCancel(c.ctx)
	if err := b.sink.Deliver(ctx, rec); err != nil {
		c.log.Warn("transcript_delivery_failed", "error", err.Error())
	}
	b.registry.End(c.callID)
	b.metrics.CallEnded(ctx, reason, rec.Duration())
	c.log.Info("call_ended", "reason", reason, "duration_seconds", rec.Duration().Seconds(),
		"captured_fields", len(rec.Transcript.CapturedData))
}

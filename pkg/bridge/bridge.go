// Package bridge connects a telephony media stream to a realtime speech engine
// session. Each call runs on its own event loop; the only state shared between
// calls lives in the session registry and the profile store.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/callbridge/pkg/clock"
	"github.com/harunnryd/callbridge/pkg/ivr"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/profile"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/transcript"
	"github.com/harunnryd/callbridge/pkg/transports"
	"github.com/harunnryd/callbridge/pkg/turn"
)

// AIConn is the engine side of one call. *realtime.Session implements it.
type AIConn interface {
	UpdateSession(cfg realtime.SessionConfig) error
	AppendAudio(payload string) error
	CreateTextItem(role, text string) error
	CreateResponse() error
	CancelResponse() error
	ReadEvent(ctx context.Context) (realtime.Event, error)
	Close() error
}

// DialFunc opens an engine session for a new call.
type DialFunc func(ctx context.Context) (AIConn, error)

// RealtimeDialer dials sessions with c.
func RealtimeDialer(c *realtime.Client) DialFunc {
	return func(ctx context.Context) (AIConn, error) {
		s, err := c.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// InstructionBuilder renders the agent instructions for a profile.
type InstructionBuilder interface {
	Instructions(p profile.Profile) string
}

// TranscriptSink receives every finished call's transcript.
type TranscriptSink interface {
	Deliver(ctx context.Context, rec transcript.Record) error
}

type Config struct {
	// DefaultClient serves calls that carry no client binding.
	DefaultClient string
	// OpeningText is sent as a user turn once the session is configured so
	// the agent speaks first.
	OpeningText string
	// BargeInDelay is the confirmation window unless a profile overrides it.
	BargeInDelay time.Duration
	// VAD fills zero fields of a profile's VAD settings.
	VAD                profile.VAD
	Voice              string
	TranscriptionModel string
	// HintAgentOnIVR forwards actionable menu detections to the agent as a
	// system message. The agent's own [DTMF:N] tag stays the only thing that
	// sends tones.
	HintAgentOnIVR bool
}

func (c Config) withDefaults() Config {
	if c.DefaultClient == "" {
		c.DefaultClient = "default"
	}
	if c.OpeningText == "" {
		c.OpeningText = "Hola"
	}
	if c.BargeInDelay <= 0 {
		c.BargeInDelay = turn.DefaultDelay
	}
	d := profile.DefaultDefaults()
	if c.VAD.Threshold == 0 {
		c.VAD.Threshold = d.VAD.Threshold
	}
	if c.VAD.PrefixPaddingMS == 0 {
		c.VAD.PrefixPaddingMS = d.VAD.PrefixPaddingMS
	}
	if c.VAD.SilenceDurationMS == 0 {
		c.VAD.SilenceDurationMS = d.VAD.SilenceDurationMS
	}
	if c.Voice == "" {
		c.Voice = d.Voice
	}
	return c
}

// DefaultTemperature is used when a profile has none.
const DefaultTemperature = 1.0

type Deps struct {
	Registry     session.Registry
	Profiles     profile.Store
	Dial         DialFunc
	Instructions InstructionBuilder
	Sink         TranscriptSink
	Detector     *ivr.Detector
	Clock        clock.Clock
	Metrics      *metrics.Metrics
	Log          *slog.Logger
}

type Bridge struct {
	cfg          Config
	registry     session.Registry
	profiles     profile.Store
	dial         DialFunc
	instructions InstructionBuilder
	sink         TranscriptSink
	detector     *ivr.Detector
	clock        clock.Clock
	metrics      *metrics.Metrics
	log          *slog.Logger
}

func New(cfg Config, deps Deps) *Bridge {
	b := &Bridge{
		cfg:          cfg.withDefaults(),
		registry:     deps.Registry,
		profiles:     deps.Profiles,
		dial:         deps.Dial,
		instructions: deps.Instructions,
		sink:         deps.Sink,
		detector:     deps.Detector,
		clock:        deps.Clock,
		metrics:      deps.Metrics,
		log:          logging.NewComponentLogger(deps.Log, "bridge"),
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.metrics == nil {
		b.metrics = metrics.Noop()
	}
	if b.detector == nil {
		b.detector = ivr.NewDetector(ivr.Config{})
	}
	if b.sink == nil {
		b.sink = transcript.NewLogSink(b.log)
	}
	return b
}

// HandleCall bridges one media stream until either side ends it. It returns
// after teardown: both connections closed and the transcript handed off.
func (b *Bridge) HandleCall(ctx context.Context, conn transports.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := newCall(b, conn)
	go c.readTelephony()
	c.run(ctx)
}

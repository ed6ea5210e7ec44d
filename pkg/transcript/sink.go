package transcript

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/callbridge/pkg/redact"
)

// Record is the final hand-off of one call's transcript.
type Record struct {
	CallID     string    `json:"call_sid"`
	ClientID   string    `json:"client_id"`
	StreamID   string    `json:"stream_sid"`
	TraceID    string    `json:"trace_id"`
	From       string    `json:"from,omitempty"`
	StartedAt  time.Time `json:"start_time"`
	EndedAt    time.Time `json:"end_time"`
	EndReason  string    `json:"end_reason"`
	Transcript Snapshot  `json:"transcript"`
}

// Duration returns the call length.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// LogSink writes final transcripts to a structured logger.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(ctx context.Context, rec Record) error {
	s.log.LogAttrs(ctx, slog.LevelInfo, "transcript_final",
		slog.String("call_sid", rec.CallID),
		slog.String("client_id", rec.ClientID),
		slog.String("stream_sid", rec.StreamID),
		slog.String("trace_id", rec.TraceID),
		slog.String("end_reason", rec.EndReason),
		slog.Float64("duration_seconds", rec.Duration().Seconds()),
		slog.Int("client_messages", len(rec.Transcript.Client)),
		slog.Int("agent_messages", len(rec.Transcript.Agent)),
		slog.Any("captured_data", redact.Map(rec.Transcript.CapturedData)),
	)
	return nil
}

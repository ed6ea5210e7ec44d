package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// JSONLSink appends one JSON object per finished call. Captured fields are
// written unredacted; the file is the hand-off to downstream systems.
type JSONLSink struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	if w == nil {
		w = io.Discard
	}
	return &JSONLSink{enc: json.NewEncoder(w)}
}

// OpenJSONLSink appends to the file at path, creating it when missing.
func OpenJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	s := NewJSONLSink(f)
	s.closer = f
	return s, nil
}

type jsonlRecord struct {
	Record
	DurationSeconds float64 `json:"duration_seconds"`
}

func (s *JSONLSink) Deliver(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(jsonlRecord{Record: rec, DurationSeconds: rec.Duration().Seconds()}); err != nil {
		return fmt.Errorf("transcript: encode %s: %w", rec.CallID, err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

package transcript

import (
	"strings"
	"sync"
)

// Captured field names as they appear in snapshots.
const (
	FieldEmail   = "email"
	FieldPhone   = "phone"
	FieldName    = "name"
	FieldCompany = "company"
)

// Transcript is the per-call record of both sides of the conversation plus the
// structured fields the agent captured. It is written by the call loop and read
// by the HTTP API, so every method is safe for concurrent use.
type Transcript struct {
	mu        sync.RWMutex
	client    []string
	agent     []string
	captured  map[string]string
	agentText strings.Builder
}

// Snapshot is an immutable copy of a Transcript.
type Snapshot struct {
	Client        []string          `json:"client"`
	Agent         []string          `json:"agent"`
	CapturedData  map[string]string `json:"captured_data"`
	AgentFullText string            `json:"agent_full_text"`
}

func New() *Transcript {
	return &Transcript{captured: make(map[string]string)}
}

// AddClient appends a completed caller utterance.
func (t *Transcript) AddClient(text string) {
	t.mu.Lock()
	t.client = append(t.client, text)
	t.mu.Unlock()
}

// AddAgent appends a completed agent turn.
func (t *Transcript) AddAgent(text string) {
	t.mu.Lock()
	t.agent = append(t.agent, text)
	t.mu.Unlock()
}

func (t *Transcript) appendAgentText(fragment string) {
	t.mu.Lock()
	t.agentText.WriteString(fragment)
	t.mu.Unlock()
}

// Capture stores value for field unless the field is already set.
// It reports whether the value was stored.
func (t *Transcript) Capture(field, value string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.captured[field]; ok {
		return false
	}
	t.captured[field] = value
	return true
}

// Captured returns the value stored for field.
func (t *Transcript) Captured(field string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.captured[field]
	return v, ok
}

func (t *Transcript) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	captured := make(map[string]string, len(t.captured))
	for k, v := range t.captured {
		captured[k] = v
	}
	return Snapshot{
		Client:        append([]string{}, t.client...),
		Agent:         append([]string{}, t.agent...),
		CapturedData:  captured,
		AgentFullText: t.agentText.String(),
	}
}

// Package profile holds per-client agent configuration: who the agent sells for,
// how it sounds and how eagerly the engine detects caller speech.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/callbridge/pkg/errorsx"
)

var ErrInvalid = errors.New("invalid client profile")

// VAD tunes the engine's server-side speech detection. A zero field means
// "use the process default" when the session is configured.
type VAD struct {
	Threshold         float64 `json:"threshold" mapstructure:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms" mapstructure:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms" mapstructure:"silence_duration_ms"`
}

type Conditions struct {
	Pricing      string `json:"pricing,omitempty" mapstructure:"pricing"`
	MinOrder     string `json:"min_order,omitempty" mapstructure:"min_order"`
	Coverage     string `json:"coverage,omitempty" mapstructure:"coverage"`
	DeliveryTime string `json:"delivery_time,omitempty" mapstructure:"delivery_time"`
}

func (c Conditions) IsZero() bool { return c == Conditions{} }

type Profile struct {
	ClientID               string     `json:"client_id"`
	CompanyName            string     `json:"company_name"`
	Industry               string     `json:"industry,omitempty"`
	Products               []string   `json:"products"`
	ValueProposition       string     `json:"value_proposition,omitempty"`
	Conditions             Conditions `json:"conditions"`
	SalesGoal              string     `json:"sales_goal"`
	Voice                  string     `json:"voice"`
	Temperature            *float64   `json:"temperature,omitempty"`
	VAD                    VAD        `json:"vad"`
	BargeInDelayMS         *int       `json:"barge_in_delay_ms,omitempty"`
	AdditionalInstructions string     `json:"additional_instructions,omitempty"`
}

func (p Profile) clone() Profile {
	p.Products = append([]string(nil), p.Products...)
	if p.Temperature != nil {
		v := *p.Temperature
		p.Temperature = &v
	}
	if p.BargeInDelayMS != nil {
		v := *p.BargeInDelayMS
		p.BargeInDelayMS = &v
	}
	return p
}

// Validate checks the ranges the speech engine accepts.
func (p Profile) Validate() error {
	var problems []string
	if p.VAD.Threshold < 0 || p.VAD.Threshold > 1 {
		problems = append(problems, fmt.Sprintf("vad.threshold %.2f outside [0,1]", p.VAD.Threshold))
	}
	if p.VAD.PrefixPaddingMS < 0 {
		problems = append(problems, "vad.prefix_padding_ms negative")
	}
	if p.VAD.SilenceDurationMS < 0 {
		problems = append(problems, "vad.silence_duration_ms negative")
	}
	if p.Temperature != nil && (*p.Temperature < MinTemperature || *p.Temperature > MaxTemperature) {
		problems = append(problems, fmt.Sprintf("temperature %.2f outside [%.1f,%.1f]", *p.Temperature, MinTemperature, MaxTemperature))
	}
	if p.BargeInDelayMS != nil && *p.BargeInDelayMS < 0 {
		problems = append(problems, "barge_in_delay_ms negative")
	}
	if len(problems) == 0 {
		return nil
	}
	return invalid(errors.New(strings.Join(problems, "; ")))
}

const (
	MinTemperature = 0.6
	MaxTemperature = 1.2
)

// Defaults seed lazily created profiles and fill VAD gaps on merge.
type Defaults struct {
	VAD         VAD
	Voice       string
	Temperature float64
	CompanyName string
	Products    []string
	SalesGoal   string
}

func DefaultDefaults() Defaults {
	return Defaults{
		VAD:         VAD{Threshold: 0.28, PrefixPaddingMS: 500, SilenceDurationMS: 1200},
		Voice:       "alloy",
		Temperature: 1.1,
		CompanyName: "Empresa Demo",
		Products:    []string{"Producto 1"},
		SalesGoal:   "agendar_demo",
	}
}

func (d Defaults) profile(clientID string) Profile {
	temp := d.Temperature
	return Profile{
		ClientID:    clientID,
		CompanyName: d.CompanyName,
		Products:    append([]string(nil), d.Products...),
		SalesGoal:   d.SalesGoal,
		Voice:       d.Voice,
		Temperature: &temp,
		VAD:         d.VAD,
	}
}

// Store is the process-wide profile table.
type Store interface {
	// Get returns the client's profile, creating it from defaults on first use.
	Get(clientID string) Profile
	Set(p Profile) error
	// Merge applies a partial update. On error the stored profile is unchanged.
	Merge(clientID string, overrides map[string]any) (Profile, error)
	Len() int
	IDs() []string
}

type memory struct {
	defaults Defaults
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemory(defaults Defaults) Store {
	if defaults.Voice == "" {
		defaults.Voice = DefaultDefaults().Voice
	}
	return &memory{defaults: defaults, profiles: make(map[string]Profile)}
}

func (m *memory) Get(clientID string) Profile {
	m.mu.RLock()
	p, ok := m.profiles[clientID]
	m.mu.RUnlock()
	if ok {
		return p.clone()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[clientID]; ok {
		return p.clone()
	}
	p = m.defaults.profile(clientID)
	m.profiles[clientID] = p
	return p.clone()
}

func (m *memory) Set(p Profile) error {
	if strings.TrimSpace(p.ClientID) == "" {
		return invalid(errors.New("client_id is required"))
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.profiles[p.ClientID] = p.clone()
	m.mu.Unlock()
	return nil
}

func (m *memory) Merge(clientID string, overrides map[string]any) (Profile, error) {
	if strings.TrimSpace(clientID) == "" {
		return Profile{}, invalid(errors.New("client_id is required"))
	}
	var pt patch
	if err := decodePatch(overrides, &pt); err != nil {
		return Profile{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.profiles[clientID]
	if !ok {
		current = m.defaults.profile(clientID)
	}
	merged := pt.apply(current.clone(), m.defaults)
	merged.ClientID = clientID
	if err := merged.Validate(); err != nil {
		return Profile{}, err
	}
	m.profiles[clientID] = merged
	return merged.clone(), nil
}

func (m *memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.profiles)
}

func (m *memory) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func invalid(err error) error {
	return errorsx.Wrap(fmt.Errorf("%w: %v", ErrInvalid, err), errorsx.ReasonProfileInvalid)
}

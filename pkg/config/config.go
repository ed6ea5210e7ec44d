// Package config loads process configuration from an optional YAML file and
// CALLBRIDGE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/spf13/viper"
)

const EnvPrefix = "CALLBRIDGE"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Twilio     TwilioConfig     `mapstructure:"twilio"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	IVR        IVRConfig        `mapstructure:"ivr"`
	Privacy    PrivacyConfig    `mapstructure:"privacy"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Transcript TranscriptConfig `mapstructure:"transcripts"`
	LogLevel   string           `mapstructure:"log_level"`
	LogFormat  string           `mapstructure:"log_format"`
	Profiles   []map[string]any `mapstructure:"profiles"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	PublicURL string `mapstructure:"public_url"`
}

type TwilioConfig struct {
	AuthToken          string   `mapstructure:"auth_token"`
	VoicePath          string   `mapstructure:"voice_path"`
	WSPath             string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	DefaultClient      string   `mapstructure:"default_client"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

type RealtimeConfig struct {
	APIKey             string `mapstructure:"api_key"`
	Model              string `mapstructure:"model"`
	URL                string `mapstructure:"url"`
	TranscriptionModel string `mapstructure:"transcription_model"`
	DialTimeoutMS      int    `mapstructure:"dial_timeout_ms"`
	DialRetries        int    `mapstructure:"dial_retries"`
	DialBackoffMS      int    `mapstructure:"dial_backoff_ms"`
}

type VADConfig struct {
	Threshold         float64 `mapstructure:"threshold"`
	PrefixPaddingMS   int     `mapstructure:"prefix_padding_ms"`
	SilenceDurationMS int     `mapstructure:"silence_duration_ms"`
}

type BridgeConfig struct {
	BargeInDelayMS    int       `mapstructure:"barge_in_delay_ms"`
	OpeningText       string    `mapstructure:"opening_text"`
	RetentionMinutes  int       `mapstructure:"retention_minutes"`
	BindingTTLMinutes int       `mapstructure:"binding_ttl_minutes"`
	VAD               VADConfig `mapstructure:"vad"`
	Voice             string    `mapstructure:"voice"`
	Temperature       float64   `mapstructure:"temperature"`
}

type IVRConfig struct {
	Targets        []string `mapstructure:"targets"`
	HintAgent      bool     `mapstructure:"hint_agent"`
	FuzzyThreshold float64  `mapstructure:"fuzzy_threshold"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// TranscriptConfig controls where finished calls are handed off. Records are
// always logged; JSONLPath adds an append-only export file.
type TranscriptConfig struct {
	JSONLPath string `mapstructure:"jsonl_path"`
	QueueSize int    `mapstructure:"queue_size"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func (b BridgeConfig) BargeInDelay() time.Duration {
	return time.Duration(b.BargeInDelayMS) * time.Millisecond
}

func (b BridgeConfig) Retention() time.Duration {
	return time.Duration(b.RetentionMinutes) * time.Minute
}

// BindingTTL is how long a webhook's call binding waits for the media stream.
func (b BridgeConfig) BindingTTL() time.Duration {
	return time.Duration(b.BindingTTLMinutes) * time.Minute
}

func (r RealtimeConfig) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

func (r RealtimeConfig) DialBackoff() time.Duration {
	return time.Duration(r.DialBackoffMS) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.public_url", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.voice_path", "/incoming-call")
	v.SetDefault("twilio.ws_path", "/media-stream")
	v.SetDefault("twilio.status_callback_path", "/call-status")
	v.SetDefault("twilio.default_client", "default")
	v.SetDefault("twilio.allowed_origins", []string{})
	v.SetDefault("realtime.api_key", "")
	v.SetDefault("realtime.model", "gpt-4o-realtime-preview-2024-12-17")
	v.SetDefault("realtime.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime.transcription_model", "whisper-1")
	v.SetDefault("realtime.dial_timeout_ms", 5000)
	v.SetDefault("realtime.dial_retries", 1)
	v.SetDefault("realtime.dial_backoff_ms", 250)
	v.SetDefault("bridge.barge_in_delay_ms", 220)
	v.SetDefault("bridge.opening_text", "Hola")
	v.SetDefault("bridge.retention_minutes", 60)
	v.SetDefault("bridge.binding_ttl_minutes", 10)
	v.SetDefault("bridge.vad.threshold", 0.28)
	v.SetDefault("bridge.vad.prefix_padding_ms", 500)
	v.SetDefault("bridge.vad.silence_duration_ms", 1200)
	v.SetDefault("bridge.voice", "alloy")
	v.SetDefault("bridge.temperature", 1.1)
	v.SetDefault("ivr.targets", []string{"compras", "purchasing", "procurement", "adquisiciones"})
	v.SetDefault("ivr.hint_agent", true)
	v.SetDefault("ivr.fuzzy_threshold", 0.9)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("transcripts.jsonl_path", "")
	v.SetDefault("transcripts.queue_size", 64)
}

// LoadConfig reads path when it is non-empty, then applies environment
// overrides such as CALLBRIDGE_REALTIME_API_KEY. ${VAR} references in string
// values are expanded.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.usesOpenAI() {
		if err := configutil.RequireString(c.Realtime.APIKey, "realtime.api_key"); err != nil {
			errs = append(errs, err)
		}
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not text or json", c.LogFormat))
	}
	if c.Bridge.VAD.Threshold < 0 || c.Bridge.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("bridge.vad.threshold %.2f outside [0,1]", c.Bridge.VAD.Threshold))
	}
	if c.Bridge.BargeInDelayMS < 0 {
		errs = append(errs, errors.New("bridge.barge_in_delay_ms negative"))
	}
	if c.Bridge.RetentionMinutes <= 0 {
		errs = append(errs, errors.New("bridge.retention_minutes must be positive"))
	}
	if c.Bridge.BindingTTLMinutes <= 0 {
		errs = append(errs, errors.New("bridge.binding_ttl_minutes must be positive"))
	}
	for _, p := range []struct{ name, value string }{
		{"twilio.voice_path", c.Twilio.VoicePath},
		{"twilio.ws_path", c.Twilio.WSPath},
		{"twilio.status_callback_path", c.Twilio.StatusCallbackPath},
		{"metrics.path", c.Metrics.Path},
	} {
		if !strings.HasPrefix(p.value, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", p.name, p.value))
		}
	}
	for i, p := range c.Profiles {
		id, _ := p["client_id"].(string)
		if err := configutil.RequireString(id, fmt.Sprintf("profiles[%d].client_id", i)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// usesOpenAI reports whether the engine URL points at the hosted API, which
// needs a key. Self-hosted or test endpoints may run without one.
func (c *Config) usesOpenAI() bool {
	u, err := url.Parse(c.Realtime.URL)
	if err != nil {
		return true
	}
	return strings.HasSuffix(u.Hostname(), "openai.com")
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	for i := range cfg.Profiles {
		cfg.Profiles[i] = expandAny(cfg.Profiles[i]).(map[string]any)
	}
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.String {
			for i := 0; i < v.Len(); i++ {
				expandValue(v.Index(i))
			}
		}
	}
}

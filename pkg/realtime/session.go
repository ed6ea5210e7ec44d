package realtime

// Audio formats accepted by the engine. Telephony legs use G.711 μ-law at 8 kHz,
// which passes through without transcoding.
const (
	AudioFormatG711ULaw = "g711_ulaw"
	AudioFormatPCM16    = "pcm16"
)

const DefaultTranscriptionModel = "whisper-1"

// TurnDetection configures the engine's server-side voice activity detection.
type TurnDetection struct {
	Threshold         float64
	PrefixPaddingMS   int
	SilenceDurationMS int
}

// SessionConfig is what the bridge sends once per call.
type SessionConfig struct {
	Instructions       string
	Voice              string
	Temperature        float64
	TurnDetection      TurnDetection
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
}

func (c SessionConfig) params() sessionParams {
	in, out := c.InputAudioFormat, c.OutputAudioFormat
	if in == "" {
		in = AudioFormatG711ULaw
	}
	if out == "" {
		out = AudioFormatG711ULaw
	}
	p := sessionParams{
		Modalities:   []string{"text", "audio"},
		Instructions: c.Instructions,
		Voice:        c.Voice,
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         c.TurnDetection.Threshold,
			PrefixPaddingMS:   c.TurnDetection.PrefixPaddingMS,
			SilenceDurationMS: c.TurnDetection.SilenceDurationMS,
		},
		InputAudioFormat:        in,
		OutputAudioFormat:       out,
		Temperature:             c.Temperature,
		MaxResponseOutputTokens: "inf",
	}
	if c.TranscriptionModel != "" {
		p.InputAudioTranscription = &inputAudioTranscription{Model: c.TranscriptionModel}
	}
	return p
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Temperature             float64                  `json:"temperature"`
	MaxResponseOutputTokens any                      `json:"max_response_output_tokens"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type typeOnly struct {
	Type string `json:"type"`
}

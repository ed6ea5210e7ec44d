package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonMalformedFrame ReasonCode = "malformed_frame"
	ReasonUnknownEvent   ReasonCode = "unknown_event"

	ReasonAIConnect     ReasonCode = "ai_connect"
	ReasonAISend        ReasonCode = "ai_send"
	ReasonAIRateLimit   ReasonCode = "ai_rate_limit"
	ReasonAICircuitOpen ReasonCode = "ai_circuit_open"
	ReasonAIEngine      ReasonCode = "ai_engine"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"

	ReasonProfileInvalid ReasonCode = "profile_invalid"
)

package session

// Control message types exchanged with the relay server. Control
// messages are JSON text frames with a "type" discriminator; audio
// travels as raw binary frames alongside them.
const (
	// Outbound
	TypeAuth          = "auth"
	TypeWakeDetected  = "wake_detected"
	TypePing          = "ping"
	TypeStatusRequest = "status_request"

	// Inbound
	TypeAuthOK     = "auth_ok"
	TypeAuthFailed = "auth_failed"
	TypePong       = "pong"
	TypeStatus     = "status"
	TypeAudioStart = "audio_start"
)

// Message is the envelope for every control message. Fields beyond
// Type are populated per message type.
type Message struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// audio_start: sample rate of the binary audio frames that follow
	Rate int `json:"rate,omitempty"`

	// status
	WyomingConnected bool `json:"wyoming_connected,omitempty"`
	Clients          int  `json:"clients,omitempty"`
}

// AuthMessage builds an outbound auth handshake message
func AuthMessage(token string) Message {
	return Message{Type: TypeAuth, Token: token}
}

// WakeDetectedMessage builds the notification sent when the local
// detector fires, before any audio is relayed.
func WakeDetectedMessage() Message {
	return Message{Type: TypeWakeDetected}
}

// PingMessage builds a keep-alive message
func PingMessage() Message {
	return Message{Type: TypePing}
}

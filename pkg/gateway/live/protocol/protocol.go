package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError describes a client frame the gateway refuses to process.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "invalid_json", Message: message, Param: param}
}

// ClientSessionStart must be the first frame on a connection. The token is an
// opaque bearer forwarded as-is to the profile/history services.
type ClientSessionStart struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

type ClientAudioStream struct {
	Type    string `json:"type"`
	Payload struct {
		AudioBuffer string `json:"audioBuffer"`
	} `json:"payload"`
}

type ClientTextMessage struct {
	Type    string `json:"type"`
	Payload struct {
		Text string `json:"text"`
	} `json:"payload"`
}

type ClientUserAudioEnded struct {
	Type string `json:"type"`
}

type ClientUserInterruption struct {
	Type string `json:"type"`
}

type ClientPing struct {
	Type string `json:"type"`
}

// ClientUnknown carries frames whose type tag the gateway does not recognize.
// Dispatch reports these explicitly instead of silently dropping them.
type ClientUnknown struct {
	Tag string
}

// DecodeClientMessage decodes one inbound frame into a closed union of client
// message types. It is the only place the free-form type tag is interpreted.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "session_start":
		var msg ClientSessionStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_start frame", "")
		}
		if strings.TrimSpace(msg.UserID) == "" {
			return nil, badRequest("session_start.userId is required", "userId")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("session_start.sessionId is required", "sessionId")
		}
		return msg, nil
	case "audio_stream":
		var msg ClientAudioStream
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_stream frame", "")
		}
		if strings.TrimSpace(msg.Payload.AudioBuffer) == "" {
			return nil, badRequest("audio_stream.payload.audioBuffer is required", "payload.audioBuffer")
		}
		return msg, nil
	case "text_message", "input_text":
		var msg ClientTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		if strings.TrimSpace(msg.Payload.Text) == "" {
			return nil, badRequest("text frame requires payload.text", "payload.text")
		}
		return msg, nil
	case "user_audio_ended":
		return ClientUserAudioEnded{Type: typ}, nil
	case "user_interruption":
		return ClientUserInterruption{Type: typ}, nil
	case "ping":
		return ClientPing{Type: typ}, nil
	default:
		return ClientUnknown{Tag: typ}, nil
	}
}

// Server → client frames. Payload shapes mirror what the web client consumes.

type ConnectionEstablishedPayload struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message"`
	Role         string `json:"role"`
}

type ServerConnectionEstablished struct {
	Type    string                       `json:"type"`
	Payload ConnectionEstablishedPayload `json:"payload"`
}

type RoleSwitchPayload struct {
	Role string `json:"role"`
}

type ServerRoleSwitch struct {
	Type    string            `json:"type"`
	Payload RoleSwitchPayload `json:"payload"`
}

// ServerTextResponse streams one assistant text delta; the payload is the raw
// delta string.
type ServerTextResponse struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// ServerAudioResponse streams one assistant audio delta (base64 PCM), tagged
// with the role that produced it.
type ServerAudioResponse struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Role    string `json:"role"`
}

type AudioURLPayload struct {
	URL  string `json:"url"`
	Role string `json:"role"`
}

type ServerAudioURL struct {
	Type    string          `json:"type"`
	Payload AudioURLPayload `json:"payload"`
}

type ServerTranscription struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"type"`
}

type ServerError struct {
	Type    string       `json:"type"`
	Payload ErrorPayload `json:"payload"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type ServerPing struct {
	Type    string      `json:"type"`
	Payload PingPayload `json:"payload"`
}

type ServerPong struct {
	Type string `json:"type"`
}

type ConnectionClosedPayload struct {
	Reason string `json:"reason"`
}

type ServerConnectionClosed struct {
	Type    string                  `json:"type"`
	Payload ConnectionClosedPayload `json:"payload"`
}

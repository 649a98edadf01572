package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket frame variants.
type MessageType string

const (
	// Client to server.
	TypeStart       MessageType = "start"
	TypeUserMessage MessageType = "user_message"
	TypeUserAudio   MessageType = "user_audio"

	// Server to client.
	TypeConnected      MessageType = "connected"
	TypeSessionStarted MessageType = "session_started"
	TypeText           MessageType = "text"
	TypeAudio          MessageType = "audio"
	TypeTurnComplete   MessageType = "turn_complete"
	TypeError          MessageType = "error"
	TypeSessionClosed  MessageType = "session_closed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope is the outer frame shape: a type discriminator plus a
// type-specific payload object.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LeadContext carries optional visitor metadata sent at session start.
// It is immutable for the session's lifetime.
type LeadContext struct {
	Name      string   `json:"name,omitempty"`
	Company   string   `json:"company,omitempty"`
	Role      string   `json:"role,omitempty"`
	Interests []string `json:"interests,omitempty"`
}

type Start struct {
	LeadContext *LeadContext `json:"lead_context,omitempty"`
}

type UserMessage struct {
	Message string `json:"message"`
}

type UserAudio struct {
	AudioData string `json:"audio_data"`
	MimeType  string `json:"mime_type"`
}

// Connected acknowledges the transport handshake.
type Connected struct{}

type SessionStarted struct {
	ConnectionID string `json:"connection_id"`
}

type Text struct {
	Content string `json:"content"`
}

type Audio struct {
	AudioData string `json:"audio_data"`
	MimeType  string `json:"mime_type,omitempty"`
}

// TurnComplete ends an assistant turn. TokensUsed reports the actual
// cost of the turn so the client can settle its budget ledger.
type TurnComplete struct {
	TokensUsed int `json:"tokens_used,omitempty"`
}

type Error struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type SessionClosed struct {
	Reason string `json:"reason"`
}

// Encode wraps a payload in an envelope and marshals the frame.
func Encode(t MessageType, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// ParseClientMessage decodes a client-originated frame into its typed payload.
func ParseClientMessage(raw []byte) (MessageType, any, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return "", nil, err
	}

	switch env.Type {
	case TypeStart:
		var msg Start
		if err := unmarshalPayload(env, &msg); err != nil {
			return env.Type, nil, err
		}
		return env.Type, msg, nil
	case TypeUserMessage:
		var msg UserMessage
		if err := unmarshalPayload(env, &msg); err != nil {
			return env.Type, nil, err
		}
		if msg.Message == "" {
			return env.Type, nil, errors.New("invalid user_message: empty message")
		}
		return env.Type, msg, nil
	case TypeUserAudio:
		var msg UserAudio
		if err := unmarshalPayload(env, &msg); err != nil {
			return env.Type, nil, err
		}
		if msg.AudioData == "" || msg.MimeType == "" {
			return env.Type, nil, errors.New("invalid user_audio: missing audio_data or mime_type")
		}
		return env.Type, msg, nil
	default:
		return env.Type, nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a server-originated frame into its typed payload.
func ParseServerMessage(raw []byte) (MessageType, any, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return "", nil, err
	}

	switch env.Type {
	case TypeConnected:
		return env.Type, Connected{}, nil
	case TypeSessionStarted:
		var msg SessionStarted
		if err := unmarshalPayload(env, &msg); err != nil {
			return env.Type, nil, err
		}
		if msg.ConnectionID == "" {
			return env.Type, nil, errors.New("invalid session_started: missing connection_id")
		}
		return env.Type, msg, nil
	case TypeText:
		var msg Text
		if err := unmarshalPayload(env, &msg); err != nil {
			return env.Type, nil, err
		}
		return env.Type, msg, nil
	case TypeAudio:
		var msg Audio
		if err := unmarshalPayload(env, &msg); err != nil {
			return env.Type, nil, err
		}
		if msg.AudioData == "" {
			return env.Type, nil, errors.New("invalid audio: empty audio_data")
		}
		return env.Type, msg, nil
	case TypeTurnComplete:
		var msg TurnComplete
		if err := unmarshalPayload(env, &msg); err != nil {
			return env.Type, nil, err
		}
		return env.Type, msg, nil
	case TypeError:
		var msg Error
		if err := unmarshalPayload(env, &msg); err != nil {
			return env.Type, nil, err
		}
		return env.Type, msg, nil
	case TypeSessionClosed:
		var msg SessionClosed
		if err := unmarshalPayload(env, &msg); err != nil {
			return env.Type, nil, err
		}
		return env.Type, msg, nil
	default:
		return env.Type, nil, ErrUnsupportedType
	}
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("invalid envelope: missing type")
	}
	return env, nil
}

func unmarshalPayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return nil
}

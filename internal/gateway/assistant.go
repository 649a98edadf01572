package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/lmoretti/concierge/internal/audio"
	"github.com/lmoretti/concierge/internal/protocol"
)

type EventType string

const (
	EventText  EventType = "text"
	EventAudio EventType = "audio"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one unit of assistant output streamed back over the wire.
type Event struct {
	Type       EventType
	Text       string
	Audio      []byte
	MimeType   string
	TokensUsed int
	Code       string
	Detail     string
}

// TurnRequest describes one user turn handed to the assistant.
type TurnRequest struct {
	ConnectionID string
	Lead         *protocol.LeadContext
	Input        string
	InputKind    string // "text" or "audio"
}

// Assistant produces a streamed reply for a user turn. The returned
// channel is closed when the turn ends.
type Assistant interface {
	StartTurn(ctx context.Context, req TurnRequest) (<-chan Event, error)
}

// ScriptedAssistant is a deterministic stand-in for the upstream model:
// it streams a canned, lead-aware reply as text deltas followed by short
// PCM tone segments. Used by the demo binary and the integration tests.
type ScriptedAssistant struct {
	SampleRate int
}

func NewScriptedAssistant() *ScriptedAssistant {
	return &ScriptedAssistant{SampleRate: 24000}
}

func (a *ScriptedAssistant) StartTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	reply := a.composeReply(req)
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		emit := func(evt Event) bool {
			select {
			case <-ctx.Done():
				return false
			case events <- evt:
				return true
			}
		}

		// Stream the reply a few words at a time, like a model would.
		words := strings.Fields(reply)
		for i := 0; i < len(words); i += 4 {
			end := i + 4
			if end > len(words) {
				end = len(words)
			}
			delta := strings.Join(words[i:end], " ")
			if i+4 < len(words) {
				delta += " "
			}
			if !emit(Event{Type: EventText, Text: delta}) {
				return
			}
		}

		mime := fmt.Sprintf("audio/pcm;rate=%d", a.SampleRate)
		for _, freq := range []float64{440, 554} {
			if !emit(Event{
				Type:     EventAudio,
				Audio:    audio.SinePCM16LE(freq, 120, a.SampleRate),
				MimeType: mime,
			}) {
				return
			}
		}

		emit(Event{Type: EventDone, TokensUsed: estimateTokens(req.Input) + estimateTokens(reply)})
	}()

	return events, nil
}

func (a *ScriptedAssistant) composeReply(req TurnRequest) string {
	name := ""
	if req.Lead != nil {
		name = strings.TrimSpace(req.Lead.Name)
	}
	greeting := "Thanks for reaching out."
	if name != "" {
		greeting = fmt.Sprintf("Thanks for reaching out, %s.", name)
	}
	if req.InputKind == "audio" {
		return greeting + " I heard your message and I'm happy to walk you through what a consulting engagement could look like."
	}
	return fmt.Sprintf("%s You asked: %q. Happy to dig into that, and into how we might work together.", greeting, req.Input)
}

func estimateTokens(s string) int {
	return len(s)/4 + 1
}

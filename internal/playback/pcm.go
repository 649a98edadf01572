package playback

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PCM16Decoder accepts raw little-endian 16-bit PCM segments. The mime
// type may carry a rate parameter, e.g. "audio/pcm;rate=24000".
type PCM16Decoder struct{}

func (PCM16Decoder) Decode(seg Segment) ([]byte, error) {
	mime := strings.ToLower(strings.TrimSpace(seg.MimeType))
	if mime != "" && !strings.HasPrefix(mime, "audio/pcm") && !strings.HasPrefix(mime, "audio/l16") {
		return nil, fmt.Errorf("unsupported audio mime type %q", seg.MimeType)
	}
	if len(seg.Data)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(seg.Data))
	}
	return seg.Data, nil
}

// SampleRateFromMime extracts the rate parameter from a PCM mime type,
// falling back to def.
func SampleRateFromMime(mimeType string, def int) int {
	for _, part := range strings.Split(mimeType, ";") {
		part = strings.TrimSpace(part)
		if rate, ok := strings.CutPrefix(part, "rate="); ok {
			if n, err := strconv.Atoi(rate); err == nil && n > 0 {
				return n
			}
		}
	}
	return def
}

// WriterSink renders PCM by copying it to an io.Writer, pacing writes to
// real time so playback durations are observable. Used by the CLI demo
// client (writing a WAV body) and by tests (writing a buffer).
type WriterSink struct {
	W          io.Writer
	SampleRate int
	Realtime   bool

	mu        sync.Mutex
	suspended bool
}

func NewWriterSink(w io.Writer, sampleRate int, realtime bool) *WriterSink {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &WriterSink{W: w, SampleRate: sampleRate, Realtime: realtime, suspended: true}
}

func (s *WriterSink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = false
	return nil
}

func (s *WriterSink) Play(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.suspended {
		s.mu.Unlock()
		return fmt.Errorf("sink is suspended")
	}
	s.mu.Unlock()

	if _, err := s.W.Write(pcm); err != nil {
		return fmt.Errorf("write pcm: %w", err)
	}
	if !s.Realtime {
		return nil
	}

	// 2 bytes per mono sample.
	d := time.Duration(len(pcm)/2) * time.Second / time.Duration(s.SampleRate)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

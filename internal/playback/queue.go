package playback

import (
	"context"
	"log"
	"sync"
)

// Segment is one unit of server-produced audio, owned by the queue from
// arrival until played.
type Segment struct {
	Data     []byte
	MimeType string
}

// Decoder turns a segment into raw PCM ready for the sink.
type Decoder interface {
	Decode(seg Segment) ([]byte, error)
}

// Sink is the shared audio output. Play blocks until the segment has
// finished rendering. Resume revives a suspended output; platforms that
// gate audio behind a user gesture leave the sink suspended until then.
type Sink interface {
	Play(ctx context.Context, pcm []byte) error
	Resume() error
}

// Queue serializes playback of segments that may arrive faster than they
// can be played. At most one segment is ever decoding or playing; segments
// play strictly in arrival order and are discarded afterwards. A failed
// decode or play logs and advances rather than stalling the queue.
type Queue struct {
	decoder Decoder
	newSink func() (Sink, error)

	mu      sync.Mutex
	items   []Segment
	playing bool
	sink    Sink

	onSegmentDone func(err error)
}

// NewQueue builds a queue around a decoder and a lazy sink factory. The
// sink is created once on first playback and reused across sessions so
// back-to-back sessions share one output context.
func NewQueue(decoder Decoder, newSink func() (Sink, error)) *Queue {
	return &Queue{decoder: decoder, newSink: newSink}
}

// SetSegmentDoneHook installs a per-segment completion hook, used by
// consumers that track playback outcomes. Call before the first Enqueue.
func (q *Queue) SetSegmentDoneHook(hook func(err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSegmentDone = hook
}

// Enqueue appends a segment and starts the drain goroutine if idle. Safe
// to call from the connection's inbound handler in rapid succession.
func (q *Queue) Enqueue(seg Segment) {
	q.mu.Lock()
	q.items = append(q.items, seg)
	start := !q.playing
	if start {
		q.playing = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Depth reports how many segments are queued or in flight.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.playing {
		n++
	}
	return n
}

// Reset drops all queued segments. The in-flight segment, if any, finishes.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.playing = false
			q.mu.Unlock()
			return
		}
		seg := q.items[0]
		q.items = q.items[1:]
		hook := q.onSegmentDone
		q.mu.Unlock()

		err := q.playOne(seg)
		if err != nil {
			log.Printf("playback: segment skipped: %v", err)
		}
		if hook != nil {
			hook(err)
		}
	}
}

func (q *Queue) playOne(seg Segment) error {
	sink, err := q.ensureSink()
	if err != nil {
		return err
	}
	if err := sink.Resume(); err != nil {
		return err
	}

	pcm, err := q.decoder.Decode(seg)
	if err != nil {
		return err
	}
	return sink.Play(context.Background(), pcm)
}

func (q *Queue) ensureSink() (Sink, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sink != nil {
		return q.sink, nil
	}
	sink, err := q.newSink()
	if err != nil {
		return nil, err
	}
	q.sink = sink
	return sink, nil
}

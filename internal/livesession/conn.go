package livesession

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/lmoretti/concierge/internal/protocol"
	"github.com/lmoretti/concierge/internal/reliability"
)

// State is the transport-level connection state. The connection is owned
// exclusively by Conn; callers observe state, they never mutate it.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrConnectionTimeout is returned when the transport never reached
	// open within the bounded wait. The one error StartSession raises
	// synchronously.
	ErrConnectionTimeout = errors.New("timed out waiting for transport to open")

	// ErrStopped is returned when Stop aborts an in-flight session start.
	ErrStopped = errors.New("connection stopped")

	// ErrReconnectExhausted marks the terminal disconnected state after
	// the reconnect attempt cap is hit.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// GatewayError is a server-reported error frame surfaced through OnError.
type GatewayError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Callbacks receives demultiplexed inbound frames. Each fires at most once
// per corresponding wire frame; treat them as edge-triggered notifications.
// They are invoked from the connection's read goroutine and must not block.
type Callbacks struct {
	OnConnected      func()
	OnSessionStarted func(connectionID string)
	OnTextDelta      func(content string)
	OnAudioSegment   func(data []byte, mimeType string)
	OnTurnComplete   func(tokensUsed int)
	OnError          func(err error)
	OnSessionClosed  func(reason string)
}

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// OpenTimeout bounds StartSession's wait for the transport to open.
	OpenTimeout time.Duration

	// ReconnectInitialDelay is jittered by ±50%, so the default 2s yields
	// the 1-3s window that avoids thundering-herd reconnects.
	ReconnectInitialDelay time.Duration
	MaxReconnectAttempts  int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 5 * time.Second
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = 2 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
}

// Conn manages exactly one physical websocket and the live-session
// protocol layered on it. It never exposes the raw transport upward.
type Conn struct {
	cfg    Config
	cb     Callbacks
	dialer *websocket.Dialer

	state         atomic.Int32
	stopped       atomic.Bool
	sessionActive atomic.Bool

	// Reconnect bookkeeping. Each abnormal closure schedules exactly one
	// retry; consecutive failures chain until the attempt cap.
	retryPending atomic.Bool
	attempts     atomic.Int32
	reconnects   atomic.Int32
	backoff      *backoff.ExponentialBackOff

	mu     sync.Mutex // guards ws and openCh
	ws     *websocket.Conn
	openCh chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}

	writeMu sync.Mutex

	// onRetryScheduled observes scheduled reconnects; tests and metrics
	// hook in here.
	onRetryScheduled func(attempt int, delay time.Duration)
}

func New(cfg Config, cb Callbacks) *Conn {
	cfg.applyDefaults()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.HandshakeTimeout

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectInitialDelay
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // capped by attempt count instead
	bo.Reset()

	c := &Conn{
		cfg:     cfg,
		cb:      cb,
		dialer:  &dialer,
		backoff: bo,
		openCh:  make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	c.state.Store(int32(StateIdle))
	return c
}

// SetRetryHook installs an observer for scheduled reconnect attempts.
// Call before Connect.
func (c *Conn) SetRetryHook(hook func(attempt int, delay time.Duration)) {
	c.onRetryScheduled = hook
}

func (c *Conn) State() State { return State(c.state.Load()) }

// SessionActive reports whether a live session is established on top of
// the transport.
func (c *Conn) SessionActive() bool { return c.sessionActive.Load() }

// Reconnects reports how many reconnect attempts have been scheduled.
func (c *Conn) Reconnects() int { return int(c.reconnects.Load()) }

// Connect opens the transport. Idempotent: a connecting or open transport
// makes it a no-op. Failures are reported through OnError and feed the
// reconnect policy rather than returning, since Connect is invoked from
// fire-and-forget UI triggers.
func (c *Conn) Connect(ctx context.Context) {
	if c.stopped.Load() {
		return
	}
	cur := c.State()
	if cur == StateConnecting || cur == StateOpen {
		return
	}
	if !c.state.CompareAndSwap(int32(cur), int32(StateConnecting)) {
		return
	}

	if err := c.dial(ctx); err != nil {
		c.state.Store(int32(StateClosed))
		c.reportError(fmt.Errorf("connect: %w", err))
		c.scheduleRetry()
	}
}

func (c *Conn) dial(ctx context.Context) error {
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	openCh := c.openCh
	c.mu.Unlock()

	c.state.Store(int32(StateOpen))
	close(openCh)

	go c.readLoop(ws)
	return nil
}

// StartSession waits for the transport to reach open, bounded by
// OpenTimeout, then sends the start frame carrying the lead context.
// This is the one await-able path that raises synchronously: the caller
// needs to decide whether to show a user-facing failure.
func (c *Conn) StartSession(ctx context.Context, lead *protocol.LeadContext) error {
	c.mu.Lock()
	openCh := c.openCh
	c.mu.Unlock()

	select {
	case <-openCh:
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.OpenTimeout):
		return ErrConnectionTimeout
	}

	return c.writeFrame(protocol.TypeStart, protocol.Start{LeadContext: lead})
}

// SendUserText transmits a user chat turn. Drops with a logged warning if
// the transport is not open; it never errors up into UI event handlers.
func (c *Conn) SendUserText(message string) {
	if c.State() != StateOpen {
		log.Printf("livesession: dropping user text, transport is %s", c.State())
		return
	}
	if err := c.writeFrame(protocol.TypeUserMessage, protocol.UserMessage{Message: message}); err != nil {
		log.Printf("livesession: send user text failed: %v", err)
	}
}

// SendUserAudioChunk transmits one chunk of streaming user audio.
// Fire-and-forget, matching the realtime nature of the input.
func (c *Conn) SendUserAudioChunk(data []byte, mimeType string) {
	if c.State() != StateOpen {
		log.Printf("livesession: dropping audio chunk, transport is %s", c.State())
		return
	}
	msg := protocol.UserAudio{
		AudioData: base64.StdEncoding.EncodeToString(data),
		MimeType:  mimeType,
	}
	if err := c.writeFrame(protocol.TypeUserAudio, msg); err != nil {
		log.Printf("livesession: send audio chunk failed: %v", err)
	}
}

// Stop closes the session gracefully: close frame if open, transport
// teardown with a normal-closure code, and synchronous local reset.
// A stopped connection never schedules a reconnect.
func (c *Conn) Stop() {
	c.stopped.Store(true)
	c.state.Store(int32(StateClosing))

	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stop")
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = ws.Close()
	}

	c.sessionActive.Store(false)
	c.state.Store(int32(StateClosed))
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			c.handleTransportClose(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		t, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			// Robustness over strictness: losing one display update beats
			// tearing down a live connection.
			log.Printf("livesession: dropping %q frame: %v", t, err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg any) {
	switch m := msg.(type) {
	case protocol.Connected:
		if c.cb.OnConnected != nil {
			c.cb.OnConnected()
		}
	case protocol.SessionStarted:
		c.sessionActive.Store(true)
		if c.cb.OnSessionStarted != nil {
			c.cb.OnSessionStarted(m.ConnectionID)
		}
	case protocol.Text:
		if c.cb.OnTextDelta != nil {
			c.cb.OnTextDelta(m.Content)
		}
	case protocol.Audio:
		data, err := base64.StdEncoding.DecodeString(m.AudioData)
		if err != nil {
			log.Printf("livesession: dropping audio frame with bad base64: %v", err)
			return
		}
		if c.cb.OnAudioSegment != nil {
			c.cb.OnAudioSegment(data, m.MimeType)
		}
	case protocol.TurnComplete:
		if c.cb.OnTurnComplete != nil {
			c.cb.OnTurnComplete(m.TokensUsed)
		}
	case protocol.Error:
		c.reportError(&GatewayError{Code: m.Code, Message: m.Message, Retryable: m.Retryable})
	case protocol.SessionClosed:
		c.sessionActive.Store(false)
		if c.cb.OnSessionClosed != nil {
			c.cb.OnSessionClosed(m.Reason)
		}
	}
}

func (c *Conn) handleTransportClose(err error) {
	c.sessionActive.Store(false)

	// The transport is gone: drop the dead websocket and arm a fresh
	// readiness channel for the next successful dial to close.
	c.mu.Lock()
	c.ws = nil
	c.openCh = make(chan struct{})
	c.mu.Unlock()

	if c.stopped.Load() {
		// Explicit user stop: teardown already done, suppress reconnect.
		c.state.Store(int32(StateClosed))
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) && reliability.IsNormalCloseCode(ce.Code) {
		c.state.Store(int32(StateClosed))
		return
	}

	c.state.Store(int32(StateClosed))
	c.reportError(fmt.Errorf("transport closed: %w", err))
	c.scheduleRetry()
}

// scheduleRetry arms exactly one reconnect attempt after a jittered delay.
// A retry's own failure schedules the next one, so repeated failures chain
// with growing backoff until the attempt cap, which is terminal.
func (c *Conn) scheduleRetry() {
	if c.stopped.Load() {
		return
	}
	if !c.retryPending.CompareAndSwap(false, true) {
		return
	}

	attempt := int(c.attempts.Add(1))
	if attempt > c.cfg.MaxReconnectAttempts {
		c.retryPending.Store(false)
		c.state.Store(int32(StateClosed))
		c.reportError(ErrReconnectExhausted)
		return
	}

	delay := c.backoff.NextBackOff()
	c.reconnects.Add(1)
	if c.onRetryScheduled != nil {
		c.onRetryScheduled(attempt, delay)
	}
	log.Printf("livesession: reconnect attempt %d/%d in %s", attempt, c.cfg.MaxReconnectAttempts, delay.Round(time.Millisecond))

	time.AfterFunc(delay, func() {
		c.retryPending.Store(false)
		c.redial()
	})
}

func (c *Conn) redial() {
	if c.stopped.Load() {
		return
	}

	// The readiness channel is left in place: anyone blocked in
	// StartSession is released the moment this dial succeeds.
	c.state.Store(int32(StateConnecting))

	if err := c.dial(context.Background()); err != nil {
		c.state.Store(int32(StateClosed))
		c.reportError(fmt.Errorf("reconnect: %w", err))
		c.scheduleRetry()
		return
	}

	// Fresh transport, fresh backoff schedule.
	c.attempts.Store(0)
	c.backoff.Reset()
}

func (c *Conn) writeFrame(t protocol.MessageType, payload any) error {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("transport is not open")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) reportError(err error) {
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

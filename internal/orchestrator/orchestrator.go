package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lmoretti/concierge/internal/budget"
	"github.com/lmoretti/concierge/internal/livesession"
	"github.com/lmoretti/concierge/internal/observability"
	"github.com/lmoretti/concierge/internal/playback"
	"github.com/lmoretti/concierge/internal/protocol"
	"github.com/lmoretti/concierge/internal/reliability"
)

// State is the externally visible lifecycle of one live session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateProcessing State = "processing"
	// StateError is terminal for a session instance: the UI must Stop and
	// Start again; there is no automatic in-place repair.
	StateError State = "error"
)

// ErrBudgetDenied wraps a budget gate denial surfaced before any
// transport activity.
var ErrBudgetDenied = errors.New("budget denied")

// ErrStopped reports that Stop aborted an in-flight Start.
var ErrStopped = errors.New("stopped while starting session")

// LiveConn is the connection surface the orchestrator drives. Satisfied
// by *livesession.Conn; tests substitute fakes.
type LiveConn interface {
	Connect(ctx context.Context)
	StartSession(ctx context.Context, lead *protocol.LeadContext) error
	SendUserText(message string)
	SendUserAudioChunk(data []byte, mimeType string)
	Stop()
}

// Snapshot is the minimal state surface exposed to UI code.
type Snapshot struct {
	State           State
	IsConnected     bool
	IsProcessing    bool
	Transcript      string
	Err             string
	AudioQueueDepth int
	ConnectionID    string
}

// Orchestrator composes the budget tracker, the live connection and the
// playback queue into one lifecycle. It is the single point UI code talks
// to.
type Orchestrator struct {
	tracker *budget.Tracker
	queue   *playback.Queue
	metrics *observability.Metrics

	newConn func(cb livesession.Callbacks) LiveConn

	mu              sync.Mutex
	conn            LiveConn
	state           State
	transcript      strings.Builder
	errMsg          string
	connectionID    string
	budgetSessionID string
	lead            *protocol.LeadContext
	sessionUp       chan struct{}
	startAbort      chan struct{}
	turnStartedAt   time.Time
	firstAudioSeen  bool
	pendingFeature  budget.Feature
	pendingEstimate int
}

func New(tracker *budget.Tracker, queue *playback.Queue, metrics *observability.Metrics, newConn func(cb livesession.Callbacks) LiveConn) *Orchestrator {
	if metrics != nil {
		queue.SetSegmentDoneHook(func(err error) {
			outcome := "played"
			if err != nil {
				outcome = "skipped"
			}
			metrics.PlaybackSegments.WithLabelValues(outcome).Inc()
		})
	}
	return &Orchestrator{
		tracker:         tracker,
		queue:           queue,
		metrics:         metrics,
		newConn:         newConn,
		state:           StateIdle,
		budgetSessionID: uuid.NewString(),
	}
}

// BudgetSessionID identifies the demo ledger this orchestrator charges.
// Stable across live sessions; the ledger outlives the connection.
func (o *Orchestrator) BudgetSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.budgetSessionID
}

// Start opens the connection and establishes a session with the given
// lead context. Safe to call only from Idle; Error requires a Stop first.
func (o *Orchestrator) Start(ctx context.Context, lead *protocol.LeadContext) error {
	o.mu.Lock()
	if o.state != StateIdle {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("cannot start from state %q", state)
	}
	o.state = StateConnecting
	o.lead = lead
	o.transcript.Reset()
	o.errMsg = ""
	o.connectionID = ""
	o.sessionUp = make(chan struct{})
	o.startAbort = make(chan struct{})
	sessionUp := o.sessionUp
	abort := o.startAbort
	conn := o.newConn(o.callbacks())
	o.conn = conn
	o.mu.Unlock()

	if o.metrics != nil {
		if rc, ok := conn.(interface {
			SetRetryHook(hook func(attempt int, delay time.Duration))
		}); ok {
			rc.SetRetryHook(func(int, time.Duration) { o.metrics.Reconnects.Inc() })
		}
	}

	conn.Connect(ctx)
	if err := conn.StartSession(ctx, lead); err != nil {
		o.failStart(err)
		return err
	}

	// Block until the gateway acknowledges the session, so callers can
	// send input the moment Start returns.
	select {
	case <-sessionUp:
	case <-abort:
		// Stop already reset the session state; leave it as it is.
		return ErrStopped
	case <-ctx.Done():
		o.failStart(ctx.Err())
		return ctx.Err()
	case <-time.After(startAckTimeout):
		err := errors.New("timed out waiting for session_started")
		o.failStart(err)
		return err
	}

	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues("started").Inc()
	}
	return nil
}

const startAckTimeout = 5 * time.Second

func (o *Orchestrator) failStart(err error) {
	o.mu.Lock()
	if o.conn == nil {
		// Stop tore the session down while we were waiting; its idle
		// state wins over a stale start failure.
		o.mu.Unlock()
		return
	}
	o.state = StateError
	o.errMsg = err.Error()
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues("start_failed").Inc()
	}
}

// Stop tears the session down and returns the orchestrator to Idle. The
// only cancellation primitive: synchronous from the caller's perspective.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	o.state = StateIdle
	o.errMsg = ""
	o.connectionID = ""
	o.firstAudioSeen = false
	o.sessionUp = nil
	if o.startAbort != nil {
		close(o.startAbort)
		o.startAbort = nil
	}
	o.mu.Unlock()

	if conn != nil {
		conn.Stop()
	}
	o.queue.Reset()
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues("stopped").Inc()
	}
}

// SendText forwards a user chat turn. The budget gate runs before any
// transport activity; a denial short-circuits with the reason, never a
// server-side failure.
func (o *Orchestrator) SendText(ctx context.Context, message string) error {
	return o.sendGated(ctx, budget.FeatureChat, estimateTextTokens(message), func(conn LiveConn) {
		conn.SendUserText(message)
	})
}

// SendAudioChunk forwards one chunk of streaming user audio, gated on the
// voice feature with a flat per-chunk estimate.
func (o *Orchestrator) SendAudioChunk(ctx context.Context, data []byte, mimeType string) error {
	return o.sendGated(ctx, budget.FeatureVoiceTTS, audioChunkTokenEstimate, func(conn LiveConn) {
		conn.SendUserAudioChunk(data, mimeType)
	})
}

func (o *Orchestrator) sendGated(ctx context.Context, feature budget.Feature, estimate int, send func(conn LiveConn)) error {
	o.mu.Lock()
	if o.state != StateActive {
		state := o.state
		o.mu.Unlock()
		// One turn at a time: a send while processing would clobber the
		// pending charge and settle the wrong turn.
		return fmt.Errorf("cannot send in state %q", state)
	}
	conn := o.conn
	sessionID := o.budgetSessionID
	o.mu.Unlock()

	decision, err := o.tracker.CheckFeatureAccess(ctx, sessionID, feature, estimate)
	if err != nil {
		return fmt.Errorf("budget check: %w", err)
	}
	if !decision.Allowed {
		o.mu.Lock()
		o.errMsg = decision.Reason
		o.mu.Unlock()
		if o.metrics != nil {
			o.metrics.BudgetDenials.WithLabelValues(string(feature), "gate").Inc()
		}
		return fmt.Errorf("%w: %s", ErrBudgetDenied, decision.Reason)
	}

	o.mu.Lock()
	o.state = StateProcessing
	o.pendingFeature = feature
	o.pendingEstimate = estimate
	o.turnStartedAt = time.Now()
	o.firstAudioSeen = false
	o.mu.Unlock()

	send(conn)
	return nil
}

// BudgetStatus returns the derived ledger view for UI display.
func (o *Orchestrator) BudgetStatus(ctx context.Context) (budget.Status, error) {
	return o.tracker.GetSessionStatus(ctx, o.BudgetSessionID())
}

// Snapshot returns the current UI-facing state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		State:           o.state,
		IsConnected:     o.state == StateActive || o.state == StateProcessing,
		IsProcessing:    o.state == StateProcessing,
		Transcript:      o.transcript.String(),
		Err:             o.errMsg,
		AudioQueueDepth: o.queue.Depth(),
		ConnectionID:    o.connectionID,
	}
}

func (o *Orchestrator) callbacks() livesession.Callbacks {
	return livesession.Callbacks{
		OnSessionStarted: func(connectionID string) {
			o.mu.Lock()
			o.connectionID = connectionID
			if o.state == StateConnecting {
				o.state = StateActive
			}
			if o.sessionUp != nil {
				close(o.sessionUp)
				o.sessionUp = nil
			}
			o.mu.Unlock()
			if o.metrics != nil {
				o.metrics.ActiveSessions.Inc()
			}
		},
		OnTextDelta: func(content string) {
			o.mu.Lock()
			o.transcript.WriteString(content)
			o.mu.Unlock()
		},
		OnAudioSegment: func(data []byte, mimeType string) {
			o.mu.Lock()
			if !o.firstAudioSeen && !o.turnStartedAt.IsZero() {
				o.firstAudioSeen = true
				if o.metrics != nil {
					o.metrics.ObserveFirstAudioLatency(time.Since(o.turnStartedAt))
				}
			}
			o.mu.Unlock()
			o.queue.Enqueue(playback.Segment{Data: data, MimeType: mimeType})
		},
		OnTurnComplete: func(tokensUsed int) {
			o.settleTurn(tokensUsed)
		},
		OnError: func(err error) {
			o.mu.Lock()
			o.errMsg = err.Error()
			if isFatal(err) {
				o.state = StateError
			}
			o.mu.Unlock()
		},
		OnSessionClosed: func(reason string) {
			o.mu.Lock()
			if o.state != StateError {
				o.state = StateIdle
			}
			if o.errMsg == "" && reason != "" {
				o.errMsg = "session closed: " + reason
			}
			o.mu.Unlock()
			if o.metrics != nil {
				o.metrics.ActiveSessions.Dec()
				o.metrics.SessionEvents.WithLabelValues("closed").Inc()
			}
		},
	}
}

// settleTurn charges the actual cost reported by the gateway, falling back
// to the admission estimate when the gateway omitted it.
func (o *Orchestrator) settleTurn(tokensUsed int) {
	o.mu.Lock()
	feature := o.pendingFeature
	estimate := o.pendingEstimate
	if o.state == StateProcessing {
		o.state = StateActive
	}
	o.pendingFeature = ""
	o.pendingEstimate = 0
	sessionID := o.budgetSessionID
	o.mu.Unlock()

	if feature == "" {
		return
	}
	if tokensUsed <= 0 {
		tokensUsed = estimate
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.tracker.RecordUsage(ctx, sessionID, feature, tokensUsed, true); err != nil {
		o.mu.Lock()
		o.errMsg = "usage recording failed: " + err.Error()
		o.mu.Unlock()
		return
	}
	if o.metrics != nil {
		o.metrics.TokensCharged.WithLabelValues(string(feature)).Add(float64(tokensUsed))
	}
}

const audioChunkTokenEstimate = 10

// estimateTextTokens approximates the gate estimate; actual cost arrives
// with turn_complete.
func estimateTextTokens(message string) int {
	n := len(message)/4 + 50
	return n
}

func isFatal(err error) bool {
	if errors.Is(err, livesession.ErrConnectionTimeout) || errors.Is(err, livesession.ErrReconnectExhausted) {
		return true
	}
	var ge *livesession.GatewayError
	if errors.As(err, &ge) {
		if ge.Retryable || reliability.IsRetryableGatewayCode(ge.Code) {
			return false
		}
		return ge.Code == "authentication_required"
	}
	return false
}

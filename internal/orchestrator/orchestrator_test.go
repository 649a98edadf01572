package orchestrator

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmoretti/concierge/internal/budget"
	"github.com/lmoretti/concierge/internal/livesession"
	"github.com/lmoretti/concierge/internal/playback"
	"github.com/lmoretti/concierge/internal/protocol"
)

// fakeConn stands in for the websocket connection: it records outbound
// traffic and lets tests drive the inbound callbacks directly.
type fakeConn struct {
	cb         livesession.Callbacks
	ackOnStart bool

	mu        sync.Mutex
	texts     []string
	audio     [][]byte
	stopped   bool
	connected bool
}

func (f *fakeConn) Connect(context.Context) {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
}

func (f *fakeConn) StartSession(context.Context, *protocol.LeadContext) error {
	if f.ackOnStart {
		go f.cb.OnSessionStarted("conn-1")
	}
	return nil
}

func (f *fakeConn) SendUserText(message string) {
	f.mu.Lock()
	f.texts = append(f.texts, message)
	f.mu.Unlock()
}

func (f *fakeConn) SendUserAudioChunk(data []byte, _ string) {
	f.mu.Lock()
	f.audio = append(f.audio, data)
	f.mu.Unlock()
}

func (f *fakeConn) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeConn) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fixture struct {
	orch    *Orchestrator
	conn    *fakeConn
	tracker *budget.Tracker
	pcm     *bytes.Buffer
}

func newFixture(t *testing.T, cfg budget.TrackerConfig) *fixture {
	t.Helper()
	f := &fixture{pcm: &bytes.Buffer{}}
	sink := playback.NewWriterSink(f.pcm, 24000, false)
	queue := playback.NewQueue(playback.PCM16Decoder{}, func() (playback.Sink, error) {
		return sink, nil
	})
	f.tracker = budget.NewTracker(budget.NewMemoryStore(), cfg)
	f.orch = New(f.tracker, queue, nil, func(cb livesession.Callbacks) LiveConn {
		f.conn = &fakeConn{cb: cb, ackOnStart: true}
		return f.conn
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orch.Start(context.Background(), nil))
	require.Equal(t, StateActive, f.orch.Snapshot().State)
}

func TestStartBlocksUntilSessionAck(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	snap := f.orch.Snapshot()
	assert.True(t, snap.IsConnected)
	assert.Equal(t, "conn-1", snap.ConnectionID)
	assert.True(t, f.conn.connected)
}

func TestStartFailsWhenAckNeverArrives(t *testing.T) {
	queue := playback.NewQueue(playback.PCM16Decoder{}, func() (playback.Sink, error) {
		return playback.NewWriterSink(&bytes.Buffer{}, 24000, false), nil
	})
	orch := New(budget.NewTracker(budget.NewMemoryStore(), budget.TrackerConfig{}), queue, nil, func(cb livesession.Callbacks) LiveConn {
		return &fakeConn{cb: cb, ackOnStart: false}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := orch.Start(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, StateError, orch.Snapshot().State)
}

func TestStopAbortsStartAckWait(t *testing.T) {
	queue := playback.NewQueue(playback.PCM16Decoder{}, func() (playback.Sink, error) {
		return playback.NewWriterSink(&bytes.Buffer{}, 24000, false), nil
	})
	orch := New(budget.NewTracker(budget.NewMemoryStore(), budget.TrackerConfig{}), queue, nil, func(cb livesession.Callbacks) LiveConn {
		return &fakeConn{cb: cb, ackOnStart: false}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Start(context.Background(), nil) }()

	time.Sleep(100 * time.Millisecond)
	orch.Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept waiting for the ack after Stop")
	}

	snap := orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Err)
}

func TestStartRejectedOutsideIdle(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	err := f.orch.Start(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start")
}

func TestSendTextGatesThenForwards(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	require.NoError(t, f.orch.SendText(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, f.conn.sentTexts())
	assert.Equal(t, StateProcessing, f.orch.Snapshot().State)
}

func TestBudgetDenialShortCircuitsBeforeTransport(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{SessionMaxTokens: 100})
	f.start(t)

	// Exhaust the session before the send.
	require.NoError(t, f.tracker.RecordUsage(context.Background(), f.orch.BudgetSessionID(), budget.FeatureChat, 150, true))

	err := f.orch.SendText(context.Background(), "one more thing")
	require.ErrorIs(t, err, ErrBudgetDenied)
	assert.Empty(t, f.conn.sentTexts(), "denied turn must never reach the wire")

	snap := f.orch.Snapshot()
	assert.NotEmpty(t, snap.Err)
	assert.NotEqual(t, StateProcessing, snap.State)
}

func TestTurnCompleteSettlesActualCost(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	require.NoError(t, f.orch.SendText(context.Background(), "hello"))
	f.conn.cb.OnTextDelta("Hi ")
	f.conn.cb.OnTextDelta("Jane!")
	f.conn.cb.OnTurnComplete(321)

	require.Eventually(t, func() bool {
		return f.orch.Snapshot().State == StateActive
	}, 2*time.Second, 10*time.Millisecond)

	snap := f.orch.Snapshot()
	assert.Equal(t, "Hi Jane!", snap.Transcript)

	status, err := f.orch.BudgetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 321, status.FeatureStatus[budget.FeatureChat].Used)
}

func TestTurnCompleteFallsBackToEstimate(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	message := "how does pricing work?"
	require.NoError(t, f.orch.SendText(context.Background(), message))
	f.conn.cb.OnTurnComplete(0)

	require.Eventually(t, func() bool {
		status, err := f.orch.BudgetStatus(context.Background())
		return err == nil && status.FeatureStatus[budget.FeatureChat].Used == estimateTextTokens(message)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAudioSegmentsFlowIntoQueue(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	require.NoError(t, f.orch.SendText(context.Background(), "talk to me"))
	f.conn.cb.OnAudioSegment([]byte{1, 2, 3, 4}, "audio/pcm;rate=24000")
	f.conn.cb.OnAudioSegment([]byte{5, 6}, "audio/pcm;rate=24000")

	require.Eventually(t, func() bool {
		return f.orch.Snapshot().AudioQueueDepth == 0 && f.pcm.Len() == 6
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendAudioChunkGatesOnVoiceFeature(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	require.NoError(t, f.orch.SendAudioChunk(context.Background(), []byte{1, 2}, "audio/pcm"))
	f.conn.cb.OnTurnComplete(0)

	require.Eventually(t, func() bool {
		status, err := f.orch.BudgetStatus(context.Background())
		return err == nil && status.FeatureStatus[budget.FeatureVoiceTTS].Used > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendRejectedWhileTurnInFlight(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	require.NoError(t, f.orch.SendText(context.Background(), "first"))

	err := f.orch.SendText(context.Background(), "second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot send")
	assert.Equal(t, []string{"first"}, f.conn.sentTexts(), "overlapping turn must not reach the wire")

	f.conn.cb.OnTurnComplete(100)
	require.Eventually(t, func() bool {
		return f.orch.Snapshot().State == StateActive
	}, 2*time.Second, 10*time.Millisecond)

	status, err := f.orch.BudgetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, status.FeatureStatus[budget.FeatureChat].Used, "only the accepted turn is charged")

	// The next turn is accepted once the first has settled.
	require.NoError(t, f.orch.SendText(context.Background(), "third"))
	assert.Equal(t, []string{"first", "third"}, f.conn.sentTexts())
}

func TestSendRejectedWhenIdle(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})

	err := f.orch.SendText(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot send")
}

func TestFatalErrorEntersErrorStateUntilStop(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	f.conn.cb.OnError(livesession.ErrReconnectExhausted)
	snap := f.orch.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.NotEmpty(t, snap.Err)

	// Error is terminal for this session instance; a new Start needs Stop.
	require.Error(t, f.orch.Start(context.Background(), nil))

	f.orch.Stop()
	assert.Equal(t, StateIdle, f.orch.Snapshot().State)
	assert.True(t, f.conn.stopped)

	f.start(t)
}

func TestRetryableErrorKeepsSessionAlive(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	f.conn.cb.OnError(&livesession.GatewayError{Code: "rate_limited", Message: "slow down", Retryable: true})
	snap := f.orch.Snapshot()
	assert.NotEqual(t, StateError, snap.State)
	assert.Contains(t, snap.Err, "slow down")
}

func TestSessionClosedReturnsToIdle(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	f.conn.cb.OnSessionClosed("demo complete")
	snap := f.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Contains(t, snap.Err, "demo complete")
}

func TestBudgetLedgerSurvivesRestart(t *testing.T) {
	f := newFixture(t, budget.TrackerConfig{})
	f.start(t)

	require.NoError(t, f.orch.SendText(context.Background(), "hello"))
	f.conn.cb.OnTurnComplete(500)
	require.Eventually(t, func() bool {
		status, err := f.orch.BudgetStatus(context.Background())
		return err == nil && status.FeatureStatus[budget.FeatureChat].Used == 500
	}, 2*time.Second, 10*time.Millisecond)

	f.orch.Stop()
	f.start(t)

	status, err := f.orch.BudgetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500, status.FeatureStatus[budget.FeatureChat].Used, "ledger outlives the live connection")
}

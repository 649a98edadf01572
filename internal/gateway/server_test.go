package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmoretti/concierge/internal/budget"
	"github.com/lmoretti/concierge/internal/config"
	"github.com/lmoretti/concierge/internal/observability"
	"github.com/lmoretti/concierge/internal/protocol"
)

// Prometheus collectors register globally, so all tests share one set.
var testMetrics = observability.NewMetrics("gateway_test")

type testHarness struct {
	tracker *budget.Tracker
	http    *httptest.Server
}

func newHarness(t *testing.T, cfg budget.TrackerConfig) *testHarness {
	t.Helper()
	tracker := budget.NewTracker(budget.NewMemoryStore(), cfg)
	srv := New(config.Config{AllowAnyOrigin: true}, tracker, NewScriptedAssistant(), testMetrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testHarness{tracker: tracker, http: ts}
}

func (h *testHarness) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/live/ws"
	if sessionID != "" {
		wsURL += "?session_id=" + sessionID
	}
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) (protocol.MessageType, any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	typ, msg, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)
	return typ, msg
}

func writeFrame(t *testing.T, ws *websocket.Conn, typ protocol.MessageType, payload any) {
	t.Helper()
	frame, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func startSession(t *testing.T, ws *websocket.Conn, lead *protocol.LeadContext) string {
	t.Helper()
	typ, _ := readFrame(t, ws)
	require.Equal(t, protocol.TypeConnected, typ)

	writeFrame(t, ws, protocol.TypeStart, protocol.Start{LeadContext: lead})
	typ, msg := readFrame(t, ws)
	require.Equal(t, protocol.TypeSessionStarted, typ)
	started := msg.(protocol.SessionStarted)
	require.NotEmpty(t, started.ConnectionID)
	return started.ConnectionID
}

func TestLiveWSFullTurn(t *testing.T) {
	h := newHarness(t, budget.TrackerConfig{})
	ws := h.dial(t, "visitor-1")
	startSession(t, ws, &protocol.LeadContext{Name: "Jane", Company: "Acme"})

	writeFrame(t, ws, protocol.TypeUserMessage, protocol.UserMessage{Message: "What do you offer?"})

	var (
		transcript strings.Builder
		audioSegs  int
		tokensUsed int
	)
	for {
		typ, msg := readFrame(t, ws)
		if typ == protocol.TypeTurnComplete {
			tokensUsed = msg.(protocol.TurnComplete).TokensUsed
			break
		}
		switch m := msg.(type) {
		case protocol.Text:
			transcript.WriteString(m.Content)
		case protocol.Audio:
			raw, err := base64.StdEncoding.DecodeString(m.AudioData)
			require.NoError(t, err)
			assert.NotEmpty(t, raw)
			assert.Contains(t, m.MimeType, "audio/pcm")
			audioSegs++
		default:
			t.Fatalf("unexpected frame %s", typ)
		}
	}

	assert.Contains(t, transcript.String(), "Jane")
	assert.Contains(t, transcript.String(), "What do you offer?")
	assert.Equal(t, 2, audioSegs)
	assert.Greater(t, tokensUsed, 0)

	status, err := h.tracker.GetSessionStatus(context.Background(), "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, tokensUsed, status.FeatureStatus[budget.FeatureChat].Used)
}

func TestUserMessageBeforeStartRejected(t *testing.T) {
	h := newHarness(t, budget.TrackerConfig{})
	ws := h.dial(t, "")

	typ, _ := readFrame(t, ws)
	require.Equal(t, protocol.TypeConnected, typ)

	writeFrame(t, ws, protocol.TypeUserMessage, protocol.UserMessage{Message: "hello"})
	typ, msg := readFrame(t, ws)
	require.Equal(t, protocol.TypeError, typ)
	assert.Equal(t, "no_session", msg.(protocol.Error).Code)
}

func TestBudgetExceededFrame(t *testing.T) {
	h := newHarness(t, budget.TrackerConfig{SessionMaxTokens: 10})
	require.NoError(t, h.tracker.RecordUsage(context.Background(), "spent", budget.FeatureChat, 20, true))

	ws := h.dial(t, "spent")
	startSession(t, ws, nil)

	writeFrame(t, ws, protocol.TypeUserMessage, protocol.UserMessage{Message: "one more"})
	typ, msg := readFrame(t, ws)
	require.Equal(t, protocol.TypeError, typ)
	errFrame := msg.(protocol.Error)
	assert.Equal(t, "budget_exceeded", errFrame.Code)
	assert.NotEmpty(t, errFrame.Message)
}

func TestInvalidClientFrameGetsErrorNotClose(t *testing.T) {
	h := newHarness(t, budget.TrackerConfig{})
	ws := h.dial(t, "")

	typ, _ := readFrame(t, ws)
	require.Equal(t, protocol.TypeConnected, typ)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"nonsense"}`)))
	typ, msg := readFrame(t, ws)
	require.Equal(t, protocol.TypeError, typ)
	assert.Equal(t, "invalid_client_message", msg.(protocol.Error).Code)

	// Connection survives; a valid start still works.
	writeFrame(t, ws, protocol.TypeStart, protocol.Start{})
	typ, _ = readFrame(t, ws)
	require.Equal(t, protocol.TypeSessionStarted, typ)
}

func TestRestartSupersedesSession(t *testing.T) {
	h := newHarness(t, budget.TrackerConfig{})
	ws := h.dial(t, "")
	first := startSession(t, ws, nil)

	writeFrame(t, ws, protocol.TypeStart, protocol.Start{})
	typ, msg := readFrame(t, ws)
	require.Equal(t, protocol.TypeSessionClosed, typ)
	assert.Contains(t, msg.(protocol.SessionClosed).Reason, "superseded")

	typ, msg = readFrame(t, ws)
	require.Equal(t, protocol.TypeSessionStarted, typ)
	assert.NotEqual(t, first, msg.(protocol.SessionStarted).ConnectionID)
}

func TestBudgetStatusEndpoint(t *testing.T) {
	h := newHarness(t, budget.TrackerConfig{})
	require.NoError(t, h.tracker.RecordUsage(context.Background(), "visitor-2", budget.FeatureChat, 1234, true))

	resp, err := http.Get(h.http.URL + "/v1/budget/visitor-2/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SessionID     string                                  `json:"session_id"`
		FeatureStatus map[budget.Feature]budget.FeatureStatus `json:"feature_status"`
		IsComplete    bool                                    `json:"is_complete"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "visitor-2", body.SessionID)
	assert.Equal(t, 1234, body.FeatureStatus[budget.FeatureChat].Used)
	assert.False(t, body.IsComplete)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, budget.TrackerConfig{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.http.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lmoretti/concierge/internal/budget"
	"github.com/lmoretti/concierge/internal/config"
	"github.com/lmoretti/concierge/internal/observability"
	"github.com/lmoretti/concierge/internal/protocol"
)

// Server is the streaming gateway: it terminates live-session websockets,
// enforces the demo budget server-side, and proxies turns to the
// assistant.
type Server struct {
	cfg       config.Config
	tracker   *budget.Tracker
	assistant Assistant
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, tracker *budget.Tracker, assistant Assistant, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		tracker:   tracker,
		assistant: assistant,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin, so other sites cannot drive a visitor's session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/live/ws", s.handleLiveWS)
	r.Get("/v1/budget/{id}/status", s.handleBudgetStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	status, err := s.tracker.GetSessionStatus(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "status_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":         id,
		"feature_status":     status.FeatureStatus,
		"overall_progress":   status.OverallProgress,
		"is_complete":        status.Complete,
		"completion_message": status.CompletionMessage(),
	})
}

// outFrame pairs a message type with its payload for the writer pump.
type outFrame struct {
	t       protocol.MessageType
	payload any
}

func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	budgetSessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if budgetSessionID == "" {
		budgetSessionID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan outFrame, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-outbound:
				if !ok {
					return
				}
				frame, err := protocol.Encode(f.t, f.payload)
				if err != nil {
					log.Printf("gateway: encode %s frame: %v", f.t, err)
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", string(f.t)).Inc()
			}
		}
	}()

	send := func(t protocol.MessageType, payload any) {
		select {
		case outbound <- outFrame{t: t, payload: payload}:
		default:
			// Keep websocket writes single-threaded; drop if the outbound
			// queue is saturated.
			log.Printf("gateway: outbound queue full, dropping %s frame", t)
		}
	}

	send(protocol.TypeConnected, nil)

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	sess := &liveSession{
		server:          s,
		budgetSessionID: budgetSessionID,
		ipAddress:       r.RemoteAddr,
		userAgent:       r.UserAgent(),
		send:            send,
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}

		t, parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.TypeError, protocol.Error{
				Code:    "invalid_client_message",
				Message: err.Error(),
			})
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		sess.handle(ctx, parsed)
	}

	cancel()
	<-writerDone
}

// liveSession holds per-connection state between frames.
type liveSession struct {
	server          *Server
	budgetSessionID string
	ipAddress       string
	userAgent       string
	send            func(t protocol.MessageType, payload any)

	connectionID string
	lead         *protocol.LeadContext
}

func (ls *liveSession) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.Start:
		ls.handleStart(ctx, m)
	case protocol.UserMessage:
		ls.handleTurn(ctx, budget.FeatureChat, TurnRequest{
			ConnectionID: ls.connectionID,
			Lead:         ls.lead,
			Input:        m.Message,
			InputKind:    "text",
		})
	case protocol.UserAudio:
		raw, err := base64.StdEncoding.DecodeString(m.AudioData)
		if err != nil {
			ls.send(protocol.TypeError, protocol.Error{
				Code:    "invalid_audio",
				Message: "audio_data is not valid base64",
			})
			return
		}
		ls.handleTurn(ctx, budget.FeatureVoiceTTS, TurnRequest{
			ConnectionID: ls.connectionID,
			Lead:         ls.lead,
			Input:        fmt.Sprintf("(audio %d bytes)", len(raw)),
			InputKind:    "audio",
		})
	}
}

func (ls *liveSession) handleStart(ctx context.Context, m protocol.Start) {
	if ls.connectionID != "" {
		// A new start on an open connection replaces the prior session.
		ls.send(protocol.TypeSessionClosed, protocol.SessionClosed{Reason: "superseded by new start"})
	}

	if _, err := ls.server.tracker.GetOrCreateSession(ctx, ls.budgetSessionID, ls.ipAddress, ls.userAgent); err != nil {
		ls.send(protocol.TypeError, protocol.Error{
			Code:      "session_start_failed",
			Message:   err.Error(),
			Retryable: true,
		})
		return
	}

	ls.connectionID = uuid.NewString()
	ls.lead = m.LeadContext
	ls.send(protocol.TypeSessionStarted, protocol.SessionStarted{ConnectionID: ls.connectionID})
	ls.server.metrics.ActiveSessions.Inc()
}

func (ls *liveSession) handleTurn(ctx context.Context, feature budget.Feature, req TurnRequest) {
	if ls.connectionID == "" {
		ls.send(protocol.TypeError, protocol.Error{
			Code:    "no_session",
			Message: "send start before user input",
		})
		return
	}

	estimate := estimateTokens(req.Input)
	decision, err := ls.server.tracker.CheckFeatureAccess(ctx, ls.budgetSessionID, feature, estimate)
	if err != nil {
		ls.send(protocol.TypeError, protocol.Error{
			Code:      "budget_check_failed",
			Message:   err.Error(),
			Retryable: true,
		})
		return
	}
	if !decision.Allowed {
		ls.server.metrics.BudgetDenials.WithLabelValues(string(feature), "gate").Inc()
		ls.send(protocol.TypeError, protocol.Error{
			Code:    "budget_exceeded",
			Message: decision.Reason,
		})
		return
	}

	events, err := ls.server.assistant.StartTurn(ctx, req)
	if err != nil {
		// Charge for the attempted call even though it failed.
		_ = ls.server.tracker.RecordUsage(ctx, ls.budgetSessionID, feature, estimate, false)
		ls.send(protocol.TypeError, protocol.Error{
			Code:      "assistant_failed",
			Message:   err.Error(),
			Retryable: true,
		})
		return
	}

	tokensUsed := 0
	for evt := range events {
		switch evt.Type {
		case EventText:
			ls.send(protocol.TypeText, protocol.Text{Content: evt.Text})
		case EventAudio:
			ls.send(protocol.TypeAudio, protocol.Audio{
				AudioData: base64.StdEncoding.EncodeToString(evt.Audio),
				MimeType:  evt.MimeType,
			})
		case EventDone:
			tokensUsed = evt.TokensUsed
		case EventError:
			ls.send(protocol.TypeError, protocol.Error{
				Code:    evt.Code,
				Message: evt.Detail,
			})
		}
	}

	if tokensUsed <= 0 {
		tokensUsed = estimate
	}
	if err := ls.server.tracker.RecordUsage(ctx, ls.budgetSessionID, feature, tokensUsed, true); err != nil {
		log.Printf("gateway: record usage failed: %v", err)
	}
	ls.server.metrics.TokensCharged.WithLabelValues(string(feature)).Add(float64(tokensUsed))

	ls.send(protocol.TypeTurnComplete, protocol.TurnComplete{TokensUsed: tokensUsed})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

package budget

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultSessionTTL is how long a demo ledger lives before it is
	// silently recreated fresh. A soft, resettable cap, not a security
	// boundary.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultSessionMaxTokens caps total consumption across all features.
	DefaultSessionMaxTokens = 50000

	// DefaultRequestMaxTokens caps a single request's estimated cost.
	DefaultRequestMaxTokens = 15000
)

// Decision is the result of an access check. It is a returned value the
// caller branches on, never a thrown error.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	RemainingTokens   int    `json:"remaining_tokens"`
	RemainingRequests int    `json:"remaining_requests"`
}

// FeatureStatus is the derived per-feature view for UI display.
type FeatureStatus struct {
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Requests  int    `json:"requests"`
	Complete  bool   `json:"is_complete"`
	Model     string `json:"model"`
}

// Status is the derived whole-session view for UI display.
type Status struct {
	Session         *Session                  `json:"session"`
	FeatureStatus   map[Feature]FeatureStatus `json:"feature_status"`
	OverallProgress float64                   `json:"overall_progress"`
	Complete        bool                      `json:"is_complete"`
}

// TrackerConfig tunes the tracker's fixed caps.
type TrackerConfig struct {
	SessionTTL       time.Duration
	SessionMaxTokens int
	RequestMaxTokens int
}

func (c *TrackerConfig) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.SessionMaxTokens <= 0 {
		c.SessionMaxTokens = DefaultSessionMaxTokens
	}
	if c.RequestMaxTokens <= 0 {
		c.RequestMaxTokens = DefaultRequestMaxTokens
	}
}

// Tracker enforces per-feature and per-session consumption quotas against
// the fixed catalogue, independent of any live connection's lifecycle.
//
// CheckFeatureAccess and RecordUsage are deliberately separate because the
// actual token cost of a call is only known after it completes. The tracker
// mutex serializes both, so two callers in the same process cannot pass the
// gate interleaved with a record; cross-instance overshoot is accepted and
// bounded by the per-request cap.
type Tracker struct {
	mu    sync.Mutex
	store Store
	cfg   TrackerConfig
}

func NewTracker(store Store, cfg TrackerConfig) *Tracker {
	cfg.applyDefaults()
	return &Tracker{store: store, cfg: cfg}
}

// GetOrCreateSession returns the cached session if present and unexpired,
// otherwise creates a fresh one. Expired sessions are silently replaced.
func (t *Tracker) GetOrCreateSession(ctx context.Context, sessionID, ipAddress, userAgent string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreateLocked(ctx, sessionID, ipAddress, userAgent)
}

func (t *Tracker) getOrCreateLocked(ctx context.Context, sessionID, ipAddress, userAgent string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}

	s, err := t.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}

	now := time.Now().UTC()
	s = &Session{
		ID:                sessionID,
		IPAddress:         ipAddress,
		UserAgent:         userAgent,
		CreatedAt:         now,
		ExpiresAt:         now.Add(t.cfg.SessionTTL),
		FeatureUsage:      make(map[Feature]int, len(Catalogue)),
		FeatureRequests:   make(map[Feature]int, len(Catalogue)),
		CompletedFeatures: make(map[Feature]bool),
	}
	for f := range Catalogue {
		s.FeatureUsage[f] = 0
		s.FeatureRequests[f] = 0
	}
	if err := t.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// CheckFeatureAccess is a pure read-check with three gates evaluated in
// order; the first failure wins. It never mutates the ledger.
func (t *Tracker) CheckFeatureAccess(ctx context.Context, sessionID string, feature Feature, estimatedTokens int) (Decision, error) {
	limit, ok := Catalogue[feature]
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown feature %q", feature)}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.getOrCreateLocked(ctx, sessionID, "", "")
	if err != nil {
		return Decision{}, err
	}

	used := s.FeatureUsage[feature]
	requests := s.FeatureRequests[feature]
	remainingTokens := limit.MaxTokens - used
	if remainingTokens < 0 {
		remainingTokens = 0
	}
	remainingRequests := limit.MaxRequests - requests
	if remainingRequests < 0 {
		remainingRequests = 0
	}

	if s.Complete {
		return Decision{
			Reason:            "demo session complete",
			RemainingTokens:   remainingTokens,
			RemainingRequests: remainingRequests,
		}, nil
	}

	if estimatedTokens > t.cfg.RequestMaxTokens {
		return Decision{
			Reason: fmt.Sprintf("request of %d tokens exceeds the per-request limit of %d",
				estimatedTokens, t.cfg.RequestMaxTokens),
			RemainingTokens:   remainingTokens,
			RemainingRequests: remainingRequests,
		}, nil
	}

	if used+estimatedTokens > limit.MaxTokens {
		return Decision{
			Reason: fmt.Sprintf("%s usage of %d tokens plus %d would exceed the feature limit of %d",
				feature, used, estimatedTokens, limit.MaxTokens),
			RemainingTokens:   remainingTokens,
			RemainingRequests: remainingRequests,
		}, nil
	}
	if remainingRequests == 0 {
		return Decision{
			Reason: fmt.Sprintf("%s request count %d has reached the feature limit of %d",
				feature, requests, limit.MaxRequests),
			RemainingTokens:   remainingTokens,
			RemainingRequests: remainingRequests,
		}, nil
	}
	if s.TotalTokensUsed+estimatedTokens > t.cfg.SessionMaxTokens {
		return Decision{
			Reason: fmt.Sprintf("session usage of %d tokens plus %d would exceed the session limit of %d",
				s.TotalTokensUsed, estimatedTokens, t.cfg.SessionMaxTokens),
			RemainingTokens:   remainingTokens,
			RemainingRequests: remainingRequests,
		}, nil
	}

	return Decision{
		Allowed:           true,
		RemainingTokens:   remainingTokens,
		RemainingRequests: remainingRequests,
	}, nil
}

// RecordUsage adds actualTokens to the feature and session counters. It is
// a ledger update, not a gate: it never rejects, and it charges regardless
// of success since the backend call already happened.
func (t *Tracker) RecordUsage(ctx context.Context, sessionID string, feature Feature, actualTokens int, success bool) error {
	if !Known(feature) {
		return fmt.Errorf("unknown feature %q", feature)
	}
	if actualTokens < 0 {
		actualTokens = 0
	}
	_ = success // charged for attempted work either way; kept for call-site clarity

	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.getOrCreateLocked(ctx, sessionID, "", "")
	if err != nil {
		return err
	}

	s.FeatureUsage[feature] += actualTokens
	s.FeatureRequests[feature]++
	s.TotalTokensUsed += actualTokens

	// Recompute completion. Both markers are monotonic within the TTL.
	for f, limit := range Catalogue {
		if s.FeatureUsage[f] >= limit.MaxTokens || s.FeatureRequests[f] >= limit.MaxRequests {
			s.CompletedFeatures[f] = true
		}
	}
	if s.TotalTokensUsed >= t.cfg.SessionMaxTokens || len(s.CompletedFeatures) == len(Catalogue) {
		s.Complete = true
	}

	return t.store.Put(ctx, s)
}

// GetSessionStatus returns the derived read view for UI display. It
// performs no mutation beyond lazy session creation.
func (t *Tracker) GetSessionStatus(ctx context.Context, sessionID string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.getOrCreateLocked(ctx, sessionID, "", "")
	if err != nil {
		return Status{}, err
	}

	features := make(map[Feature]FeatureStatus, len(Catalogue))
	completed := 0
	for f, limit := range Catalogue {
		used := s.FeatureUsage[f]
		remaining := limit.MaxTokens - used
		if remaining < 0 {
			remaining = 0
		}
		done := s.CompletedFeatures[f]
		if done {
			completed++
		}
		features[f] = FeatureStatus{
			Used:      used,
			Remaining: remaining,
			Requests:  s.FeatureRequests[f],
			Complete:  done,
			Model:     limit.Model,
		}
	}

	return Status{
		Session:         s,
		FeatureStatus:   features,
		OverallProgress: 100 * float64(completed) / float64(len(Catalogue)),
		Complete:        s.Complete,
	}, nil
}

// CompletionMessage renders a human-readable summary for the UI.
func (st Status) CompletionMessage() string {
	if st.Complete {
		return "You've explored the full demo. Thanks for trying it out — book a call to go deeper."
	}

	var done []string
	for f, fs := range st.FeatureStatus {
		if fs.Complete {
			done = append(done, string(f))
		}
	}
	if len(done) == 0 {
		return fmt.Sprintf("Demo session active: %d tokens used so far.", st.Session.TotalTokensUsed)
	}
	sort.Strings(done)
	return fmt.Sprintf("You've completed %s (%.0f%% of the demo).",
		strings.Join(done, ", "), st.OverallProgress)
}

package consensus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/terminal-bench/gridtrust/internal/validators"
	"github.com/terminal-bench/gridtrust/pkg/messaging"
)

var (
	ErrNotValidator           = errors.New("caller is not an active validator")
	ErrInsufficientValidators = errors.New("not enough active validators")
	ErrThresholdOutOfRange    = errors.New("threshold outside configured bounds")
	ErrSessionActive          = errors.New("session already active for reading")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session past deadline")
	ErrSessionResolved        = errors.New("session already resolved")
	ErrDuplicateVote          = errors.New("validator already voted in session")
)

// Key identifies one consensus session: one reading, one vote round.
type Key struct {
	DeviceID string
	Sequence uint64
}

// Vote is one validator's ballot. Weight is snapshotted at cast time and is
// immune to later roster changes.
type Vote struct {
	Voter     string    `json:"voter"`
	Choice    bool      `json:"choice"`
	Weight    int64     `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Session is one weighted vote round over a specific reading. It moves from
// open to resolved exactly once; expiry merely stops new votes.
type Session struct {
	DeviceID         string          `json:"device_id"`
	Sequence         uint64          `json:"sequence"`
	StartedBy        string          `json:"started_by"`
	StartTime        time.Time       `json:"start_time"`
	Deadline         time.Time       `json:"deadline"`
	ThresholdPercent int             `json:"threshold_percent"`
	WeightSnapshot   int64           `json:"weight_snapshot"`
	RequiredWeight   int64           `json:"required_weight"`
	YesWeight        int64           `json:"yes_weight"`
	NoWeight         int64           `json:"no_weight"`
	Votes            map[string]Vote `json:"votes"`
	Resolved         bool            `json:"resolved"`
	Outcome          bool            `json:"outcome"`
	ResolvedAt       time.Time       `json:"resolved_at,omitempty"`
}

// VerdictStore receives the outcome of resolved sessions.
type VerdictStore interface {
	ApplyVerdict(ctx context.Context, deviceID string, sequence uint64, outcome bool) error
}

// Config holds consensus engine configuration
type Config struct {
	MinValidators    int
	ThresholdMin     int
	ThresholdMax     int
	ThresholdDefault int
	SessionTimeout   time.Duration
	Clock            func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinValidators:    3,
		ThresholdMin:     51,
		ThresholdMax:     75,
		ThresholdDefault: 66,
		SessionTimeout:   10 * time.Minute,
	}
}

// Engine runs weighted-vote sessions keyed directly by (deviceID, sequence).
type Engine struct {
	cfg       Config
	now       func() time.Time
	directory *validators.Directory
	store     VerdictStore
	msgClient *messaging.Client

	mu       sync.RWMutex
	sessions map[Key]*Session
	expired  map[Key]*Session
}

// NewEngine creates a consensus engine over the given validator directory.
func NewEngine(cfg Config, directory *validators.Directory, store VerdictStore, msgClient *messaging.Client) *Engine {
	def := DefaultConfig()
	if cfg.MinValidators == 0 {
		cfg.MinValidators = def.MinValidators
	}
	if cfg.ThresholdMin == 0 {
		cfg.ThresholdMin = def.ThresholdMin
	}
	if cfg.ThresholdMax == 0 {
		cfg.ThresholdMax = def.ThresholdMax
	}
	if cfg.ThresholdDefault == 0 {
		cfg.ThresholdDefault = def.ThresholdDefault
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:       cfg,
		now:       now,
		directory: directory,
		store:     store,
		msgClient: msgClient,
		sessions:  make(map[Key]*Session),
		expired:   make(map[Key]*Session),
	}
}

// StartSession opens a vote round for one reading. The caller must be an
// active validator and the live roster must meet the minimum count. The
// directory snapshot taken here fixes the quorum arithmetic for the whole
// session; later weight changes only affect the weight of not-yet-cast votes.
func (e *Engine) StartSession(ctx context.Context, callerID, deviceID string, sequence uint64, thresholdPercent int) (*Session, error) {
	if !e.directory.IsActive(callerID) {
		return nil, ErrNotValidator
	}

	if thresholdPercent == 0 {
		thresholdPercent = e.cfg.ThresholdDefault
	}
	if thresholdPercent < e.cfg.ThresholdMin || thresholdPercent > e.cfg.ThresholdMax {
		return nil, ErrThresholdOutOfRange
	}

	snap := e.directory.Snapshot()
	if snap.ActiveCount < e.cfg.MinValidators {
		return nil, ErrInsufficientValidators
	}

	key := Key{DeviceID: deviceID, Sequence: sequence}
	now := e.now()

	e.mu.Lock()
	if existing, exists := e.sessions[key]; exists {
		e.mu.Unlock()
		if existing.Resolved {
			return nil, ErrSessionResolved
		}
		return nil, ErrSessionActive
	}

	sess := &Session{
		DeviceID:         deviceID,
		Sequence:         sequence,
		StartedBy:        callerID,
		StartTime:        now,
		Deadline:         now.Add(e.cfg.SessionTimeout),
		ThresholdPercent: thresholdPercent,
		WeightSnapshot:   snap.TotalWeight,
		RequiredWeight:   snap.TotalWeight * int64(thresholdPercent) / 100,
		Votes:            make(map[string]Vote),
	}
	e.sessions[key] = sess
	out := copySession(sess)
	e.mu.Unlock()

	if e.msgClient != nil {
		e.msgClient.Publish(ctx, messaging.EventTypeSessionStarted, messaging.SessionEvent{
			DeviceID:       deviceID,
			Sequence:       sequence,
			StartedBy:      callerID,
			WeightSnapshot: out.WeightSnapshot,
			RequiredWeight: out.RequiredWeight,
			Deadline:       out.Deadline,
		})
	}

	return out, nil
}

// CastVote records one ballot with the voter's current weight. If the voted
// weight reaches the required quorum the session resolves irreversibly in the
// same call and the verdict is written back to the reading store. Equal yes
// and no weight at quorum resolves to no.
func (e *Engine) CastVote(ctx context.Context, voterID, deviceID string, sequence uint64, choice bool, reason string) (*Session, error) {
	key := Key{DeviceID: deviceID, Sequence: sequence}
	now := e.now()

	e.mu.Lock()
	sess, exists := e.sessions[key]
	if !exists {
		e.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.Resolved {
		e.mu.Unlock()
		return nil, ErrSessionResolved
	}
	if now.After(sess.Deadline) {
		e.mu.Unlock()
		return nil, ErrSessionExpired
	}
	if _, voted := sess.Votes[voterID]; voted {
		e.mu.Unlock()
		return nil, ErrDuplicateVote
	}

	weight, err := e.directory.Weight(voterID)
	if err != nil {
		e.mu.Unlock()
		return nil, ErrNotValidator
	}

	vote := Vote{
		Voter:     voterID,
		Choice:    choice,
		Weight:    weight,
		Timestamp: now,
		Reason:    reason,
	}
	sess.Votes[voterID] = vote
	if choice {
		sess.YesWeight += weight
	} else {
		sess.NoWeight += weight
	}

	resolved := false
	if sess.YesWeight+sess.NoWeight >= sess.RequiredWeight {
		sess.Resolved = true
		sess.Outcome = sess.YesWeight > sess.NoWeight
		sess.ResolvedAt = now
		resolved = true
	}
	out := copySession(sess)
	e.mu.Unlock()

	e.directory.RecordVote(voterID)

	if e.msgClient != nil {
		e.msgClient.Publish(ctx, messaging.EventTypeSessionVote, messaging.VoteEvent{
			DeviceID:  deviceID,
			Sequence:  sequence,
			Voter:     voterID,
			Choice:    choice,
			Weight:    weight,
			Reason:    reason,
			Timestamp: now,
		})
	}

	if resolved {
		e.finishSession(ctx, out)
	}

	return out, nil
}

// finishSession applies post-resolution bookkeeping: validator accuracy,
// verdict write-back, and the resolved event.
func (e *Engine) finishSession(ctx context.Context, sess *Session) {
	for _, v := range sess.Votes {
		e.directory.RecordOutcome(v.Voter, v.Choice == sess.Outcome)
	}

	if e.store != nil {
		if err := e.store.ApplyVerdict(ctx, sess.DeviceID, sess.Sequence, sess.Outcome); err != nil {
			log.Printf("Failed to apply verdict %s/%d: %v", sess.DeviceID, sess.Sequence, err)
		}
	}

	if e.msgClient != nil {
		e.msgClient.Publish(ctx, messaging.EventTypeSessionResolved, messaging.VerdictEvent{
			DeviceID:   sess.DeviceID,
			Sequence:   sess.Sequence,
			Outcome:    sess.Outcome,
			YesWeight:  sess.YesWeight,
			NoWeight:   sess.NoWeight,
			ResolvedAt: sess.ResolvedAt,
		})
	}
}

// CheckVerdict reports whether a resolved session exists for the key and, if
// so, its outcome. Lookups are by key, so they always find the session they
// ask about.
func (e *Engine) CheckVerdict(deviceID string, sequence uint64) (bool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sess, exists := e.sessions[Key{DeviceID: deviceID, Sequence: sequence}]
	if !exists || !sess.Resolved {
		return false, false
	}
	return true, sess.Outcome
}

// GetSession returns a copy of the session for a reading, live or archived.
func (e *Engine) GetSession(deviceID string, sequence uint64) (*Session, error) {
	key := Key{DeviceID: deviceID, Sequence: sequence}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if sess, exists := e.sessions[key]; exists {
		return copySession(sess), nil
	}
	if sess, exists := e.expired[key]; exists {
		return copySession(sess), nil
	}
	return nil, ErrSessionNotFound
}

// SweepExpired archives unresolved sessions past their deadline and returns
// how many were moved. Not required for correctness; expiry is also checked
// lazily on every vote.
func (e *Engine) SweepExpired(ctx context.Context) int {
	now := e.now()
	var swept []*Session

	e.mu.Lock()
	for key, sess := range e.sessions {
		if !sess.Resolved && now.After(sess.Deadline) {
			delete(e.sessions, key)
			e.expired[key] = sess
			swept = append(swept, copySession(sess))
		}
	}
	e.mu.Unlock()

	if e.msgClient != nil {
		for _, sess := range swept {
			e.msgClient.Publish(ctx, messaging.EventTypeSessionExpired, messaging.SessionEvent{
				DeviceID:       sess.DeviceID,
				Sequence:       sess.Sequence,
				WeightSnapshot: sess.WeightSnapshot,
				RequiredWeight: sess.RequiredWeight,
				Deadline:       sess.Deadline,
			})
		}
	}

	return len(swept)
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

func copySession(s *Session) *Session {
	out := *s
	out.Votes = make(map[string]Vote, len(s.Votes))
	for k, v := range s.Votes {
		out.Votes[k] = v
	}
	return &out
}

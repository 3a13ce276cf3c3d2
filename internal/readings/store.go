package readings

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/terminal-bench/gridtrust/internal/registry"
	"github.com/terminal-bench/gridtrust/internal/tokens"
	"github.com/terminal-bench/gridtrust/pkg/messaging"
)

var (
	ErrUnknownDevice     = errors.New("device not registered or inactive")
	ErrStaleSequence     = errors.New("sequence not greater than last accepted")
	ErrDuplicateSequence = errors.New("reading already exists for sequence")
	ErrTimestampDrift    = errors.New("timestamp outside allowed drift window")
	ErrDuplicateToken    = errors.New("dedup token already used")
	ErrScoreOutOfRange   = errors.New("suspicious score out of range")
	ErrReadingNotFound   = errors.New("reading not found")
	ErrDeviceNotFound    = errors.New("no readings for device")
	ErrAlreadyVerified   = errors.New("voter already verified this reading")
)

// Reading is one accepted submission. Readings are append-only: created once
// by Submit and mutated only by RecordVote and ApplyVerdict.
type Reading struct {
	DeviceID          string          `json:"device_id"`
	Sequence          uint64          `json:"sequence"`
	Timestamp         time.Time       `json:"timestamp"`
	Value             int64           `json:"value"`
	DedupToken        string          `json:"dedup_token"`
	SuspiciousScore   int             `json:"suspicious_score"`
	Reasons           []string        `json:"reasons,omitempty"`
	Verified          bool            `json:"verified"`
	ConsensusReached  bool            `json:"consensus_reached"`
	SubmittedBy       string          `json:"submitted_by"`
	VerifierSet       map[string]bool `json:"verifier_set"`
	VerificationCount int             `json:"verification_count"`
	AcceptedAt        time.Time       `json:"accepted_at"`
}

// MeterStats holds per-device running statistics. AverageValue is recomputed
// from the totals on every accepted submission, not incrementally averaged.
type MeterStats struct {
	TotalReadings      int64     `json:"total_readings"`
	VerifiedReadings   int64     `json:"verified_readings"`
	SuspiciousReadings int64     `json:"suspicious_readings"`
	LastSequence       uint64    `json:"last_sequence"`
	LastUpdate         time.Time `json:"last_update"`
	TotalValue         int64     `json:"total_value"`
	AverageValue       int64     `json:"average_value"`
}

// SubmitRequest carries one reading from the upstream verifier. DedupToken and
// SuspiciousScore arrive already validated and computed upstream.
type SubmitRequest struct {
	DeviceID        string
	Sequence        uint64
	Timestamp       time.Time
	Value           int64
	DedupToken      string
	SuspiciousScore int
	Reasons         []string
	SubmittedBy     string
}

// AlertSink receives high-severity notifications, independent of any later
// consensus outcome.
type AlertSink interface {
	NotifyFlagged(ctx context.Context, deviceID string, sequence uint64, score int, reasons []string)
}

// VerdictChecker is consulted once a reading has gathered enough verification
// votes; the consensus engine implements it.
type VerdictChecker interface {
	CheckVerdict(deviceID string, sequence uint64) (resolved bool, outcome bool)
}

// Archiver persists accepted readings and verdicts to the durable store.
type Archiver interface {
	SaveReading(ctx context.Context, r *Reading) error
	SaveVerdict(ctx context.Context, deviceID string, sequence uint64, outcome bool) error
}

// Config holds reading store configuration
type Config struct {
	MaxDrift              time.Duration
	MaxScore              int
	SuspiciousThreshold   int
	HighSeverityThreshold int
	MinVerificationCount  int
	Clock                 func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDrift:              5 * time.Minute,
		MaxScore:              1000,
		SuspiciousThreshold:   500,
		HighSeverityThreshold: 700,
		MinVerificationCount:  3,
	}
}

// Store admits and keeps readings per device, enforcing ordering and replay
// protection. Mutations on one device are serialized by that device's lock;
// different devices proceed in parallel.
type Store struct {
	cfg      Config
	now      func() time.Time
	registry registry.DeviceRegistry
	tokens   tokens.Set

	mu      sync.RWMutex
	devices map[string]*deviceState

	alerts    AlertSink
	archive   Archiver
	msgClient *messaging.Client

	checkerMu sync.RWMutex
	checker   VerdictChecker
}

type deviceState struct {
	mu       sync.Mutex
	readings map[uint64]*Reading
	stats    MeterStats
}

// NewStore creates a reading store backed by the given registry and token set.
func NewStore(cfg Config, reg registry.DeviceRegistry, tok tokens.Set, msgClient *messaging.Client) *Store {
	if cfg.MaxDrift == 0 {
		cfg.MaxDrift = DefaultConfig().MaxDrift
	}
	if cfg.MaxScore == 0 {
		cfg.MaxScore = DefaultConfig().MaxScore
	}
	if cfg.SuspiciousThreshold == 0 {
		cfg.SuspiciousThreshold = DefaultConfig().SuspiciousThreshold
	}
	if cfg.HighSeverityThreshold == 0 {
		cfg.HighSeverityThreshold = DefaultConfig().HighSeverityThreshold
	}
	if cfg.MinVerificationCount == 0 {
		cfg.MinVerificationCount = DefaultConfig().MinVerificationCount
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Store{
		cfg:       cfg,
		now:       now,
		registry:  reg,
		tokens:    tok,
		devices:   make(map[string]*deviceState),
		msgClient: msgClient,
	}
}

// SetAlertSink wires the high-severity alert collaborator.
func (s *Store) SetAlertSink(sink AlertSink) {
	s.alerts = sink
}

// SetArchiver wires the durable archive.
func (s *Store) SetArchiver(a Archiver) {
	s.archive = a
}

// SetVerdictChecker wires the consensus engine lookup used by RecordVote.
func (s *Store) SetVerdictChecker(c VerdictChecker) {
	s.checkerMu.Lock()
	s.checker = c
	s.checkerMu.Unlock()
}

func (s *Store) device(deviceID string) *deviceState {
	s.mu.RLock()
	ds, exists := s.devices[deviceID]
	s.mu.RUnlock()
	if exists {
		return ds
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, exists = s.devices[deviceID]; exists {
		return ds
	}
	ds = &deviceState{readings: make(map[uint64]*Reading)}
	s.devices[deviceID] = ds
	return ds
}

// Submit admits one reading. Preconditions are checked in a fixed order, each
// with its own failure mode; statistics are touched only when every check has
// passed, so a rejected submission leaves no partial state behind.
func (s *Store) Submit(ctx context.Context, req *SubmitRequest) (*Reading, error) {
	known, err := s.registry.IsKnownAndActive(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	if !known {
		return nil, ErrUnknownDevice
	}

	ds := s.device(req.DeviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	// Unreachable while the strictly-increasing check below holds, but an
	// existing reading must never be overwritten.
	if _, exists := ds.readings[req.Sequence]; exists {
		return nil, ErrDuplicateSequence
	}
	if req.Sequence <= ds.stats.LastSequence {
		return nil, ErrStaleSequence
	}

	now := s.now()
	drift := now.Sub(req.Timestamp)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.cfg.MaxDrift {
		return nil, ErrTimestampDrift
	}

	seen, err := s.tokens.Seen(ctx, req.DedupToken)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if seen {
		return nil, ErrDuplicateToken
	}

	if req.SuspiciousScore < 0 || req.SuspiciousScore > s.cfg.MaxScore {
		return nil, ErrScoreOutOfRange
	}

	// Last check standing; claiming is the atomic check-and-set, so a token
	// racing in through another device still fails here.
	claimed, err := s.tokens.Claim(ctx, req.DedupToken)
	if err != nil {
		return nil, fmt.Errorf("token claim failed: %w", err)
	}
	if !claimed {
		return nil, ErrDuplicateToken
	}

	reasons := make([]string, len(req.Reasons))
	copy(reasons, req.Reasons)

	r := &Reading{
		DeviceID:        req.DeviceID,
		Sequence:        req.Sequence,
		Timestamp:       req.Timestamp,
		Value:           req.Value,
		DedupToken:      req.DedupToken,
		SuspiciousScore: req.SuspiciousScore,
		Reasons:         reasons,
		SubmittedBy:     req.SubmittedBy,
		VerifierSet:     make(map[string]bool),
		AcceptedAt:      now,
	}
	ds.readings[req.Sequence] = r

	ds.stats.TotalReadings++
	ds.stats.TotalValue += req.Value
	ds.stats.AverageValue = ds.stats.TotalValue / ds.stats.TotalReadings
	ds.stats.LastSequence = req.Sequence
	ds.stats.LastUpdate = now
	if req.SuspiciousScore > s.cfg.SuspiciousThreshold {
		ds.stats.SuspiciousReadings++
	}

	out := copyReading(r)

	if req.SuspiciousScore > s.cfg.HighSeverityThreshold && s.alerts != nil {
		s.alerts.NotifyFlagged(ctx, req.DeviceID, req.Sequence, req.SuspiciousScore, reasons)
	}

	if s.archive != nil {
		if err := s.archive.SaveReading(ctx, out); err != nil {
			log.Printf("Failed to archive reading %s/%d: %v", req.DeviceID, req.Sequence, err)
		}
	}

	if s.msgClient != nil {
		s.msgClient.Publish(ctx, messaging.EventTypeReadingAccepted, messaging.ReadingEvent{
			DeviceID:        req.DeviceID,
			Sequence:        req.Sequence,
			Timestamp:       req.Timestamp,
			Value:           req.Value,
			SuspiciousScore: req.SuspiciousScore,
			SubmittedBy:     req.SubmittedBy,
		})
	}

	return out, nil
}

// RecordVote adds a validator to a reading's verifier set. Once the
// verification count reaches the configured minimum, the consensus engine is
// asked whether a verdict exists for this key and any resolved outcome is
// applied.
func (s *Store) RecordVote(ctx context.Context, deviceID string, sequence uint64, voterID string) (*Reading, error) {
	ds, r, err := s.lookup(deviceID, sequence)
	if err != nil {
		return nil, err
	}

	ds.mu.Lock()
	if r.VerifierSet[voterID] {
		ds.mu.Unlock()
		return nil, ErrAlreadyVerified
	}
	r.VerifierSet[voterID] = true
	r.VerificationCount++
	shouldCheck := r.VerificationCount >= s.cfg.MinVerificationCount && !r.ConsensusReached
	out := copyReading(r)
	ds.mu.Unlock()

	if shouldCheck {
		s.checkerMu.RLock()
		checker := s.checker
		s.checkerMu.RUnlock()

		if checker != nil {
			if resolved, outcome := checker.CheckVerdict(deviceID, sequence); resolved {
				if err := s.ApplyVerdict(ctx, deviceID, sequence, outcome); err != nil {
					return nil, err
				}
				out, _ = s.GetReading(deviceID, sequence)
			}
		}
	}

	return out, nil
}

// ApplyVerdict marks the consensus outcome on a reading. Re-applying the same
// outcome is a no-op. A conflicting outcome after resolution indicates a
// broken invariant elsewhere and is fatal.
func (s *Store) ApplyVerdict(ctx context.Context, deviceID string, sequence uint64, outcome bool) error {
	ds, r, err := s.lookup(deviceID, sequence)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	if r.ConsensusReached {
		prior := r.Verified
		ds.mu.Unlock()
		if prior != outcome {
			panic(fmt.Sprintf("conflicting verdict for %s/%d: resolved %v, got %v",
				deviceID, sequence, prior, outcome))
		}
		return nil
	}

	r.ConsensusReached = true
	r.Verified = outcome
	if outcome {
		ds.stats.VerifiedReadings++
	}
	ds.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveVerdict(ctx, deviceID, sequence, outcome); err != nil {
			log.Printf("Failed to archive verdict %s/%d: %v", deviceID, sequence, err)
		}
	}

	if s.msgClient != nil {
		s.msgClient.Publish(ctx, messaging.EventTypeReadingVerified, messaging.VerdictEvent{
			DeviceID:   deviceID,
			Sequence:   sequence,
			Outcome:    outcome,
			ResolvedAt: s.now(),
		})
	}

	return nil
}

// GetReading returns a copy of the reading at (deviceID, sequence).
func (s *Store) GetReading(deviceID string, sequence uint64) (*Reading, error) {
	ds, r, err := s.lookup(deviceID, sequence)
	if err != nil {
		return nil, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	return copyReading(r), nil
}

// GetStats returns a copy of the per-device statistics.
func (s *Store) GetStats(deviceID string) (*MeterStats, error) {
	s.mu.RLock()
	ds, exists := s.devices[deviceID]
	s.mu.RUnlock()
	if !exists {
		return nil, ErrDeviceNotFound
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	stats := ds.stats
	return &stats, nil
}

// LastSequence returns the last accepted sequence for a device.
func (s *Store) LastSequence(deviceID string) (uint64, error) {
	stats, err := s.GetStats(deviceID)
	if err != nil {
		return 0, err
	}
	return stats.LastSequence, nil
}

func (s *Store) lookup(deviceID string, sequence uint64) (*deviceState, *Reading, error) {
	s.mu.RLock()
	ds, exists := s.devices[deviceID]
	s.mu.RUnlock()
	if !exists {
		return nil, nil, ErrReadingNotFound
	}

	ds.mu.Lock()
	r, exists := ds.readings[sequence]
	ds.mu.Unlock()
	if !exists {
		return nil, nil, ErrReadingNotFound
	}

	return ds, r, nil
}

func copyReading(r *Reading) *Reading {
	out := *r
	out.Reasons = make([]string, len(r.Reasons))
	copy(out.Reasons, r.Reasons)
	out.VerifierSet = make(map[string]bool, len(r.VerifierSet))
	for k, v := range r.VerifierSet {
		out.VerifierSet[k] = v
	}
	return &out
}

package validators

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/gridtrust/pkg/messaging"
)

var (
	ErrDuplicateValidator = errors.New("validator already registered")
	ErrValidatorNotFound  = errors.New("validator not found")
	ErrInvalidWeight      = errors.New("validator weight must be positive")
	ErrCapacityExceeded   = errors.New("validator capacity exceeded")
)

// DefaultMaxValidators bounds the roster size when no limit is configured.
const DefaultMaxValidators = 100

// Directory owns the roster of consensus participants and their voting weights.
type Directory struct {
	mu            sync.RWMutex
	validators    map[string]*Validator
	totalWeight   int64
	activeCount   int
	maxValidators int
	msgClient     *messaging.Client
}

// Validator is a weighted voting participant. Removed validators stay in the
// map with Active=false so their vote history survives removal.
type Validator struct {
	ID           string    `json:"id"`
	Weight       int64     `json:"weight"`
	Active       bool      `json:"active"`
	Description  string    `json:"description"`
	RegisteredAt time.Time `json:"registered_at"`
	RemovedAt    time.Time `json:"removed_at,omitempty"`
	RemovalNote  string    `json:"removal_note,omitempty"`
	TotalVotes   int64     `json:"total_votes"`
	CorrectVotes int64     `json:"correct_votes"`
}

// Snapshot is an atomic view of the active roster, consumed at session start.
// Later directory mutations do not affect a snapshot already taken.
type Snapshot struct {
	Weights     map[string]int64
	TotalWeight int64
	ActiveCount int
	TakenAt     time.Time
}

// Config holds directory configuration
type Config struct {
	MaxValidators int
}

// NewDirectory creates an empty validator directory
func NewDirectory(cfg Config, msgClient *messaging.Client) *Directory {
	max := cfg.MaxValidators
	if max <= 0 {
		max = DefaultMaxValidators
	}
	return &Directory{
		validators:    make(map[string]*Validator),
		maxValidators: max,
		msgClient:     msgClient,
	}
}

// Add registers a new validator with the given voting weight.
func (d *Directory) Add(ctx context.Context, id string, weight int64, description string) (*Validator, error) {
	if weight <= 0 {
		return nil, ErrInvalidWeight
	}

	d.mu.Lock()
	if _, exists := d.validators[id]; exists {
		d.mu.Unlock()
		return nil, ErrDuplicateValidator
	}
	if d.activeCount >= d.maxValidators {
		d.mu.Unlock()
		return nil, ErrCapacityExceeded
	}

	v := &Validator{
		ID:           id,
		Weight:       weight,
		Active:       true,
		Description:  description,
		RegisteredAt: time.Now(),
	}
	d.validators[id] = v
	d.totalWeight += weight
	d.activeCount++
	total := d.totalWeight
	out := *v
	d.mu.Unlock()

	if d.msgClient != nil {
		d.msgClient.Publish(ctx, messaging.EventTypeValidatorAdded, messaging.ValidatorEvent{
			ValidatorID: id,
			Weight:      weight,
			TotalWeight: total,
		})
	}

	return &out, nil
}

// Remove deactivates a validator and drops it from the iterable roster.
// Vote history is kept.
func (d *Directory) Remove(ctx context.Context, id, reason string) error {
	d.mu.Lock()
	v, exists := d.validators[id]
	if !exists || !v.Active {
		d.mu.Unlock()
		return ErrValidatorNotFound
	}

	v.Active = false
	v.RemovedAt = time.Now()
	v.RemovalNote = reason
	d.totalWeight -= v.Weight
	d.activeCount--
	total := d.totalWeight
	d.mu.Unlock()

	if d.msgClient != nil {
		d.msgClient.Publish(ctx, messaging.EventTypeValidatorRemoved, messaging.ValidatorEvent{
			ValidatorID: id,
			TotalWeight: total,
			Reason:      reason,
		})
	}

	return nil
}

// UpdateWeight changes an active validator's weight, adjusting the running
// total by the delta.
func (d *Directory) UpdateWeight(ctx context.Context, id string, newWeight int64) error {
	if newWeight <= 0 {
		return ErrInvalidWeight
	}

	d.mu.Lock()
	v, exists := d.validators[id]
	if !exists || !v.Active {
		d.mu.Unlock()
		return ErrValidatorNotFound
	}

	d.totalWeight += newWeight - v.Weight
	v.Weight = newWeight
	total := d.totalWeight
	d.mu.Unlock()

	if d.msgClient != nil {
		d.msgClient.Publish(ctx, messaging.EventTypeValidatorWeight, messaging.ValidatorEvent{
			ValidatorID: id,
			Weight:      newWeight,
			TotalWeight: total,
		})
	}

	return nil
}

// Snapshot returns the active roster and total weight atomically.
func (d *Directory) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	weights := make(map[string]int64, d.activeCount)
	for id, v := range d.validators {
		if v.Active {
			weights[id] = v.Weight
		}
	}

	return Snapshot{
		Weights:     weights,
		TotalWeight: d.totalWeight,
		ActiveCount: d.activeCount,
		TakenAt:     time.Now(),
	}
}

// Get returns a copy of a validator, active or not.
func (d *Directory) Get(id string) (*Validator, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, exists := d.validators[id]
	if !exists {
		return nil, ErrValidatorNotFound
	}
	out := *v
	return &out, nil
}

// IsActive reports whether id names an active validator.
func (d *Directory) IsActive(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, exists := d.validators[id]
	return exists && v.Active
}

// Weight returns the current weight of an active validator.
func (d *Directory) Weight(id string) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, exists := d.validators[id]
	if !exists || !v.Active {
		return 0, ErrValidatorNotFound
	}
	return v.Weight, nil
}

// TotalWeight returns the sum of active validator weights.
func (d *Directory) TotalWeight() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.totalWeight
}

// ActiveCount returns the number of active validators.
func (d *Directory) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeCount
}

// List returns copies of all validators, including removed ones.
func (d *Directory) List() []*Validator {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Validator, 0, len(d.validators))
	for _, v := range d.validators {
		c := *v
		out = append(out, &c)
	}
	return out
}

// RecordVote increments a validator's lifetime vote counter.
func (d *Directory) RecordVote(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, exists := d.validators[id]; exists {
		v.TotalVotes++
	}
}

// RecordOutcome credits a validator whose vote agreed with the final outcome.
// Advisory reporting data only; it never gates future votes.
func (d *Directory) RecordOutcome(id string, correct bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, exists := d.validators[id]; exists && correct {
		v.CorrectVotes++
	}
}

// Accuracy returns correct/total as a ratio in [0,1]. Zero votes yields zero.
func (d *Directory) Accuracy(id string) (decimal.Decimal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, exists := d.validators[id]
	if !exists {
		return decimal.Zero, ErrValidatorNotFound
	}
	if v.TotalVotes == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromInt(v.CorrectVotes).Div(decimal.NewFromInt(v.TotalVotes)), nil
}

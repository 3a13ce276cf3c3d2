package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/gridtrust/pkg/messaging"
)

// Service consumes flagged-reading events and keeps them for review.
type Service struct {
	db        *sql.DB
	msgClient *messaging.Client

	mu     sync.RWMutex
	recent []*Alert
	limit  int
}

// Alert is one flagged reading awaiting review.
type Alert struct {
	ID              string    `json:"id"`
	DeviceID        string    `json:"device_id"`
	Sequence        uint64    `json:"sequence"`
	SuspiciousScore int       `json:"suspicious_score"`
	Reasons         []string  `json:"reasons"`
	Acknowledged    bool      `json:"acknowledged"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewService creates the alert review service.
func NewService(db *sql.DB, msgClient *messaging.Client) *Service {
	return &Service{
		db:        db,
		msgClient: msgClient,
		limit:     1000,
	}
}

// Start subscribes to flagged-reading events.
func (s *Service) Start(ctx context.Context) error {
	return s.msgClient.QueueSubscribe(messaging.EventTypeReadingFlagged, "alerts", func(msg *nats.Msg) {
		var event messaging.FlaggedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("Failed to decode flagged event: %v", err)
			return
		}
		s.handleFlagged(ctx, event)
	})
}

func (s *Service) handleFlagged(ctx context.Context, event messaging.FlaggedEvent) {
	alert := &Alert{
		ID:              uuid.New().String(),
		DeviceID:        event.DeviceID,
		Sequence:        event.Sequence,
		SuspiciousScore: event.SuspiciousScore,
		Reasons:         event.Reasons,
		CreatedAt:       event.FlaggedAt,
	}

	s.mu.Lock()
	s.recent = append(s.recent, alert)
	if len(s.recent) > s.limit {
		s.recent = s.recent[len(s.recent)-s.limit:]
	}
	s.mu.Unlock()

	if s.db != nil {
		reasons, _ := json.Marshal(alert.Reasons)
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO alerts (id, device_id, sequence, suspicious_score, reasons, acknowledged, created_at)
			 VALUES ($1, $2, $3, $4, $5, false, $6)`,
			alert.ID, alert.DeviceID, alert.Sequence, alert.SuspiciousScore, reasons, alert.CreatedAt,
		)
		if err != nil {
			log.Printf("Failed to store alert for %s/%d: %v", alert.DeviceID, alert.Sequence, err)
		}
	}
}

// Acknowledge marks an alert reviewed.
func (s *Service) Acknowledge(ctx context.Context, alertID string) error {
	s.mu.Lock()
	for _, a := range s.recent {
		if a.ID == alertID {
			a.Acknowledged = true
			break
		}
	}
	s.mu.Unlock()

	if s.db != nil {
		_, err := s.db.ExecContext(ctx,
			"UPDATE alerts SET acknowledged = true WHERE id = $1", alertID)
		return err
	}
	return nil
}

// Recent returns the most recent alerts, newest last.
func (s *Service) Recent(limit int) []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}

	out := make([]*Alert, 0, limit)
	for _, a := range s.recent[len(s.recent)-limit:] {
		c := *a
		out = append(out, &c)
	}
	return out
}

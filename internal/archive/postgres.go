package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/terminal-bench/gridtrust/internal/consensus"
	"github.com/terminal-bench/gridtrust/internal/readings"
)

// Postgres is the append-only durable archive of readings, votes, and
// verdicts. The in-memory store stays authoritative for the hot path; the
// archive is the audit trail.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// SaveReading inserts an accepted reading.
func (p *Postgres) SaveReading(ctx context.Context, r *readings.Reading) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO readings (device_id, sequence, timestamp, value, dedup_token, suspicious_score, reasons, submitted_by, accepted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.DeviceID, r.Sequence, r.Timestamp, r.Value, r.DedupToken,
		r.SuspiciousScore, pq.Array(r.Reasons), r.SubmittedBy, r.AcceptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reading: %w", err)
	}
	return nil
}

// SaveVerdict records the consensus outcome for a reading.
func (p *Postgres) SaveVerdict(ctx context.Context, deviceID string, sequence uint64, outcome bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE readings SET consensus_reached = true, verified = $1, resolved_at = $2
		 WHERE device_id = $3 AND sequence = $4 AND consensus_reached = false`,
		outcome, time.Now(), deviceID, sequence,
	)
	if err != nil {
		return fmt.Errorf("failed to update reading: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Already marked; verdicts are idempotent.
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO verdicts (device_id, sequence, outcome, resolved_at)
		 VALUES ($1, $2, $3, $4)`,
		deviceID, sequence, outcome, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}

	return tx.Commit()
}

// SaveVote appends one consensus vote.
func (p *Postgres) SaveVote(ctx context.Context, deviceID string, sequence uint64, v consensus.Vote) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO votes (device_id, sequence, voter, choice, weight, reason, cast_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		deviceID, sequence, v.Voter, v.Choice, v.Weight, v.Reason, v.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save vote: %w", err)
	}
	return nil
}

// ReadingHistory returns the most recent archived readings for a device.
func (p *Postgres) ReadingHistory(ctx context.Context, deviceID string, limit int) ([]ArchivedReading, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT device_id, sequence, timestamp, value, suspicious_score, verified, consensus_reached, accepted_at
		 FROM readings WHERE device_id = $1 ORDER BY sequence DESC LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []ArchivedReading
	for rows.Next() {
		var r ArchivedReading
		err := rows.Scan(&r.DeviceID, &r.Sequence, &r.Timestamp, &r.Value,
			&r.SuspiciousScore, &r.Verified, &r.ConsensusReached, &r.AcceptedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// ArchivedReading is the archive's view of a reading.
type ArchivedReading struct {
	DeviceID         string    `json:"device_id"`
	Sequence         uint64    `json:"sequence"`
	Timestamp        time.Time `json:"timestamp"`
	Value            int64     `json:"value"`
	SuspiciousScore  int       `json:"suspicious_score"`
	Verified         bool      `json:"verified"`
	ConsensusReached bool      `json:"consensus_reached"`
	AcceptedAt       time.Time `json:"accepted_at"`
}

package readings_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/gridtrust/internal/readings"
	"github.com/terminal-bench/gridtrust/internal/registry"
	"github.com/terminal-bench/gridtrust/internal/tokens"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubChecker struct {
	mu       sync.Mutex
	calls    int
	resolved bool
	outcome  bool
}

func (c *stubChecker) CheckVerdict(deviceID string, sequence uint64) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.resolved, c.outcome
}

func (c *stubChecker) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []int
}

func (a *alertRecorder) NotifyFlagged(ctx context.Context, deviceID string, sequence uint64, score int, reasons []string) {
	a.mu.Lock()
	a.alerts = append(a.alerts, score)
	a.mu.Unlock()
}

func newTestStore(t *testing.T) (*readings.Store, *registry.StaticRegistry, *fakeClock) {
	t.Helper()

	reg := registry.NewStaticRegistry("meter-1", "meter-2")
	clock := newFakeClock()
	store := readings.NewStore(readings.Config{Clock: clock.Now}, reg, tokens.NewMemorySet(), nil)
	return store, reg, clock
}

func submitAt(clock *fakeClock, seq uint64, token string) *readings.SubmitRequest {
	return &readings.SubmitRequest{
		DeviceID:    "meter-1",
		Sequence:    seq,
		Timestamp:   clock.Now(),
		Value:       100,
		DedupToken:  token,
		SubmittedBy: "verifier-1",
	}
}

func TestSubmit(t *testing.T) {
	t.Run("should accept a well-formed reading", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		r, err := store.Submit(context.Background(), submitAt(clock, 1, "tok-1"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), r.Sequence)
		assert.False(t, r.Verified)
		assert.False(t, r.ConsensusReached)
		assert.Equal(t, clock.Now(), r.AcceptedAt)
	})

	t.Run("should reject unknown or inactive device", func(t *testing.T) {
		store, reg, clock := newTestStore(t)

		req := submitAt(clock, 1, "tok-1")
		req.DeviceID = "ghost-meter"
		_, err := store.Submit(context.Background(), req)
		assert.ErrorIs(t, err, readings.ErrUnknownDevice)

		reg.SetActive("meter-1", false)
		_, err = store.Submit(context.Background(), submitAt(clock, 1, "tok-2"))
		assert.ErrorIs(t, err, readings.ErrUnknownDevice)
	})

	t.Run("should enforce strictly increasing sequence", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		_, err := store.Submit(context.Background(), submitAt(clock, 5, "tok-1"))
		require.NoError(t, err)

		_, err = store.Submit(context.Background(), submitAt(clock, 5, "tok-2"))
		assert.ErrorIs(t, err, readings.ErrDuplicateSequence)

		_, err = store.Submit(context.Background(), submitAt(clock, 3, "tok-3"))
		assert.ErrorIs(t, err, readings.ErrStaleSequence)

		// Gaps are fine; only monotonicity matters
		_, err = store.Submit(context.Background(), submitAt(clock, 9, "tok-4"))
		assert.NoError(t, err)
	})

	t.Run("should enforce the drift window inclusively", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		req := submitAt(clock, 1, "tok-1")
		req.Timestamp = clock.Now().Add(-5 * time.Minute)
		_, err := store.Submit(context.Background(), req)
		assert.NoError(t, err, "exactly at the boundary is accepted")

		req = submitAt(clock, 2, "tok-2")
		req.Timestamp = clock.Now().Add(-5*time.Minute - time.Second)
		_, err = store.Submit(context.Background(), req)
		assert.ErrorIs(t, err, readings.ErrTimestampDrift)

		req = submitAt(clock, 2, "tok-3")
		req.Timestamp = clock.Now().Add(5*time.Minute + time.Second)
		_, err = store.Submit(context.Background(), req)
		assert.ErrorIs(t, err, readings.ErrTimestampDrift)
	})

	t.Run("should reject reused dedup token across devices", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		_, err := store.Submit(context.Background(), submitAt(clock, 1, "tok-shared"))
		require.NoError(t, err)

		req := submitAt(clock, 1, "tok-shared")
		req.DeviceID = "meter-2"
		_, err = store.Submit(context.Background(), req)
		assert.ErrorIs(t, err, readings.ErrDuplicateToken)
	})

	t.Run("should keep the token unclaimed when a later check fails", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		req := submitAt(clock, 1, "tok-1")
		req.SuspiciousScore = 1001
		_, err := store.Submit(context.Background(), req)
		assert.ErrorIs(t, err, readings.ErrScoreOutOfRange)

		req = submitAt(clock, 1, "tok-1")
		req.SuspiciousScore = -1
		_, err = store.Submit(context.Background(), req)
		assert.ErrorIs(t, err, readings.ErrScoreOutOfRange)

		// The same token is still usable by a valid submission
		req = submitAt(clock, 1, "tok-1")
		req.SuspiciousScore = 1000
		_, err = store.Submit(context.Background(), req)
		assert.NoError(t, err)
	})
}

func TestSubmitStats(t *testing.T) {
	t.Run("should recompute average from totals", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		for i, v := range []int64{10, 20, 31} {
			req := submitAt(clock, uint64(i+1), "tok-"+string(rune('a'+i)))
			req.Value = v
			_, err := store.Submit(context.Background(), req)
			require.NoError(t, err)
		}

		stats, err := store.GetStats("meter-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.TotalReadings)
		assert.Equal(t, int64(61), stats.TotalValue)
		assert.Equal(t, int64(20), stats.AverageValue, "integer division of 61/3")
		assert.Equal(t, uint64(3), stats.LastSequence)
	})

	t.Run("should count suspicious readings above the threshold only", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		for i, score := range []int{500, 501, 499} {
			req := submitAt(clock, uint64(i+1), "tok-"+string(rune('a'+i)))
			req.SuspiciousScore = score
			_, err := store.Submit(context.Background(), req)
			require.NoError(t, err)
		}

		stats, err := store.GetStats("meter-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.SuspiciousReadings, "only >500 counts")
	})

	t.Run("should fail stats for device with no readings", func(t *testing.T) {
		store, _, _ := newTestStore(t)

		_, err := store.GetStats("meter-1")
		assert.ErrorIs(t, err, readings.ErrDeviceNotFound)
	})
}

func TestHighSeverityAlerts(t *testing.T) {
	t.Run("should notify the sink above the high severity threshold", func(t *testing.T) {
		store, _, clock := newTestStore(t)
		sink := &alertRecorder{}
		store.SetAlertSink(sink)

		req := submitAt(clock, 1, "tok-1")
		req.SuspiciousScore = 700
		_, err := store.Submit(context.Background(), req)
		require.NoError(t, err)
		assert.Empty(t, sink.alerts, "exactly 700 is not high severity")

		req = submitAt(clock, 2, "tok-2")
		req.SuspiciousScore = 701
		req.Reasons = []string{"value spike"}
		_, err = store.Submit(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []int{701}, sink.alerts)
	})
}

func TestRecordVote(t *testing.T) {
	t.Run("should reject duplicate voter", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		_, err := store.Submit(context.Background(), submitAt(clock, 1, "tok-1"))
		require.NoError(t, err)

		r, err := store.RecordVote(context.Background(), "meter-1", 1, "val-1")
		require.NoError(t, err)
		assert.Equal(t, 1, r.VerificationCount)

		_, err = store.RecordVote(context.Background(), "meter-1", 1, "val-1")
		assert.ErrorIs(t, err, readings.ErrAlreadyVerified)

		r, err = store.GetReading("meter-1", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, r.VerificationCount)
	})

	t.Run("should consult the checker once the minimum count is reached", func(t *testing.T) {
		store, _, clock := newTestStore(t)
		checker := &stubChecker{}
		store.SetVerdictChecker(checker)

		_, err := store.Submit(context.Background(), submitAt(clock, 1, "tok-1"))
		require.NoError(t, err)

		for _, voter := range []string{"val-1", "val-2"} {
			_, err = store.RecordVote(context.Background(), "meter-1", 1, voter)
			require.NoError(t, err)
		}
		assert.Equal(t, 0, checker.Calls(), "below the minimum nothing is checked")

		_, err = store.RecordVote(context.Background(), "meter-1", 1, "val-3")
		require.NoError(t, err)
		assert.Equal(t, 1, checker.Calls())
	})

	t.Run("should apply a resolved verdict from the checker", func(t *testing.T) {
		store, _, clock := newTestStore(t)
		checker := &stubChecker{resolved: true, outcome: true}
		store.SetVerdictChecker(checker)

		_, err := store.Submit(context.Background(), submitAt(clock, 1, "tok-1"))
		require.NoError(t, err)

		var r *readings.Reading
		for _, voter := range []string{"val-1", "val-2", "val-3"} {
			r, err = store.RecordVote(context.Background(), "meter-1", 1, voter)
			require.NoError(t, err)
		}

		assert.True(t, r.ConsensusReached)
		assert.True(t, r.Verified)

		stats, err := store.GetStats("meter-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.VerifiedReadings)
	})

	t.Run("should fail for missing reading", func(t *testing.T) {
		store, _, _ := newTestStore(t)

		_, err := store.RecordVote(context.Background(), "meter-1", 1, "val-1")
		assert.ErrorIs(t, err, readings.ErrReadingNotFound)
	})
}

func TestApplyVerdict(t *testing.T) {
	t.Run("should be idempotent for the same outcome", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		_, err := store.Submit(context.Background(), submitAt(clock, 1, "tok-1"))
		require.NoError(t, err)

		require.NoError(t, store.ApplyVerdict(context.Background(), "meter-1", 1, false))
		require.NoError(t, store.ApplyVerdict(context.Background(), "meter-1", 1, false))

		stats, err := store.GetStats("meter-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.VerifiedReadings, "rejected readings are not verified")
	})

	t.Run("should count verified readings once", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		_, err := store.Submit(context.Background(), submitAt(clock, 1, "tok-1"))
		require.NoError(t, err)

		require.NoError(t, store.ApplyVerdict(context.Background(), "meter-1", 1, true))
		require.NoError(t, store.ApplyVerdict(context.Background(), "meter-1", 1, true))

		stats, err := store.GetStats("meter-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.VerifiedReadings)
	})

	t.Run("should panic on conflicting outcome", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		_, err := store.Submit(context.Background(), submitAt(clock, 1, "tok-1"))
		require.NoError(t, err)

		require.NoError(t, store.ApplyVerdict(context.Background(), "meter-1", 1, true))

		assert.Panics(t, func() {
			_ = store.ApplyVerdict(context.Background(), "meter-1", 1, false)
		})
	})
}

func TestReadingIsolation(t *testing.T) {
	t.Run("returned readings are copies", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		req := submitAt(clock, 1, "tok-1")
		req.Reasons = []string{"spike"}
		_, err := store.Submit(context.Background(), req)
		require.NoError(t, err)

		r1, err := store.GetReading("meter-1", 1)
		require.NoError(t, err)
		r1.Reasons[0] = "tampered"
		r1.VerifierSet["mallory"] = true

		r2, err := store.GetReading("meter-1", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"spike"}, r2.Reasons)
		assert.Empty(t, r2.VerifierSet)
	})
}

func TestLastSequence(t *testing.T) {
	t.Run("should track the highest accepted sequence", func(t *testing.T) {
		store, _, clock := newTestStore(t)

		_, err := store.Submit(context.Background(), submitAt(clock, 7, "tok-1"))
		require.NoError(t, err)

		seq, err := store.LastSequence("meter-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(7), seq)

		_, err = store.LastSequence("meter-2")
		assert.ErrorIs(t, err, readings.ErrDeviceNotFound)
	})
}

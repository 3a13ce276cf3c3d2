package consensus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/gridtrust/internal/consensus"
	"github.com/terminal-bench/gridtrust/internal/validators"
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

type verdictRecorder struct {
	mu       sync.Mutex
	applied  int
	lastKey  string
	outcomes []bool
}

func (r *verdictRecorder) ApplyVerdict(ctx context.Context, deviceID string, sequence uint64, outcome bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied++
	r.lastKey = deviceID
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

func newTestEngine(t *testing.T, weights []int64) (*consensus.Engine, *validators.Directory, *verdictRecorder, *fakeClock) {
	t.Helper()

	directory := validators.NewDirectory(validators.Config{}, nil)
	for i, w := range weights {
		_, err := directory.Add(context.Background(), valID(i), w, "")
		require.NoError(t, err)
	}

	clock := newFakeClock()
	store := &verdictRecorder{}
	engine := consensus.NewEngine(consensus.Config{
		MinValidators:  3,
		SessionTimeout: 10 * time.Minute,
		Clock:          clock.Now,
	}, directory, store, nil)

	return engine, directory, store, clock
}

func valID(i int) string {
	return string(rune('a'+i)) + "-validator"
}

func TestStartSession(t *testing.T) {
	t.Run("should snapshot weight and compute required weight", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		sess, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		assert.Equal(t, int64(40), sess.WeightSnapshot)
		assert.Equal(t, int64(26), sess.RequiredWeight)
		assert.False(t, sess.Resolved)
	})

	t.Run("should reject non-validator caller", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, []int64{10, 10, 10})

		_, err := engine.StartSession(context.Background(), "stranger", "meter-1", 1, 66)
		assert.ErrorIs(t, err, consensus.ErrNotValidator)
	})

	t.Run("should reject threshold outside bounds", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, []int64{10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 50)
		assert.ErrorIs(t, err, consensus.ErrThresholdOutOfRange)

		_, err = engine.StartSession(context.Background(), valID(0), "meter-1", 1, 80)
		assert.ErrorIs(t, err, consensus.ErrThresholdOutOfRange)
	})

	t.Run("should default the threshold when zero", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		sess, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 66, sess.ThresholdPercent)
	})

	t.Run("should require minimum validator count", func(t *testing.T) {
		engine, directory, _, _ := newTestEngine(t, []int64{10, 10, 10})
		require.NoError(t, directory.Remove(context.Background(), valID(2), ""))

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		assert.ErrorIs(t, err, consensus.ErrInsufficientValidators)
	})

	t.Run("should reject a second session for the same reading", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, []int64{10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		_, err = engine.StartSession(context.Background(), valID(1), "meter-1", 1, 66)
		assert.ErrorIs(t, err, consensus.ErrSessionActive)

		// A different sequence is a different session
		_, err = engine.StartSession(context.Background(), valID(1), "meter-1", 2, 66)
		assert.NoError(t, err)
	})
}

func TestCastVoteQuorum(t *testing.T) {
	t.Run("three yes votes out of four tens resolve true", func(t *testing.T) {
		engine, _, store, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		sess, err := engine.CastVote(context.Background(), valID(0), "meter-1", 1, true, "")
		require.NoError(t, err)
		assert.False(t, sess.Resolved, "10 of 26 should stay open")

		sess, err = engine.CastVote(context.Background(), valID(1), "meter-1", 1, true, "")
		require.NoError(t, err)
		assert.False(t, sess.Resolved, "20 of 26 should stay open")

		sess, err = engine.CastVote(context.Background(), valID(2), "meter-1", 1, true, "")
		require.NoError(t, err)
		assert.True(t, sess.Resolved)
		assert.True(t, sess.Outcome)
		assert.Equal(t, int64(30), sess.YesWeight)

		assert.Equal(t, 1, store.applied)
		assert.Equal(t, []bool{true}, store.outcomes)
	})

	t.Run("split below quorum stays unresolved past the deadline", func(t *testing.T) {
		engine, _, store, clock := newTestEngine(t, []int64{10, 10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		_, err = engine.CastVote(context.Background(), valID(0), "meter-1", 1, true, "")
		require.NoError(t, err)
		sess, err := engine.CastVote(context.Background(), valID(1), "meter-1", 1, false, "")
		require.NoError(t, err)
		assert.False(t, sess.Resolved, "20 of 26 voted weight")

		clock.Advance(11 * time.Minute)

		_, err = engine.CastVote(context.Background(), valID(2), "meter-1", 1, true, "")
		assert.ErrorIs(t, err, consensus.ErrSessionExpired)

		sess, err = engine.GetSession("meter-1", 1)
		require.NoError(t, err)
		assert.False(t, sess.Resolved)
		assert.Equal(t, 0, store.applied)
	})

	t.Run("equal weight at quorum resolves to no", func(t *testing.T) {
		engine, _, store, _ := newTestEngine(t, []int64{13, 13, 13, 13})

		// total 52 at 51% -> requiredWeight 26
		sess, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 51)
		require.NoError(t, err)
		require.Equal(t, int64(26), sess.RequiredWeight)

		_, err = engine.CastVote(context.Background(), valID(0), "meter-1", 1, true, "")
		require.NoError(t, err)

		sess, err = engine.CastVote(context.Background(), valID(1), "meter-1", 1, false, "")
		require.NoError(t, err)
		assert.True(t, sess.Resolved)
		assert.False(t, sess.Outcome, "yes==no at quorum must reject")
		assert.Equal(t, []bool{false}, store.outcomes)
	})
}

func TestCastVoteGuards(t *testing.T) {
	t.Run("should reject duplicate vote without changing tallies", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		_, err = engine.CastVote(context.Background(), valID(0), "meter-1", 1, true, "")
		require.NoError(t, err)

		_, err = engine.CastVote(context.Background(), valID(0), "meter-1", 1, false, "changed my mind")
		assert.ErrorIs(t, err, consensus.ErrDuplicateVote)

		sess, err := engine.GetSession("meter-1", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(10), sess.YesWeight)
		assert.Equal(t, int64(0), sess.NoWeight)
	})

	t.Run("should reject votes on unknown session", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, []int64{10, 10, 10})

		_, err := engine.CastVote(context.Background(), valID(0), "meter-1", 99, true, "")
		assert.ErrorIs(t, err, consensus.ErrSessionNotFound)
	})

	t.Run("should reject votes after resolution even before the deadline", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err = engine.CastVote(context.Background(), valID(i), "meter-1", 1, true, "")
			require.NoError(t, err)
		}

		_, err = engine.CastVote(context.Background(), valID(3), "meter-1", 1, false, "")
		assert.ErrorIs(t, err, consensus.ErrSessionResolved)
	})

	t.Run("should reject removed validator", func(t *testing.T) {
		engine, directory, _, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		require.NoError(t, directory.Remove(context.Background(), valID(3), ""))

		_, err = engine.CastVote(context.Background(), valID(3), "meter-1", 1, true, "")
		assert.ErrorIs(t, err, consensus.ErrNotValidator)
	})
}

func TestVoteWeightSemantics(t *testing.T) {
	t.Run("votes carry current weight while required weight stays snapshotted", func(t *testing.T) {
		engine, directory, _, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		sess, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)
		require.Equal(t, int64(26), sess.RequiredWeight)

		// Weight change after session start affects new votes only
		require.NoError(t, directory.UpdateWeight(context.Background(), valID(0), 30))

		sess, err = engine.CastVote(context.Background(), valID(0), "meter-1", 1, true, "")
		require.NoError(t, err)

		assert.Equal(t, int64(30), sess.Votes[valID(0)].Weight)
		assert.Equal(t, int64(26), sess.RequiredWeight)
		assert.True(t, sess.Resolved, "30 voted weight meets the snapshotted 26")
	})

	t.Run("a cast vote is immune to later weight changes", func(t *testing.T) {
		engine, directory, _, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		_, err = engine.CastVote(context.Background(), valID(0), "meter-1", 1, true, "")
		require.NoError(t, err)

		require.NoError(t, directory.UpdateWeight(context.Background(), valID(0), 1))

		sess, err := engine.GetSession("meter-1", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(10), sess.Votes[valID(0)].Weight)
		assert.Equal(t, int64(10), sess.YesWeight)
	})
}

func TestAccuracyBookkeeping(t *testing.T) {
	t.Run("resolution credits validators that agreed with the outcome", func(t *testing.T) {
		engine, directory, _, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		_, err = engine.CastVote(context.Background(), valID(0), "meter-1", 1, true, "")
		require.NoError(t, err)
		_, err = engine.CastVote(context.Background(), valID(1), "meter-1", 1, false, "")
		require.NoError(t, err)
		_, err = engine.CastVote(context.Background(), valID(2), "meter-1", 1, true, "")
		require.NoError(t, err)

		// outcome true: voters 0 and 2 correct, voter 1 not
		for i, want := range []int64{1, 0, 1} {
			v, err := directory.Get(valID(i))
			require.NoError(t, err)
			assert.Equal(t, want, v.CorrectVotes, "validator %d", i)
			assert.Equal(t, int64(1), v.TotalVotes, "validator %d", i)
		}
	})
}

func TestCheckVerdict(t *testing.T) {
	t.Run("should report resolved sessions by key", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t, []int64{10, 10, 10, 10})

		resolved, _ := engine.CheckVerdict("meter-1", 1)
		assert.False(t, resolved)

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)

		resolved, _ = engine.CheckVerdict("meter-1", 1)
		assert.False(t, resolved, "open session has no verdict")

		for i := 0; i < 3; i++ {
			_, err = engine.CastVote(context.Background(), valID(i), "meter-1", 1, true, "")
			require.NoError(t, err)
		}

		resolved, outcome := engine.CheckVerdict("meter-1", 1)
		assert.True(t, resolved)
		assert.True(t, outcome)
	})
}

func TestSweepExpired(t *testing.T) {
	t.Run("should archive only expired unresolved sessions", func(t *testing.T) {
		engine, _, _, clock := newTestEngine(t, []int64{10, 10, 10, 10})

		_, err := engine.StartSession(context.Background(), valID(0), "meter-1", 1, 66)
		require.NoError(t, err)
		_, err = engine.StartSession(context.Background(), valID(0), "meter-2", 1, 66)
		require.NoError(t, err)

		// Resolve the second session before expiry
		for i := 0; i < 3; i++ {
			_, err = engine.CastVote(context.Background(), valID(i), "meter-2", 1, true, "")
			require.NoError(t, err)
		}

		clock.Advance(11 * time.Minute)

		n := engine.SweepExpired(context.Background())
		assert.Equal(t, 1, n)
		assert.Equal(t, 1, engine.SessionCount())

		// Archived session is still readable
		sess, err := engine.GetSession("meter-1", 1)
		require.NoError(t, err)
		assert.False(t, sess.Resolved)
	})
}

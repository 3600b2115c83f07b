package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAndCommit(t *testing.T) {
	tr := NewTracker(1000)

	res, err := tr.Reserve(400)
	require.NoError(t, err)
	assert.Equal(t, 600, tr.Remaining())

	require.NoError(t, tr.Commit(res.ID, 250))
	assert.Equal(t, 750, tr.Remaining())
	assert.Equal(t, 250, tr.Used())
}

func TestSecondReservationRejectedOverCeiling(t *testing.T) {
	tr := NewTracker(100)

	_, err := tr.Reserve(60)
	require.NoError(t, err)

	_, err = tr.Reserve(60)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	// Rejection must not consume budget.
	assert.Equal(t, 40, tr.Remaining())
}

func TestRemainingNeverNegative(t *testing.T) {
	tr := NewTracker(100)

	res, err := tr.Reserve(80)
	require.NoError(t, err)

	// Actual usage overshoots the estimate and the ceiling.
	require.NoError(t, tr.Commit(res.ID, 500))
	assert.Equal(t, 0, tr.Remaining())

	_, err = tr.Reserve(1)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestOutOfOrderCommits(t *testing.T) {
	tr := NewTracker(1000)

	first, err := tr.Reserve(300)
	require.NoError(t, err)
	second, err := tr.Reserve(300)
	require.NoError(t, err)
	assert.Equal(t, 400, tr.Remaining())

	// Commit in reverse order.
	require.NoError(t, tr.Commit(second.ID, 100))
	require.NoError(t, tr.Commit(first.ID, 100))
	assert.Equal(t, 800, tr.Remaining())
	assert.GreaterOrEqual(t, tr.Remaining(), 0)
}

func TestReleaseRestoresHeadroom(t *testing.T) {
	tr := NewTracker(100)

	res, err := tr.Reserve(90)
	require.NoError(t, err)
	assert.Equal(t, 10, tr.Remaining())

	tr.Release(res.ID)
	assert.Equal(t, 100, tr.Remaining())

	// Releasing twice is a no-op.
	tr.Release(res.ID)
	assert.Equal(t, 100, tr.Remaining())
}

func TestCommitUnknownReservation(t *testing.T) {
	tr := NewTracker(100)
	err := tr.Commit("no-such-id", 10)
	require.Error(t, err)
	assert.Equal(t, 100, tr.Remaining())
}

func TestUnlimitedCeiling(t *testing.T) {
	tr := NewTracker(0)
	res, err := tr.Reserve(1 << 30)
	require.NoError(t, err)
	require.NoError(t, tr.Commit(res.ID, 1<<30))
}

func TestConcurrentReserveCommit(t *testing.T) {
	tr := NewTracker(10000)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.Reserve(100)
			if err != nil {
				return
			}
			_ = tr.Commit(res.ID, 100)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, tr.Remaining(), 0)
	assert.LessOrEqual(t, tr.Used(), 10000)
}

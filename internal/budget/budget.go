// Package budget enforces the per-run token ceiling. Reservations are
// pessimistic: a call is only admitted when its estimated cost still fits,
// and the estimate is reconciled against actual usage after the call
// reports back.
package budget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"dopilot/internal/logging"
)

// ErrBudgetExceeded is returned when a reservation would drive the remaining
// budget below zero. The provider call is never attempted.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// Reservation is a handle for an admitted-but-unreconciled token estimate.
type Reservation struct {
	ID        string
	Estimated int
}

// Tracker accounts token consumption against a fixed ceiling. It is shared
// across concurrent runs of the same process, so all state changes are
// serialized by a mutex.
type Tracker struct {
	mu          sync.Mutex
	ceiling     int
	committed   int
	outstanding map[string]int
	logger      logging.Logger
}

// NewTracker creates a tracker with the given token ceiling. A non-positive
// ceiling disables budget enforcement.
func NewTracker(ceiling int) *Tracker {
	return &Tracker{
		ceiling:     ceiling,
		outstanding: make(map[string]int),
		logger:      logging.NewComponentLogger("token-budget"),
	}
}

// Reserve admits an estimated token cost. It fails with ErrBudgetExceeded
// when the estimate does not fit into the remaining headroom.
func (t *Tracker) Reserve(estimatedTokens int) (Reservation, error) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ceiling > 0 && estimatedTokens > t.remainingLocked() {
		t.logger.Warn("reservation of %d tokens rejected, %d remaining", estimatedTokens, t.remainingLocked())
		return Reservation{}, fmt.Errorf("%w: requested %d, remaining %d",
			ErrBudgetExceeded, estimatedTokens, t.remainingLocked())
	}

	res := Reservation{ID: uuid.NewString(), Estimated: estimatedTokens}
	t.outstanding[res.ID] = estimatedTokens
	t.logger.Debug("reserved %d tokens (%s), %d remaining", estimatedTokens, res.ID, t.remainingLocked())
	return res, nil
}

// Commit reconciles a reservation with the actual token usage reported by
// the provider. Commits may arrive in any order relative to other
// reservations.
func (t *Tracker) Commit(reservationID string, actualTokens int) error {
	if actualTokens < 0 {
		actualTokens = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.outstanding[reservationID]; !ok {
		return fmt.Errorf("unknown reservation %q", reservationID)
	}
	delete(t.outstanding, reservationID)

	t.committed += actualTokens
	// The budget never reports negative headroom even when actual usage
	// overshoots the estimate.
	if t.ceiling > 0 && t.committed > t.ceiling {
		t.committed = t.ceiling
	}

	t.logger.Debug("committed %d tokens (%s), %d remaining", actualTokens, reservationID, t.remainingLocked())
	return nil
}

// Release drops a reservation without charging the budget, e.g. when the
// call failed or the run was cancelled with the reservation outstanding.
func (t *Tracker) Release(reservationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.outstanding[reservationID]; ok {
		delete(t.outstanding, reservationID)
		t.logger.Debug("released reservation %s, %d remaining", reservationID, t.remainingLocked())
	}
}

// Remaining reports the headroom visible to the next reservation: the
// ceiling minus committed usage and all outstanding estimates.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

// Used reports the committed token total.
func (t *Tracker) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *Tracker) remainingLocked() int {
	if t.ceiling <= 0 {
		return int(^uint(0) >> 1) // effectively unlimited
	}
	reserved := 0
	for _, estimate := range t.outstanding {
		reserved += estimate
	}
	remaining := t.ceiling - t.committed - reserved
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Package reward wraps economic mutations with duplicate suppression keyed
// by an external event id. Webhook retries and double-fired UI triggers can
// re-deliver the same event any number of times; the credit lands once.
package reward

import (
	"context"
	"time"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/features/sync/coordinator"
	"coinfarm-backend/internal/features/sync/models"
)

// Result of applying a reward event.
type Result string

const (
	ResultApplied        Result = "applied"
	ResultAlreadyApplied Result = "already_applied"
)

// Fn applies one reward's effect to a record in place.
type Fn func(record *models.UserRecord, now time.Time)

// Guard re-validates the record inside the serialized mutation, after the
// ledger check and before the reward lands. Callers that gated on a snapshot
// read outside the coordinator lock pass a guard to catch the state having
// moved underneath them.
type Guard func(record *models.UserRecord, now time.Time) error

// Applier delegates to the update coordinator. The check-and-insert of the
// event id happens inside the same mutator the coordinator serializes per
// key, so two concurrent deliveries of one event cannot both pass the check
// before either commits. A failed authoritative write rolls the tentative
// ledger insert back with the rest of the snapshot, so failed attempts stay
// retryable.
type Applier struct {
	coord *coordinator.Coordinator
}

func NewApplier(coord *coordinator.Coordinator) *Applier {
	return &Applier{coord: coord}
}

// Apply credits the reward identified by eventID at most once.
// ResultAlreadyApplied is a successful no-op, not an error: callers must
// treat it as success.
func (a *Applier) Apply(ctx context.Context, key models.Key, eventID string, fn Fn) (Result, *models.UserRecord, error) {
	return a.ApplyGuarded(ctx, key, eventID, nil, fn)
}

// ApplyGuarded is Apply with a pre-credit guard. A guard failure is a
// preflight rejection: no optimistic state, no ledger insert. A duplicate
// delivery short-circuits before the guard runs, so retrying an event that
// already landed stays a successful no-op even if the guarded state has
// since moved on.
func (a *Applier) ApplyGuarded(ctx context.Context, key models.Key, eventID string, guard Guard, fn Fn) (Result, *models.UserRecord, error) {
	if eventID == "" {
		return "", nil, apperrors.NewMalformedWriteError("reward event id must not be empty")
	}

	applied := false
	record, err := a.coord.Update(ctx, key, func(r *models.UserRecord) (*models.UserRecord, error) {
		if r.HasAppliedEvent(eventID) {
			// Тождественная мутация: координатор зафиксирует «успех без изменений»
			return r, nil
		}
		now := time.Now().UTC()
		if guard != nil {
			if err := guard(r, now); err != nil {
				return nil, err
			}
		}
		fn(r, now)
		r.MarkEventApplied(eventID)
		applied = true
		return r, nil
	})
	if err != nil {
		return "", nil, err
	}
	if !applied {
		return ResultAlreadyApplied, record, nil
	}
	return ResultApplied, record, nil
}

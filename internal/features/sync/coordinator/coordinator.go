// Package coordinator applies tentative mutations to the local mirror
// immediately, issues the authoritative write, and reconciles the mirror on
// the outcome: commit to the server-confirmed value, or roll back to the
// exact prior snapshot.
package coordinator

import (
	"context"
	"sync"
	"time"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/common/logger"
	"coinfarm-backend/internal/features/sync/mirror"
	"coinfarm-backend/internal/features/sync/models"
	"coinfarm-backend/internal/features/sync/sanitize"
	"coinfarm-backend/internal/features/sync/store"
)

// Mutator computes the next state of a record. It receives a private copy
// and must return the full mutated record. Returning the input unchanged is
// a legal no-op.
type Mutator func(record *models.UserRecord) (*models.UserRecord, error)

// Notifier fans reconciled mirror entries out to listeners. Implemented by
// the subscription manager.
type Notifier interface {
	Broadcast(entry *models.MirrorEntry)
}

// Coordinator serializes authoritative writes per key. Two near-simultaneous
// mutations on the same record queue behind each other instead of both
// reading the same pre-mutation state.
type Coordinator struct {
	store    store.RecordStore
	mirror   *mirror.Cache
	notifier Notifier
	timeout  time.Duration

	locksMu sync.Mutex
	locks   map[models.Key]*sync.Mutex
}

const defaultWriteTimeout = 12 * time.Second

func New(recordStore store.RecordStore, mirrorCache *mirror.Cache, notifier Notifier, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Coordinator{
		store:    recordStore,
		mirror:   mirrorCache,
		notifier: notifier,
		timeout:  timeout,
		locks:    make(map[models.Key]*sync.Mutex),
	}
}

// Update runs mutator against the current record and commits the result.
//
// Pre-flight failures (mutator error, invariant violation) reject before any
// optimistic state exists: the mirror and the store are untouched. Failures
// of the authoritative write after the optimistic entry was published roll
// the mirror back to the exact prior snapshot before the error propagates.
func (c *Coordinator) Update(ctx context.Context, key models.Key, mutator Mutator) (*models.UserRecord, error) {
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	prior, err := c.currentEntry(ctx, key)
	if err != nil {
		return nil, err
	}

	optimistic, err := mutator(prior.Record.Clone())
	if err != nil {
		return nil, err
	}
	if optimistic == nil {
		return nil, apperrors.NewMalformedWriteError("mutator returned nil record")
	}
	if err := optimistic.Validate(); err != nil {
		return nil, err
	}

	fields, err := sanitize.Diff(prior.Record, optimistic)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// Мутация-тождество: нечего фиксировать
		return prior.Record, nil
	}

	optimisticEntry := &models.MirrorEntry{
		Key:        key,
		Record:     optimistic,
		Source:     models.SourceOptimistic,
		Version:    prior.Version + 1,
		CapturedAt: time.Now().UTC(),
	}
	if err := c.mirror.Put(optimisticEntry); err != nil {
		return nil, err
	}
	c.notify(optimisticEntry)

	committed, version, err := c.patch(ctx, key, fields)
	if err != nil {
		c.rollback(key, prior, optimisticEntry.Version)
		return nil, err
	}

	// Откаты двигают версии зеркала вперёд без участия счётчика хранилища,
	// поэтому подтверждение не может публиковаться с версией меньше уже
	// разосланной оптимистичной: слушатели обязаны видеть неубывающий ряд,
	// и LWW-клиент не должен предпочесть оптимистичное значение серверному
	if version < optimisticEntry.Version {
		version = optimisticEntry.Version
	}

	confirmed := &models.MirrorEntry{
		Key:        key,
		Record:     committed,
		Source:     models.SourceAuthoritative,
		Version:    version,
		CapturedAt: time.Now().UTC(),
	}
	if err := c.mirror.Put(confirmed); err != nil {
		keyLogger := logger.ForKey(string(key))
		keyLogger.Error().Err(err).Msg("Failed to persist confirmed mirror entry")
	}
	c.notify(confirmed)
	return committed.Clone(), nil
}

// patch issues the authoritative write with a bound on how long the caller
// can be left in optimistic limbo.
func (c *Coordinator) patch(ctx context.Context, key models.Key, fields map[string]any) (*models.UserRecord, int64, error) {
	writeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	committed, version, err := c.store.Patch(writeCtx, key, fields)
	if err != nil {
		if writeCtx.Err() == context.DeadlineExceeded {
			// Неразрешившаяся запись считается неуспешной: нельзя полагаться
			// на то, что она когда-нибудь тихо применится
			return nil, 0, apperrors.NewTimeoutError("patch", c.timeout)
		}
		return nil, 0, err
	}
	return committed, version, nil
}

// rollback restores the pre-optimistic snapshot as the last known-good
// state. The restored record is byte-for-byte the prior one; only the
// version moves forward, so stale listeners cannot resurrect the rolled
// back value.
func (c *Coordinator) rollback(key models.Key, prior *models.MirrorEntry, optimisticVersion int64) {
	restored := &models.MirrorEntry{
		Key:        key,
		Record:     prior.Record.Clone(),
		Source:     models.SourceAuthoritative,
		Version:    optimisticVersion + 1,
		CapturedAt: time.Now().UTC(),
	}
	if err := c.mirror.Put(restored); err != nil {
		keyLogger := logger.ForKey(string(key))
		keyLogger.Error().Err(err).Msg("Failed to roll back mirror entry")
		return
	}
	c.notify(restored)
}

// currentEntry reads the mirror, falling back to (and refreshing from) the
// store when the mirror is absent or stale.
func (c *Coordinator) currentEntry(ctx context.Context, key models.Key) (*models.MirrorEntry, error) {
	entry, err := c.mirror.Get(key)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Source == models.SourceAuthoritative {
		return entry, nil
	}

	record, version, err := c.store.Read(ctx, key)
	if err != nil {
		if entry != nil && apperrors.HasCode(err, apperrors.ErrCodeUnavailable) {
			// Хранилище недоступно: берём последний известный снимок
			return entry, nil
		}
		return nil, err
	}

	fresh := &models.MirrorEntry{
		Key:        key,
		Record:     record,
		Source:     models.SourceAuthoritative,
		Version:    version,
		CapturedAt: time.Now().UTC(),
	}
	if _, err := c.mirror.SetIfNewer(fresh); err != nil {
		return nil, err
	}
	// Зеркало могло удержать более новую версию — перечитываем
	entry, err = c.mirror.Get(key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = fresh
	}
	return entry, nil
}

func (c *Coordinator) notify(entry *models.MirrorEntry) {
	if c.notifier != nil {
		c.notifier.Broadcast(entry)
	}
}

func (c *Coordinator) keyLock(key models.Key) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/features/reward"
	"coinfarm-backend/internal/features/sync/coordinator"
	"coinfarm-backend/internal/features/sync/mirror"
	"coinfarm-backend/internal/features/sync/models"
	"coinfarm-backend/internal/features/sync/store/storetest"
	"coinfarm-backend/internal/features/sync/subscription"
)

const externalID = "123456789"

func newStack(t *testing.T) (SyncService, *storetest.FakeStore, *mirror.Cache) {
	t.Helper()
	fake := storetest.New()
	cache, err := mirror.Open(":memory:", 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	subs := subscription.NewManager(fake, cache, subscription.Config{})
	coord := coordinator.New(fake, cache, subs, 0)
	applier := reward.NewApplier(coord)
	return New(fake, cache, coord, subs, applier), fake, cache
}

func TestEnsureUserCreatesOnFirstContact(t *testing.T) {
	svc, fake, cache := newStack(t)
	ctx := context.Background()

	record, err := svc.EnsureUser(ctx, externalID, Profile{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, externalID, record.ExternalID)
	assert.Equal(t, "alice", record.Username)
	assert.Equal(t, models.TierFree, record.Tier)
	assert.Equal(t, 1, record.Level)

	// Запись легла и в хранилище, и в зеркало
	key, _ := models.ResolveKey(externalID)
	assert.NotNil(t, fake.Record(key))
	entry, err := cache.Get(key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.SourceAuthoritative, entry.Source)

	// Повторный контакт не пересоздаёт
	again, err := svc.EnsureUser(ctx, externalID, Profile{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, record.CreatedAt, again.CreatedAt)
}

func TestEnsureUserRefreshesProfile(t *testing.T) {
	svc, _, _ := newStack(t)
	ctx := context.Background()

	_, err := svc.EnsureUser(ctx, externalID, Profile{Username: "alice"})
	require.NoError(t, err)

	record, err := svc.EnsureUser(ctx, externalID, Profile{Username: "alice_renamed", FirstName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice_renamed", record.Username)
	assert.Equal(t, "Alice", record.FirstName)
}

func TestEnsureUserRejectsSyntheticID(t *testing.T) {
	svc, _, _ := newStack(t)

	_, err := svc.EnsureUser(context.Background(), "guest-7d2f", Profile{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidKey))
}

func TestGetUserServesStaleMirrorWhenStoreDown(t *testing.T) {
	svc, fake, cache := newStack(t)
	ctx := context.Background()

	key, _ := models.ResolveKey(externalID)
	record := models.NewUserRecord(externalID)
	record.Balance = 555
	require.NoError(t, cache.Put(&models.MirrorEntry{
		Key:        key,
		Record:     record,
		Source:     models.SourceCached,
		Version:    1,
		CapturedAt: time.Now().UTC(),
	}))
	fake.ReadErr = apperrors.NewUnavailableError("read", errors.New("connection refused"))

	// Устаревшее состояние лучше спиннера
	got, err := svc.GetUser(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, int64(555), got.Balance)
}

func TestGetUserPropagatesErrorWithoutMirror(t *testing.T) {
	svc, fake, _ := newStack(t)
	fake.ReadErr = apperrors.NewUnavailableError("read", errors.New("connection refused"))

	_, err := svc.GetUser(context.Background(), externalID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnavailable))
}

func TestConnectionStatus(t *testing.T) {
	svc, fake, _ := newStack(t)

	assert.True(t, svc.ConnectionStatus().Online)
	fake.SetOnline(false)
	assert.False(t, svc.ConnectionStatus().Online)
}

// Полный цикл согласования: кредит, повтор события, отклонённый и
// успешный дебет. Зеркало и хранилище сходятся после каждого шага.
func TestReconciliationSequence(t *testing.T) {
	svc, fake, cache := newStack(t)
	ctx := context.Background()
	key, _ := models.ResolveKey(externalID)

	_, err := svc.EnsureUser(ctx, externalID, Profile{Username: "alice"})
	require.NoError(t, err)

	_, err = svc.UpdateUser(ctx, externalID, func(r *models.UserRecord) (*models.UserRecord, error) {
		r.Balance = 1000
		return r, nil
	})
	require.NoError(t, err)

	// Кредит задания
	result, record, err := svc.ApplyReward(ctx, externalID, "task:join_channel", reward.TaskClaim(120))
	require.NoError(t, err)
	assert.Equal(t, reward.ResultApplied, result)
	assert.Equal(t, int64(1120), record.Balance)

	// Повтор того же события — no-op
	result, record, err = svc.ApplyReward(ctx, externalID, "task:join_channel", reward.TaskClaim(120))
	require.NoError(t, err)
	assert.Equal(t, reward.ResultAlreadyApplied, result)
	assert.Equal(t, int64(1120), record.Balance)

	// Дебет сверх баланса отклоняется до каких-либо записей
	_, err = svc.UpdateUser(ctx, externalID, func(r *models.UserRecord) (*models.UserRecord, error) {
		r.Balance -= 2000
		return r, nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvariantViolation))
	assert.Equal(t, int64(1120), fake.Record(key).Balance)

	// Допустимый дебет проходит
	record, err = svc.UpdateUser(ctx, externalID, func(r *models.UserRecord) (*models.UserRecord, error) {
		r.Balance -= 100
		return r, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1020), record.Balance)

	// Хранилище и зеркало сошлись
	assert.Equal(t, int64(1020), fake.Record(key).Balance)
	entry, err := cache.Get(key)
	require.NoError(t, err)
	assert.Equal(t, int64(1020), entry.Record.Balance)
	assert.Equal(t, models.SourceAuthoritative, entry.Source)
}

// Два инстанса одновременно видят «записи нет» при первом контакте.
// Проигравший создание не должен затереть кредит, зафиксированный между
// двумя попытками: создание строго create-only, проигравший дописывает
// только профиль.
func TestEnsureUserLosingCreateRaceKeepsCommittedCredit(t *testing.T) {
	svc, fake, _ := newStack(t)
	ctx := context.Background()
	key, _ := models.ResolveKey(externalID)

	_, err := svc.EnsureUser(ctx, externalID, Profile{Username: "alice"})
	require.NoError(t, err)

	result, record, err := svc.ApplyReward(ctx, externalID, "pay:inv-1", reward.PaymentCredit(500))
	require.NoError(t, err)
	require.Equal(t, reward.ResultApplied, result)
	require.Equal(t, int64(500), record.Balance)

	// Второй создатель всё ещё читает «записи нет» — его чтение отстало
	// от выигравшего создания и от кредита
	fake.ReadErr = apperrors.NewNotFoundError("record", string(key))
	record, err = svc.EnsureUser(ctx, externalID, Profile{Username: "alice", FirstName: "Alice"})
	require.NoError(t, err)
	fake.ReadErr = nil

	// Кредит и его след в леджере пережили проигранную гонку
	assert.Equal(t, int64(500), record.Balance)
	assert.Equal(t, "Alice", record.FirstName)
	stored := fake.Record(key)
	assert.Equal(t, int64(500), stored.Balance)
	assert.True(t, stored.HasAppliedEvent("pay:inv-1"))

	// Повтор того же инвойса — no-op, а не второй кредит
	result, record, err = svc.ApplyReward(ctx, externalID, "pay:inv-1", reward.PaymentCredit(500))
	require.NoError(t, err)
	assert.Equal(t, reward.ResultAlreadyApplied, result)
	assert.Equal(t, int64(500), record.Balance)
}

// Хранилище само отказывает в повторном создании, даже в обход сервиса
func TestWriteIsCreateOnly(t *testing.T) {
	_, fake, _ := newStack(t)
	ctx := context.Background()
	key, _ := models.ResolveKey(externalID)

	first := models.NewUserRecord(externalID)
	first.Balance = 700
	_, err := fake.Write(ctx, key, first)
	require.NoError(t, err)

	_, err = fake.Write(ctx, key, models.NewUserRecord(externalID))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyExists))
	assert.Equal(t, int64(700), fake.Record(key).Balance)
}

func TestWatchUserDeliversCoordinatorUpdates(t *testing.T) {
	svc, _, _ := newStack(t)
	ctx := context.Background()

	_, err := svc.EnsureUser(ctx, externalID, Profile{})
	require.NoError(t, err)

	listener := make(subscription.Listener, 16)
	unwatch, err := svc.WatchUser(externalID, listener)
	require.NoError(t, err)
	defer unwatch()

	_, err = svc.UpdateUser(ctx, externalID, func(r *models.UserRecord) (*models.UserRecord, error) {
		r.Balance = 4242
		return r, nil
	})
	require.NoError(t, err)

	// Слушатель видит и оптимистичное, и подтверждённое состояние
	require.Eventually(t, func() bool {
		select {
		case entry := <-listener:
			return entry.Record.Balance == 4242 && entry.Source == models.SourceAuthoritative
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMirrorEntryExposesRawState(t *testing.T) {
	svc, _, _ := newStack(t)
	ctx := context.Background()

	_, err := svc.MirrorEntry(externalID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	_, err = svc.EnsureUser(ctx, externalID, Profile{})
	require.NoError(t, err)

	entry, err := svc.MirrorEntry(externalID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceAuthoritative, entry.Source)
	assert.Equal(t, externalID, entry.Record.ExternalID)
	assert.Greater(t, entry.Version, int64(0))
}

func TestWatchUserRejectsInvalidID(t *testing.T) {
	svc, _, _ := newStack(t)
	_, err := svc.WatchUser("anon-1", make(subscription.Listener, 1))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidKey))
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/features/reward"
	"coinfarm-backend/internal/features/sync/coordinator"
	"coinfarm-backend/internal/features/sync/mirror"
	syncmodels "coinfarm-backend/internal/features/sync/models"
	syncservice "coinfarm-backend/internal/features/sync/service"
	"coinfarm-backend/internal/features/sync/store/storetest"
	"coinfarm-backend/internal/features/sync/subscription"
)

const externalID = "123456789"

// confirmSpy records ConfirmOnFirstClaim calls.
type confirmSpy struct {
	mu        sync.Mutex
	confirmed []string
}

func (s *confirmSpy) Track(_ context.Context, _, _ string) error { return nil }

func (s *confirmSpy) ConfirmOnFirstClaim(_ context.Context, referredID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = append(s.confirmed, referredID)
	return nil
}

func (s *confirmSpy) Referrals(_ context.Context, _ string) ([]string, error) { return nil, nil }

func (s *confirmSpy) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.confirmed...)
}

func newTestGame(t *testing.T) (GameService, syncservice.SyncService, *confirmSpy) {
	t.Helper()
	fake := storetest.New()
	cache, err := mirror.Open(":memory:", 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	subs := subscription.NewManager(fake, cache, subscription.Config{})
	coord := coordinator.New(fake, cache, subs, 0)
	applier := reward.NewApplier(coord)
	syncSvc := syncservice.New(fake, cache, coord, subs, applier)

	_, err = syncSvc.EnsureUser(context.Background(), externalID, syncservice.Profile{})
	require.NoError(t, err)

	spy := &confirmSpy{}
	return New(syncSvc, spy, 8*time.Hour, 480), syncSvc, spy
}

// backdateWindow rewrites the farming window so it is already over.
func backdateWindow(t *testing.T, syncSvc syncservice.SyncService) time.Time {
	t.Helper()
	start := time.Now().UTC().Add(-9 * time.Hour).Truncate(time.Second)
	end := start.Add(8 * time.Hour)
	_, err := syncSvc.UpdateUser(context.Background(), externalID, func(r *syncmodels.UserRecord) (*syncmodels.UserRecord, error) {
		r.FarmingWindowStart = &start
		r.FarmingWindowEnd = &end
		return r, nil
	})
	require.NoError(t, err)
	return start
}

func TestStartFarmingOpensPairedWindow(t *testing.T) {
	game, _, _ := newTestGame(t)

	record, err := game.StartFarming(context.Background(), externalID)
	require.NoError(t, err)
	require.NotNil(t, record.FarmingWindowStart)
	require.NotNil(t, record.FarmingWindowEnd)
	assert.Equal(t, 8*time.Hour, record.FarmingWindowEnd.Sub(*record.FarmingWindowStart))
}

func TestStartFarmingRejectsActiveWindow(t *testing.T) {
	game, _, _ := newTestGame(t)
	ctx := context.Background()

	_, err := game.StartFarming(ctx, externalID)
	require.NoError(t, err)

	_, err = game.StartFarming(ctx, externalID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestClaimFarmingWithoutWindow(t *testing.T) {
	game, _, _ := newTestGame(t)

	_, _, err := game.ClaimFarming(context.Background(), externalID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestClaimFarmingBeforeWindowEnds(t *testing.T) {
	game, _, _ := newTestGame(t)
	ctx := context.Background()

	_, err := game.StartFarming(ctx, externalID)
	require.NoError(t, err)

	_, _, err = game.ClaimFarming(ctx, externalID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestClaimFarmingPaysOutElapsedWindow(t *testing.T) {
	game, syncSvc, spy := newTestGame(t)
	ctx := context.Background()
	backdateWindow(t, syncSvc)

	record, result, err := game.ClaimFarming(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, reward.ResultApplied, result)
	assert.Equal(t, int64(480), record.Balance)
	assert.Nil(t, record.FarmingWindowStart)
	assert.Nil(t, record.FarmingWindowEnd)
	assert.Equal(t, 1, record.DailyStreak)

	// Первый клейм подтверждает реферальную связь
	assert.Equal(t, []string{externalID}, spy.calls())
}

func TestClaimFarmingRetrySameWindow(t *testing.T) {
	game, syncSvc, spy := newTestGame(t)
	ctx := context.Background()
	start := backdateWindow(t, syncSvc)

	_, result, err := game.ClaimFarming(ctx, externalID)
	require.NoError(t, err)
	require.Equal(t, reward.ResultApplied, result)

	// Возвращаем то же окно: событие farm:<start> уже в леджере
	_, err = syncSvc.UpdateUser(ctx, externalID, func(r *syncmodels.UserRecord) (*syncmodels.UserRecord, error) {
		end := start.Add(8 * time.Hour)
		r.FarmingWindowStart = &start
		r.FarmingWindowEnd = &end
		return r, nil
	})
	require.NoError(t, err)

	record, result, err := game.ClaimFarming(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, reward.ResultAlreadyApplied, result)
	assert.Equal(t, int64(480), record.Balance)

	// Подтверждение не дёргается на no-op
	assert.Equal(t, []string{externalID}, spy.calls())
}

// staleSnapshotSync serves a fixed snapshot from GetUser while the wrapped
// service keeps mutating the real state underneath.
type staleSnapshotSync struct {
	syncservice.SyncService
	snapshot *syncmodels.UserRecord
}

func (s *staleSnapshotSync) GetUser(_ context.Context, _ string) (*syncmodels.UserRecord, error) {
	return s.snapshot.Clone(), nil
}

// Клейм гейтится на снимке, прочитанном вне блокировки координатора.
// Если между снимком и мутацией параллельный StartFarming открыл новое
// окно, выплата обязана отклониться, а свежее окно — уцелеть.
func TestClaimFarmingRejectsWhenWindowReplacedMidFlight(t *testing.T) {
	game, syncSvc, spy := newTestGame(t)
	ctx := context.Background()
	backdateWindow(t, syncSvc)

	snapshot, err := syncSvc.GetUser(ctx, externalID)
	require.NoError(t, err)

	// Гонящийся StartFarming успевает открыть новое окно до мутации клейма
	current, err := game.StartFarming(ctx, externalID)
	require.NoError(t, err)

	stale := &staleSnapshotSync{SyncService: syncSvc, snapshot: snapshot}
	_, _, err = New(stale, spy, 8*time.Hour, 480).ClaimFarming(ctx, externalID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvariantViolation))

	// Ни кредита, ни закрытого окна: свежее окно нетронуто
	record, err := syncSvc.GetUser(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Balance)
	require.NotNil(t, record.FarmingWindowStart)
	assert.True(t, record.FarmingWindowStart.Equal(*current.FarmingWindowStart))
	assert.Empty(t, spy.calls())
}

func TestClaimTask(t *testing.T) {
	game, _, _ := newTestGame(t)
	ctx := context.Background()

	record, result, err := game.ClaimTask(ctx, externalID, "join_channel")
	require.NoError(t, err)
	assert.Equal(t, reward.ResultApplied, result)
	assert.Equal(t, int64(200), record.Balance)

	record, result, err = game.ClaimTask(ctx, externalID, "join_channel")
	require.NoError(t, err)
	assert.Equal(t, reward.ResultAlreadyApplied, result)
	assert.Equal(t, int64(200), record.Balance)
}

func TestClaimTaskUnknownTask(t *testing.T) {
	game, _, _ := newTestGame(t)

	_, _, err := game.ClaimTask(context.Background(), externalID, "no_such_task")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

package service

import (
	"context"
	"fmt"
	"time"

	apperrors "coinfarm-backend/internal/common/errors"
	refservice "coinfarm-backend/internal/features/referral/service"
	"coinfarm-backend/internal/features/reward"
	syncmodels "coinfarm-backend/internal/features/sync/models"
	syncservice "coinfarm-backend/internal/features/sync/service"
)

// Награды заданий. Каталог статический: задания объявляются деплоем,
// а не пользователями.
var taskRewards = map[string]int64{
	"daily_checkin":    50,
	"join_channel":     200,
	"invite_friend":    300,
	"connect_wallet":   500,
	"first_withdrawal": 250,
}

// GameService exposes the gameplay operations route handlers call. All
// monetary effects go through the sync façade; this layer only decides what
// a given action is worth and which event id makes it idempotent.
type GameService interface {
	StartFarming(ctx context.Context, externalID string) (*syncmodels.UserRecord, error)
	ClaimFarming(ctx context.Context, externalID string) (*syncmodels.UserRecord, reward.Result, error)
	ClaimTask(ctx context.Context, externalID, taskID string) (*syncmodels.UserRecord, reward.Result, error)
}

type gameService struct {
	sync      syncservice.SyncService
	referrals refservice.ReferralService

	farmingWindow time.Duration
	farmingCoins  int64
}

func New(sync syncservice.SyncService, referrals refservice.ReferralService, farmingWindow time.Duration, farmingCoins int64) GameService {
	return &gameService{
		sync:          sync,
		referrals:     referrals,
		farmingWindow: farmingWindow,
		farmingCoins:  farmingCoins,
	}
}

// StartFarming opens a farming window. Both timestamps are written in the
// same mutation: the window is never observable half-open.
func (s *gameService) StartFarming(ctx context.Context, externalID string) (*syncmodels.UserRecord, error) {
	return s.sync.UpdateUser(ctx, externalID, func(r *syncmodels.UserRecord) (*syncmodels.UserRecord, error) {
		now := time.Now().UTC()
		if r.FarmingWindowStart != nil && r.FarmingWindowEnd.After(now) {
			return nil, apperrors.New(apperrors.ErrCodeValidation, "Farming already in progress").
				WithDetail("ends_at", r.FarmingWindowEnd)
		}
		start := now
		end := now.Add(s.farmingWindow)
		r.FarmingWindowStart = &start
		r.FarmingWindowEnd = &end
		return r, nil
	})
}

// ClaimFarming pays out a finished window. The event id derives from the
// window start, so double clicks and webhook-style retries of the same
// window collapse into one credit.
func (s *gameService) ClaimFarming(ctx context.Context, externalID string) (*syncmodels.UserRecord, reward.Result, error) {
	current, err := s.sync.GetUser(ctx, externalID)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	if current.FarmingWindowStart == nil {
		return nil, "", apperrors.New(apperrors.ErrCodeValidation, "No farming window to claim")
	}
	if current.FarmingWindowEnd.After(now) {
		return nil, "", apperrors.New(apperrors.ErrCodeValidation, "Farming window is not over yet").
			WithDetail("ends_at", current.FarmingWindowEnd)
	}

	// Снимок прочитан вне блокировки координатора: параллельный StartFarming
	// мог уже открыть новое окно. Перепроверяем внутри сериализованной
	// мутации, что выплачивается ровно то окно, которое видел снимок.
	windowStart := *current.FarmingWindowStart
	guard := func(r *syncmodels.UserRecord, now time.Time) error {
		if r.FarmingWindowStart == nil || !r.FarmingWindowStart.Equal(windowStart) {
			return apperrors.NewInvariantViolationError("farming_window",
				"farming window changed while the claim was in flight")
		}
		if r.FarmingWindowEnd.After(now) {
			return apperrors.New(apperrors.ErrCodeValidation, "Farming window is not over yet").
				WithDetail("ends_at", r.FarmingWindowEnd)
		}
		return nil
	}

	eventID := fmt.Sprintf("farm:%d", windowStart.Unix())
	result, record, err := s.sync.ApplyRewardGuarded(ctx, externalID, eventID, guard, reward.FarmingClaim(s.farmingCoins))
	if err != nil {
		return nil, "", err
	}

	if result == reward.ResultApplied {
		// Первый клейм приглашённого подтверждает его реферальную связь
		if err := s.referrals.ConfirmOnFirstClaim(ctx, externalID); err != nil {
			// Кредит уже зафиксирован; подтверждение догонится на следующем
			// клейме благодаря идемпотентности бонуса
			return record, result, nil
		}
	}
	return record, result, nil
}

// ClaimTask credits a catalog task at most once per task per user.
func (s *gameService) ClaimTask(ctx context.Context, externalID, taskID string) (*syncmodels.UserRecord, reward.Result, error) {
	baseCoins, ok := taskRewards[taskID]
	if !ok {
		return nil, "", apperrors.NewNotFoundError("task", taskID)
	}
	eventID := "task:" + taskID
	result, record, err := s.sync.ApplyReward(ctx, externalID, eventID, reward.TaskClaim(baseCoins))
	if err != nil {
		return nil, "", err
	}
	return record, result, nil
}

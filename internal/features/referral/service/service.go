package service

import (
	"context"
	"time"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/common/logger"
	"coinfarm-backend/internal/features/referral/models"
	"coinfarm-backend/internal/features/reward"
	syncmodels "coinfarm-backend/internal/features/sync/models"
	syncservice "coinfarm-backend/internal/features/sync/service"
)

// EdgeRepository is the persistence port for referral edges.
type EdgeRepository interface {
	Create(ctx context.Context, edge *models.Edge) (bool, error)
	Get(ctx context.Context, referredID string) (*models.Edge, error)
	Update(ctx context.Context, edge *models.Edge) error
	ListByReferrer(ctx context.Context, referrerID string) ([]string, error)
}

type ReferralService interface {
	Track(ctx context.Context, referredID, referrerID string) error
	ConfirmOnFirstClaim(ctx context.Context, referredID string) error
	Referrals(ctx context.Context, referrerID string) ([]string, error)
}

type referralService struct {
	repo       EdgeRepository
	sync       syncservice.SyncService
	bonusCoins int64
}

func New(repo EdgeRepository, sync syncservice.SyncService, bonusCoins int64) ReferralService {
	return &referralService{repo: repo, sync: sync, bonusCoins: bonusCoins}
}

// Track records "referrer brought referred" on the referred user's first
// contact. Self-referrals and synthetic ids are rejected; an existing edge
// is never replaced.
func (s *referralService) Track(ctx context.Context, referredID, referrerID string) error {
	if referredID == referrerID {
		return apperrors.New(apperrors.ErrCodeValidation, "Self-referral is not allowed")
	}
	if _, err := syncmodels.ResolveKey(referredID); err != nil {
		return err
	}
	if _, err := syncmodels.ResolveKey(referrerID); err != nil {
		return err
	}

	created, err := s.repo.Create(ctx, &models.Edge{
		ReferredID: referredID,
		ReferrerID: referrerID,
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if created {
		logger.Info().Str("referred", referredID).Str("referrer", referrerID).Msg("Referral edge created")
	}
	return nil
}

// ConfirmOnFirstClaim promotes a pending edge to confirmed and credits the
// referrer exactly once. The bonus goes through the idempotent applier keyed
// by the referred user's id, so a crash between the credit and the status
// write leaves a retry that lands on AlreadyApplied instead of paying twice.
func (s *referralService) ConfirmOnFirstClaim(ctx context.Context, referredID string) error {
	edge, err := s.repo.Get(ctx, referredID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			// Пользователь пришёл без реферера
			return nil
		}
		return err
	}
	if edge.Status == models.StatusConfirmed {
		return nil
	}

	eventID := "ref:" + referredID
	result, _, err := s.sync.ApplyReward(ctx, edge.ReferrerID, eventID, reward.ReferralBonus(s.bonusCoins))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	edge.Status = models.StatusConfirmed
	edge.ConfirmedAt = &now
	if err := s.repo.Update(ctx, edge); err != nil {
		return err
	}

	logger.Info().
		Str("referred", referredID).
		Str("referrer", edge.ReferrerID).
		Str("result", string(result)).
		Msg("Referral confirmed")
	return nil
}

func (s *referralService) Referrals(ctx context.Context, referrerID string) ([]string, error) {
	return s.repo.ListByReferrer(ctx, referrerID)
}

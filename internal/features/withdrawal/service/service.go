package service

import (
	"context"
	"time"

	"github.com/xssnick/tonutils-go/address"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/common/logger"
	syncmodels "coinfarm-backend/internal/features/sync/models"
	syncservice "coinfarm-backend/internal/features/sync/service"
	"coinfarm-backend/internal/features/withdrawal/models"
)

const minWithdrawCoins = 100

// WithdrawalRepository is the persistence port for withdrawal requests.
type WithdrawalRepository interface {
	Create(ctx context.Context, w *models.Withdrawal) error
	Get(ctx context.Context, id string) (*models.Withdrawal, error)
}

type WithdrawalService interface {
	Request(ctx context.Context, externalID, requestID, tonAddress string, coins int64) (*models.Withdrawal, error)
}

type withdrawalService struct {
	repo WithdrawalRepository
	sync syncservice.SyncService
}

func New(repo WithdrawalRepository, sync syncservice.SyncService) WithdrawalService {
	return &withdrawalService{repo: repo, sync: sync}
}

// Request debits the balance and queues a withdrawal for operator
// processing. The debit is idempotent by the client-supplied requestID:
// a retried request that already debited is acknowledged without debiting
// again. A debit that would drive the balance negative is rejected before
// any write.
func (s *withdrawalService) Request(ctx context.Context, externalID, requestID, tonAddress string, coins int64) (*models.Withdrawal, error) {
	if requestID == "" {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "Withdrawal request id is required")
	}
	if coins < minWithdrawCoins {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "Withdrawal amount is below the minimum").
			WithDetail("minimum", minWithdrawCoins)
	}
	if _, err := address.ParseAddr(tonAddress); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "Invalid TON address")
	}

	eventID := "wd:" + requestID
	debited := false
	_, err := s.sync.UpdateUser(ctx, externalID, func(r *syncmodels.UserRecord) (*syncmodels.UserRecord, error) {
		if r.HasAppliedEvent(eventID) {
			return r, nil
		}
		if r.Balance < coins {
			return nil, apperrors.NewInvariantViolationError("balance",
				"insufficient balance for withdrawal")
		}
		r.Balance -= coins
		r.MarkEventApplied(eventID)
		debited = true
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	w := &models.Withdrawal{
		ID:         requestID,
		ExternalID: externalID,
		Address:    tonAddress,
		Coins:      coins,
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if !debited {
		// Повторная доставка: заявка уже существует
		if existing, err := s.repo.Get(ctx, requestID); err == nil {
			return existing, nil
		}
	}
	if err := s.repo.Create(ctx, w); err != nil {
		return nil, err
	}

	logger.Info().
		Str("external_id", externalID).
		Str("request_id", requestID).
		Int64("coins", coins).
		Msg("Withdrawal queued")
	return w, nil
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/features/withdrawal/models"
	platform "coinfarm-backend/internal/platform/redis"
)

const pendingQueueKey = "withdrawals:pending"

// Repository хранит заявки на вывод: JSON-блоб на заявку плюс очередь
// для операторской обработки.
type Repository struct {
	client *platform.Client
}

func NewRepository(client *platform.Client) *Repository {
	return &Repository{client: client}
}

func withdrawalKey(id string) string {
	return fmt.Sprintf("withdrawal:%s", id)
}

func (r *Repository) Create(ctx context.Context, w *models.Withdrawal) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, withdrawalKey(w.ID), raw, 0)
	pipe.LPush(ctx, pendingQueueKey, w.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewUnavailableError("withdrawal_create", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Withdrawal, error) {
	raw, err := r.client.Get(ctx, withdrawalKey(id)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, apperrors.NewNotFoundError("withdrawal", id)
		}
		return nil, apperrors.NewUnavailableError("withdrawal_get", err)
	}
	var w models.Withdrawal
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "withdrawal is not decodable")
	}
	return &w, nil
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/features/referral/models"
	platform "coinfarm-backend/internal/platform/redis"
)

// Repository хранит реферальные связи в Redis: JSON-блоб на связь плюс
// множество приглашённых на каждого реферера.
type Repository struct {
	client *platform.Client
}

func NewRepository(client *platform.Client) *Repository {
	return &Repository{client: client}
}

func edgeKey(referredID string) string {
	return fmt.Sprintf("referral:edge:%s", referredID)
}

func childrenKey(referrerID string) string {
	return fmt.Sprintf("referral:children:%s", referrerID)
}

// Create записывает связь, если её ещё нет. Существующая связь не
// перезаписывается: у пользователя может быть только один реферер.
func (r *Repository) Create(ctx context.Context, edge *models.Edge) (bool, error) {
	raw, err := json.Marshal(edge)
	if err != nil {
		return false, err
	}
	created, err := r.client.SetNX(ctx, edgeKey(edge.ReferredID), raw, 0).Result()
	if err != nil {
		return false, apperrors.NewUnavailableError("referral_create", err)
	}
	if !created {
		return false, nil
	}
	if err := r.client.SAdd(ctx, childrenKey(edge.ReferrerID), edge.ReferredID).Err(); err != nil {
		return true, apperrors.NewUnavailableError("referral_index", err)
	}
	return true, nil
}

func (r *Repository) Get(ctx context.Context, referredID string) (*models.Edge, error) {
	raw, err := r.client.Get(ctx, edgeKey(referredID)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, apperrors.NewNotFoundError("referral edge", referredID)
		}
		return nil, apperrors.NewUnavailableError("referral_get", err)
	}
	var edge models.Edge
	if err := json.Unmarshal(raw, &edge); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "referral edge is not decodable")
	}
	return &edge, nil
}

// Update перезаписывает связь. Вызывающий отвечает за одноразовость
// перехода pending → confirmed.
func (r *Repository) Update(ctx context.Context, edge *models.Edge) error {
	raw, err := json.Marshal(edge)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, edgeKey(edge.ReferredID), raw, 0).Err(); err != nil {
		return apperrors.NewUnavailableError("referral_update", err)
	}
	return nil
}

// ListByReferrer возвращает id приглашённых пользователей
func (r *Repository) ListByReferrer(ctx context.Context, referrerID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, childrenKey(referrerID)).Result()
	if err != nil {
		return nil, apperrors.NewUnavailableError("referral_list", err)
	}
	return ids, nil
}

package models

import (
	"fmt"
	"strings"

	apperrors "coinfarm-backend/internal/common/errors"
)

// Key канонический ключ записи в хранилище
type Key string

// Минимальная длина настоящего Telegram id. Короткие и синтетические id
// не должны иметь шанса совпасть с ключом реального пользователя.
const minExternalIDLength = 5

// Префиксы локально сгенерированных fallback-идентификаторов
var syntheticPrefixes = []string{"guest-", "anon-", "local-", "fallback-"}

// ResolveKey выводит ключ хранилища из внешнего идентификатора чат-платформы.
// Отклоняет пустые, короткие, нечисловые и синтетические id.
func ResolveKey(externalID string) (Key, error) {
	id := strings.TrimSpace(externalID)
	if id == "" {
		return "", apperrors.NewInvalidKeyError(externalID, "empty external id")
	}
	for _, prefix := range syntheticPrefixes {
		if strings.HasPrefix(id, prefix) {
			return "", apperrors.NewInvalidKeyError(id, "synthetic fallback id")
		}
	}
	if len(id) < minExternalIDLength {
		return "", apperrors.NewInvalidKeyError(id, "shorter than minimum real id length")
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return "", apperrors.NewInvalidKeyError(id, "external id must be numeric")
		}
	}
	if strings.TrimLeft(id, "0") == "" {
		return "", apperrors.NewInvalidKeyError(id, "zero id")
	}
	return Key(fmt.Sprintf("record:%s", id)), nil
}

// ExternalID возвращает внешний идентификатор, из которого выведен ключ
func (k Key) ExternalID() string {
	return strings.TrimPrefix(string(k), "record:")
}

// ChangeChannel возвращает имя pub/sub канала уведомлений об изменениях
func (k Key) ChangeChannel() string {
	return fmt.Sprintf("record:changed:%s", k.ExternalID())
}

// VersionKey возвращает ключ счётчика версий записи
func (k Key) VersionKey() string {
	return fmt.Sprintf("record:version:%s", k.ExternalID())
}

func errInvariant(invariant, reason string) error {
	return apperrors.NewInvariantViolationError(invariant, reason)
}

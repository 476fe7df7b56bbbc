package reward

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"coinfarm-backend/internal/features/sync/models"
)

func TestTaskClaimScalesByTier(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(time.Hour)

	r := models.NewUserRecord("123456789")
	TaskClaim(100)(r, now)
	assert.Equal(t, int64(100), r.Balance)

	r.Tier = models.TierTwo
	r.TierExpiry = &expiry
	TaskClaim(100)(r, now)
	assert.Equal(t, int64(300), r.Balance)
}

func TestPaymentCreditIgnoresTier(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(time.Hour)

	r := models.NewUserRecord("123456789")
	r.Tier = models.TierTwo
	r.TierExpiry = &expiry

	// Купленные монеты не умножаются тарифом
	PaymentCredit(500)(r, now)
	assert.Equal(t, int64(500), r.Balance)
	assert.Equal(t, int64(50), r.Experience)
}

func TestVIPActivationExtendsFromCurrentExpiry(t *testing.T) {
	now := time.Now().UTC()

	r := models.NewUserRecord("123456789")
	VIPActivation(models.TierOne, 30*24*time.Hour)(r, now)
	assert.Equal(t, models.TierOne, r.Tier)
	assert.Equal(t, now.Add(30*24*time.Hour), *r.TierExpiry)

	// Повторная покупка продлевает от текущего истечения, а не от now
	VIPActivation(models.TierOne, 30*24*time.Hour)(r, now)
	assert.Equal(t, now.Add(60*24*time.Hour), *r.TierExpiry)

	// Смена тарифа считает срок от now
	VIPActivation(models.TierTwo, 30*24*time.Hour)(r, now)
	assert.Equal(t, models.TierTwo, r.Tier)
	assert.Equal(t, now.Add(30*24*time.Hour), *r.TierExpiry)
}

func TestFarmingClaimStreak(t *testing.T) {
	day1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	day5 := day1.AddDate(0, 0, 4)

	r := models.NewUserRecord("123456789")

	FarmingClaim(480)(r, day1)
	assert.Equal(t, 1, r.DailyStreak)
	assert.Equal(t, "2026-08-01", r.LastClaimDate)
	assert.Equal(t, int64(480), r.Balance)

	// Клейм на следующий день наращивает серию
	FarmingClaim(480)(r, day2)
	assert.Equal(t, 2, r.DailyStreak)

	// Второй клейм в тот же день серию не трогает
	FarmingClaim(480)(r, day2)
	assert.Equal(t, 2, r.DailyStreak)

	// Пропуск дней сбрасывает серию
	FarmingClaim(480)(r, day5)
	assert.Equal(t, 1, r.DailyStreak)
}

func TestFarmingClaimClosesWindow(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(-9 * time.Hour)
	end := now.Add(-time.Hour)

	r := models.NewUserRecord("123456789")
	r.FarmingWindowStart = &start
	r.FarmingWindowEnd = &end

	FarmingClaim(480)(r, now)
	assert.Nil(t, r.FarmingWindowStart)
	assert.Nil(t, r.FarmingWindowEnd)
}

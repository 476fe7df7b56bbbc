package reward

import (
	"time"

	"coinfarm-backend/internal/features/sync/models"
)

// Experience granted per 10 coins credited.
const xpPerTenCoins = 1

// TaskClaim credits a fixed task reward scaled by the user's effective
// reward multiplier.
func TaskClaim(baseCoins int64) Fn {
	return func(r *models.UserRecord, now time.Time) {
		credit(r, scale(baseCoins, r.RewardMultiplier(now)))
	}
}

// PaymentCredit credits purchased coins. Paid coins are not scaled by tier
// multipliers.
func PaymentCredit(coins int64) Fn {
	return func(r *models.UserRecord, _ time.Time) {
		credit(r, coins)
	}
}

// VIPActivation switches the account to a paid tier until the given expiry.
// Re-activations extend from the later of now and the current expiry.
func VIPActivation(tier models.Tier, duration time.Duration) Fn {
	return func(r *models.UserRecord, now time.Time) {
		from := now
		if r.TierExpiry != nil && r.TierExpiry.After(now) && r.Tier == tier {
			from = *r.TierExpiry
		}
		expiry := from.Add(duration)
		r.Tier = tier
		r.TierExpiry = &expiry
	}
}

// ReferralBonus credits the referrer for one confirmed referral, scaled by
// the referrer's effective referral multiplier.
func ReferralBonus(baseCoins int64) Fn {
	return func(r *models.UserRecord, now time.Time) {
		credited := scale(baseCoins, r.ReferralMultiplier(now))
		credit(r, credited)
		r.ReferralCount++
		r.ReferralEarnings += credited
	}
}

// FarmingClaim pays out a completed farming window, closes the window and
// advances the daily streak. The window must already be over; callers gate
// on that before building the event.
func FarmingClaim(baseCoins int64) Fn {
	return func(r *models.UserRecord, now time.Time) {
		credit(r, scale(baseCoins, r.RewardMultiplier(now)))

		// Окно закрывается только парой
		r.FarmingWindowStart = nil
		r.FarmingWindowEnd = nil

		today := now.UTC().Format("2006-01-02")
		yesterday := now.UTC().AddDate(0, 0, -1).Format("2006-01-02")
		switch r.LastClaimDate {
		case today:
			// второй клейм за день не трогает серию
		case yesterday:
			r.DailyStreak++
		default:
			r.DailyStreak = 1
		}
		r.LastClaimDate = today
	}
}

func credit(r *models.UserRecord, coins int64) {
	if coins <= 0 {
		return
	}
	r.Balance += coins
	r.GrantExperience(coins / 10 * xpPerTenCoins)
}

func scale(base int64, multiplier float64) int64 {
	return int64(float64(base) * multiplier)
}

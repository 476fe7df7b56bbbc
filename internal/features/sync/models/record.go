package models

import (
	"time"
)

// Tier уровень подписки пользователя
type Tier string

const (
	TierFree Tier = "free"
	TierOne  Tier = "tier1"
	TierTwo  Tier = "tier2"
)

// UserRecord представляет единственную изменяемую запись пользователя.
// Все денежные поля мутируются только через координатор оптимистичных
// обновлений; прямых записей в хранилище быть не должно.
type UserRecord struct {
	ExternalID string `json:"external_id"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`

	Balance          int64 `json:"balance"`
	Experience       int64 `json:"experience"`
	Level            int   `json:"level"`
	DailyStreak      int   `json:"daily_streak"`
	ReferralCount    int   `json:"referral_count"`
	ReferralEarnings int64 `json:"referral_earnings"`

	Tier       Tier       `json:"tier"`
	TierExpiry *time.Time `json:"tier_expiry,omitempty"`

	FarmingWindowStart *time.Time `json:"farming_window_start,omitempty"`
	FarmingWindowEnd   *time.Time `json:"farming_window_end,omitempty"`
	LastClaimDate      string     `json:"last_claim_date,omitempty"` // YYYY-MM-DD

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Леджер идемпотентности: id уже применённых наградных событий
	AppliedEventIDs []string `json:"applied_event_ids,omitempty"`
}

// NewUserRecord возвращает запись с дефолтами первого контакта
func NewUserRecord(externalID string) *UserRecord {
	now := time.Now().UTC()
	return &UserRecord{
		ExternalID: externalID,
		Tier:       TierFree,
		Level:      1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// EffectiveTier вычисляет действующий тариф лениво: просроченный tierExpiry
// означает free, даже если сохранённое поле ещё не понижено.
func (r *UserRecord) EffectiveTier(now time.Time) Tier {
	if r.Tier == TierFree || r.Tier == "" {
		return TierFree
	}
	if r.TierExpiry == nil || !r.TierExpiry.After(now) {
		return TierFree
	}
	return r.Tier
}

// RewardMultiplier возвращает множитель наград действующего тарифа
func (r *UserRecord) RewardMultiplier(now time.Time) float64 {
	switch r.EffectiveTier(now) {
	case TierOne:
		return 1.5
	case TierTwo:
		return 2.0
	default:
		return 1.0
	}
}

// ReferralMultiplier возвращает множитель реферальных наград действующего тарифа
func (r *UserRecord) ReferralMultiplier(now time.Time) float64 {
	switch r.EffectiveTier(now) {
	case TierOne:
		return 1.25
	case TierTwo:
		return 1.5
	default:
		return 1.0
	}
}

// HasAppliedEvent проверяет наличие события в леджере идемпотентности
func (r *UserRecord) HasAppliedEvent(eventID string) bool {
	for _, id := range r.AppliedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// MarkEventApplied добавляет событие в леджер, не допуская дублей
func (r *UserRecord) MarkEventApplied(eventID string) {
	if r.HasAppliedEvent(eventID) {
		return
	}
	r.AppliedEventIDs = append(r.AppliedEventIDs, eventID)
}

// GrantExperience добавляет опыт и пересчитывает уровень.
// Уровень монотонно не убывает: кривая level n требует n*n*100 опыта.
func (r *UserRecord) GrantExperience(xp int64) {
	if xp <= 0 {
		return
	}
	r.Experience += xp
	for LevelThreshold(r.Level+1) <= r.Experience {
		r.Level++
	}
}

// LevelThreshold возвращает суммарный опыт, необходимый для уровня
func LevelThreshold(level int) int64 {
	if level <= 1 {
		return 0
	}
	return int64(level) * int64(level) * 100
}

// Clone возвращает глубокую копию записи. Координатор мутирует только копии,
// чтобы откат мог восстановить ровно прежний снимок.
func (r *UserRecord) Clone() *UserRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.TierExpiry != nil {
		t := *r.TierExpiry
		out.TierExpiry = &t
	}
	if r.FarmingWindowStart != nil {
		t := *r.FarmingWindowStart
		out.FarmingWindowStart = &t
	}
	if r.FarmingWindowEnd != nil {
		t := *r.FarmingWindowEnd
		out.FarmingWindowEnd = &t
	}
	if r.AppliedEventIDs != nil {
		out.AppliedEventIDs = append([]string(nil), r.AppliedEventIDs...)
	}
	return &out
}

// Validate проверяет инварианты записи перед любой мутацией
func (r *UserRecord) Validate() error {
	if r.ExternalID == "" {
		return errInvariant("external_id", "external id must be set")
	}
	if r.Balance < 0 {
		return errInvariant("balance", "balance cannot go negative")
	}
	if r.Experience < 0 {
		return errInvariant("experience", "experience cannot go negative")
	}
	if r.ReferralCount < 0 || r.ReferralEarnings < 0 {
		return errInvariant("referrals", "referral counters cannot go negative")
	}
	if r.DailyStreak < 0 {
		return errInvariant("daily_streak", "daily streak cannot go negative")
	}
	if (r.FarmingWindowStart == nil) != (r.FarmingWindowEnd == nil) {
		return errInvariant("farming_window", "farming window start and end must be set together")
	}
	if r.FarmingWindowStart != nil && r.FarmingWindowEnd.Before(*r.FarmingWindowStart) {
		return errInvariant("farming_window", "farming window end precedes start")
	}
	if r.Tier != TierFree && r.Tier != "" && r.TierExpiry == nil {
		return errInvariant("tier_expiry", "paid tier requires an expiry")
	}
	return nil
}

package models

import "time"

// Status статус реферальной связи. Переход pending → confirmed одноразовый
// и терминальный.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// Edge реферальная связь: кто кого привёл
type Edge struct {
	ReferredID  string     `json:"referred_id"`
	ReferrerID  string     `json:"referrer_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

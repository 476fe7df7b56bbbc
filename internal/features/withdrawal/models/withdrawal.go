package models

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusRejected Status = "rejected"
)

// Withdrawal заявка на вывод монет на TON-кошелёк. Дебет баланса проходит
// через координатор, сама заявка ждёт обработки оператором.
type Withdrawal struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Address    string    `json:"address"`
	Coins      int64     `json:"coins"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

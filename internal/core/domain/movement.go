package domain

import "time"

type MovementType string

const (
	MovementIn  MovementType = "IN"
	MovementOut MovementType = "OUT"
)

// Movement is an immutable record of one quantity change against one lot.
type Movement struct {
	ID        string       `json:"id"`
	LotID     string       `json:"lotId"`
	Type      MovementType `json:"type"`
	Quantity  int          `json:"quantity"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Signed returns the movement quantity as a delta on the lot balance.
func (m Movement) Signed() int {
	if m.Type == MovementOut {
		return -m.Quantity
	}
	return m.Quantity
}

type MovementView struct {
	Movement
	Lot     Lot        `json:"lot"`
	Product ProductRef `json:"product"`
}

// LotBalance is the ledger side of a lot: the sum of its movements.
type LotBalance struct {
	LotID string
	In    int
	Out   int
}

func (b LotBalance) Net() int {
	return b.In - b.Out
}

package domain

import (
	"math"
	"sort"
	"time"
)

// MaxQuantity bounds both a single movement and a lot's running total. It
// matches the narrowest quantity column across the storage drivers.
const MaxQuantity = math.MaxInt32

type Lot struct {
	ID             string    `json:"id"`
	ProductID      int64     `json:"productId"`
	ExpirationDate *Date     `json:"expirationDate"` // nil: does not expire
	Quantity       int       `json:"quantity"`
	Version        int       `json:"version"` // optimistic locking
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Key returns the (product, expiration) pair the lot is unique on.
func (l Lot) Key() LotKey {
	return LotKey{ProductID: l.ProductID, Expiration: ExpirationKey(l.ExpirationDate)}
}

// Eligible reports whether the lot can serve outbound demand on the given day.
func (l Lot) Eligible(today Date) bool {
	if l.Quantity <= 0 {
		return false
	}
	return l.ExpirationDate == nil || !l.ExpirationDate.Before(today)
}

type LotKey struct {
	ProductID  int64
	Expiration string
}

// SortFEFO orders lots first-expire-first-out: ascending expiration date,
// non-expiring lots after every dated lot, lot id breaking ties.
func SortFEFO(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		return fefoLess(lots[i], lots[j])
	})
}

func fefoLess(a, b Lot) bool {
	switch {
	case a.ExpirationDate == nil && b.ExpirationDate == nil:
		return a.ID < b.ID
	case a.ExpirationDate == nil:
		return false
	case b.ExpirationDate == nil:
		return true
	}
	if c := a.ExpirationDate.Compare(*b.ExpirationDate); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

type ProductRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Page[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

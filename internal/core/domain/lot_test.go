package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) *Date {
	return &Date{Year: y, Month: m, Day: d}
}

func TestSortFEFO(t *testing.T) {
	want := []Lot{
		{ID: "a", ExpirationDate: day(2025, time.January, 1)},
		{ID: "b", ExpirationDate: day(2025, time.January, 1)},
		{ID: "c", ExpirationDate: day(2025, time.February, 1)},
		{ID: "d", ExpirationDate: day(2026, time.January, 1)},
		{ID: "e"},
		{ID: "f"},
	}

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		lots := append([]Lot(nil), want...)
		r.Shuffle(len(lots), func(i, j int) { lots[i], lots[j] = lots[j], lots[i] })

		SortFEFO(lots)
		assert.Equal(t, want, lots)
	}
}

func TestLot_Eligible(t *testing.T) {
	today := Date{Year: 2025, Month: time.June, Day: 15}

	tests := []struct {
		name string
		lot  Lot
		want bool
	}{
		{"no expiration", Lot{Quantity: 1}, true},
		{"expires today", Lot{Quantity: 1, ExpirationDate: day(2025, time.June, 15)}, true},
		{"expires later", Lot{Quantity: 1, ExpirationDate: day(2025, time.June, 16)}, true},
		{"expired yesterday", Lot{Quantity: 1, ExpirationDate: day(2025, time.June, 14)}, false},
		{"empty", Lot{Quantity: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.lot.Eligible(today))
		})
	}
}

func TestLot_Key(t *testing.T) {
	assert.Equal(t, LotKey{ProductID: 7, Expiration: NoExpirationKey}, Lot{ProductID: 7}.Key())
	assert.Equal(t, LotKey{ProductID: 7, Expiration: "2025-06-15"},
		Lot{ProductID: 7, ExpirationDate: day(2025, time.June, 15)}.Key())
}

func TestLotBalance_Net(t *testing.T) {
	assert.Equal(t, 7, LotBalance{In: 10, Out: 3}.Net())
	assert.Equal(t, -1, Movement{Type: MovementOut, Quantity: 1}.Signed())
	assert.Equal(t, 4, Movement{Type: MovementIn, Quantity: 4}.Signed())
}

package models

import "gorm.io/gorm"

// Account represents one brokerage account and its locally tracked state.
// There is exactly one row per broker account code.
type Account struct {
	gorm.Model
	Code               string  `gorm:"uniqueIndex;not null"`
	TotalValue         float64 `gorm:"not null"`
	CashValue          float64 `gorm:"not null"`
	AvailableFunds     float64 `gorm:"not null"`
	DayTradesRemaining int     `gorm:"not null"`

	Positions []Position `gorm:"constraint:OnDelete:CASCADE"`
	Orders    []Order
}

// NewAccount creates an account with zeroed balances.
func NewAccount(code string) *Account {
	return &Account{Code: code}
}

// Update replaces all summary figures at once. The four values always come
// from the same broker snapshot and are never applied partially.
func (a *Account) Update(totalValue, cashValue, availableFunds float64, dayTradesRemaining int) {
	a.TotalValue = totalValue
	a.CashValue = cashValue
	a.AvailableFunds = availableFunds
	a.DayTradesRemaining = dayTradesRemaining
}

// PositionsValue returns the total cost basis across open positions.
func (a *Account) PositionsValue() float64 {
	total := 0.
	for _, p := range a.Positions {
		total += p.Value
	}
	return total
}

// PositionsCurrentValue returns the total market value across open positions.
func (a *Account) PositionsCurrentValue() float64 {
	total := 0.
	for _, p := range a.Positions {
		total += p.CurrentValue
	}
	return total
}

// PositionsProfit returns the total unrealized profit across open positions.
func (a *Account) PositionsProfit() float64 {
	total := 0.
	for _, p := range a.Positions {
		total += p.Profit
	}
	return total
}

// PositionsProfitMargin returns total profit relative to total cost basis.
func (a *Account) PositionsProfitMargin() float64 {
	value := a.PositionsValue()
	if value == 0 {
		return 0
	}
	return a.PositionsProfit() / value
}

package models

import (
	"math"

	"gorm.io/gorm"
)

// Position is one instrument currently held in an account. At most one row
// exists per (account, symbol); the symbol is compound for derivatives.
type Position struct {
	gorm.Model
	AccountID uint    `gorm:"index;not null"`
	Symbol    string  `gorm:"not null"`
	Qty       int     `gorm:"not null"` // negative for short positions
	Price     float64 `gorm:"not null"` // average cost per unit
	Value     float64 `gorm:"not null"` // cost basis, |qty| * price

	CurrentPrice float64
	CurrentValue float64
	Profit       float64
	ProfitMargin float64
}

// NewPosition creates a position with P&L seeded at zero: until the first
// market tick the current price equals the entry price.
func NewPosition(accountID uint, symbol string, qty int, price, value float64) *Position {
	return &Position{
		AccountID:    accountID,
		Symbol:       symbol,
		Qty:          qty,
		Price:        price,
		Value:        value,
		CurrentPrice: price,
		CurrentValue: value,
	}
}

// Update replaces the broker-reported quantity and cost figures.
func (p *Position) Update(qty int, price, value float64) {
	p.Qty = qty
	p.Price = price
	p.Value = value
}

// UpdatePNL recomputes the derived market-value fields from the latest price.
// NaN prices (no data yet) leave the previous values in place.
func (p *Position) UpdatePNL(lastPrice float64) {
	if math.IsNaN(lastPrice) {
		return
	}
	p.CurrentPrice = lastPrice
	p.CurrentValue = math.Abs(float64(p.Qty) * lastPrice)
	if p.Qty >= 0 {
		p.Profit = p.CurrentValue - p.Value
	} else {
		p.Profit = p.Value - p.CurrentValue
	}
	if p.Value != 0 {
		p.ProfitMargin = p.Profit / p.Value
	} else {
		p.ProfitMargin = 0
	}
}

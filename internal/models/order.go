package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// OrderStatus is the internal order state vocabulary. Broker-native status
// strings are normalized into this closed set and kept only as diagnostics.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"    // locally created, not yet seen in a broker trade
	OrderStatusSent      OrderStatus = "SENT"   // known to the broker, not actively working
	OrderStatusActive    OrderStatus = "ACTIVE" // actively working at the broker
	OrderStatusOK        OrderStatus = "OK"     // done, filled
	OrderStatusCancelled OrderStatus = "CANCD"  // done, not filled
	OrderStatusError     OrderStatus = "ERROR"  // terminal state we do not recognize
)

// OrderAction is the order side.
type OrderAction string

const (
	OrderActionBuy  OrderAction = "BUY"
	OrderActionSell OrderAction = "SELL"
)

// Order is one broker order plus its cumulative fill state. Orders are
// created once per broker id and only ever updated afterwards; cancelled and
// filled orders are kept as history.
type Order struct {
	gorm.Model
	AccountID uint `gorm:"index;not null"`

	Code     string      `gorm:"not null"`
	Symbol   string      `gorm:"not null"`
	Status   OrderStatus `gorm:"not null"`
	Action   OrderAction `gorm:"not null"`
	ReqQty   int         `gorm:"not null"`
	LmtPrice float64

	SentAt      *time.Time
	CompletedAt *time.Time

	Qty        int `gorm:"not null;default:0"` // actual filled quantity
	AvgPrice   float64
	Commission float64

	BrokerID          int64  `gorm:"index"` // broker-assigned order id
	BrokerOrderType   string // broker-native order type, diagnostic only
	BrokerOrderStatus string // broker-native order status, diagnostic only
}

// NewOrder creates an order first seen in a broker trade record.
func NewOrder(accountID uint, symbol string, action OrderAction, reqQty int, lmtPrice float64, brokerID int64) *Order {
	return &Order{
		AccountID: accountID,
		Code:      fmt.Sprintf("%s %s %s", symbol, action, time.Now().Format("2006-01-02 15:04:05")),
		Symbol:    symbol,
		Status:    OrderStatusNew,
		Action:    action,
		ReqQty:    reqQty,
		LmtPrice:  lmtPrice,
		BrokerID:  brokerID,
	}
}

// Update applies a full state snapshot derived from the current broker trade.
func (o *Order) Update(status OrderStatus, sentAt, completedAt *time.Time, qty int, avgPrice, commission float64,
	brokerOrderType, brokerOrderStatus string) {

	o.Status = status
	o.SentAt = sentAt
	o.CompletedAt = completedAt
	o.Qty = qty
	o.AvgPrice = avgPrice
	o.Commission = commission
	o.BrokerOrderType = brokerOrderType
	o.BrokerOrderStatus = brokerOrderStatus
}

package monitor

import (
	"time"

	"go.uber.org/zap"

	"github.com/andrey-zotov/ib-console/internal/broker"
	"github.com/andrey-zotov/ib-console/internal/models"
)

// mapStatus normalizes a broker trade snapshot into the internal status
// vocabulary. Pending-cancel counts as still active: the order is not
// cancelled until the broker confirms it.
func mapStatus(logger *zap.Logger, order *models.Order, trade *broker.TradeRecord) models.OrderStatus {
	switch {
	case trade.IsDone():
		if trade.Status == broker.StatusFilled {
			return models.OrderStatusOK
		}
		return models.OrderStatusCancelled
	case trade.IsActive():
		if trade.Status == broker.StatusSubmitted {
			return models.OrderStatusActive
		}
		return models.OrderStatusSent
	case trade.Status == broker.StatusPendingCancel:
		return models.OrderStatusActive
	default:
		logger.Error("Order is in an unrecognized terminal broker state",
			zap.String("order", order.Code),
			zap.String("broker_status", trade.Status),
		)
		return models.OrderStatusError
	}
}

// aggregateFills reduces an execution list to the cumulative fill state:
// latest fill time, total shares, volume-weighted average price and total
// commission. The per-fill price falls back to the execution average price.
func aggregateFills(fills []broker.Fill) (latest *time.Time, qty int, avgPrice, commission float64) {
	total := 0.
	for _, fill := range fills {
		if latest == nil || latest.Before(fill.Time) {
			t := fill.Time
			latest = &t
		}
		price := fill.Price
		if price == 0 {
			price = fill.AvgPrice
		}
		qty += fill.Shares
		total += price * float64(fill.Shares)
		commission += fill.Commission
	}
	if qty != 0 {
		avgPrice = total / float64(qty)
	}
	return latest, qty, avgPrice, commission
}

// updateOrderFromTrade re-derives the order's full state from the current
// broker trade snapshot. The state is always rebuilt rather than patched
// incrementally, so broker and local views stay reconcilable across
// connection gaps. Returns false when there is no trade record; the order's
// last known state is left untouched.
func (e *Engine) updateOrderFromTrade(order *models.Order, trade *broker.TradeRecord) bool {
	if trade == nil {
		return false
	}

	status := mapStatus(e.logger, order, trade)

	fills := trade.Fills
	if len(fills) == 0 {
		found, err := e.broker.Executions(trade.BrokerID)
		if err != nil {
			e.logger.Warn("Execution query failed, keeping empty fill state",
				zap.String("order", order.Code), zap.Error(err))
		} else {
			fills = found
		}
	}

	latest, qty, avgPrice, commission := aggregateFills(fills)
	var completedAt *time.Time
	if status == models.OrderStatusOK {
		completedAt = latest
	}

	order.Update(status, order.SentAt, completedAt, qty, avgPrice, commission, trade.OrderType, trade.Status)
	return true
}

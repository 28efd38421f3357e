package monitor

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/andrey-zotov/ib-console/internal/broker"
	"github.com/andrey-zotov/ib-console/internal/database"
	"github.com/andrey-zotov/ib-console/internal/marketdata"
	"github.com/andrey-zotov/ib-console/internal/models"
)

// ErrAccountMismatch means the broker's authenticated account differs from
// the account being refreshed. The cycle is aborted before any mutation.
var ErrAccountMismatch = errors.New("monitor: broker account does not match")

// ErrMissingTradeRecord means the broker session no longer reports a trade
// the local history expects. The order's state is frozen until the record
// reappears or a terminal update is observed.
var ErrMissingTradeRecord = errors.New("monitor: broker trade record missing")

const (
	// SPY tracks SPX at a tenth and, unlike the index, has bar data outside
	// regular trading hours.
	marketProxySymbol = "SPY"
	marketProxyScale  = 10.
	volatilitySymbol  = "VIX"
)

// Engine reconciles local account state with broker-reported truth. All
// mutation happens on the caller's goroutine; the broker only delivers data.
type Engine struct {
	logger   *zap.Logger
	broker   broker.Broker
	store    *database.Store
	cache    *marketdata.Cache
	resolver *broker.Resolver

	// live bar series per position, keyed by canonical symbol
	positionSeries map[string]*marketdata.Series
}

// NewEngine creates a reconciliation engine.
func NewEngine(logger *zap.Logger, b broker.Broker, store *database.Store, cache *marketdata.Cache, resolver *broker.Resolver) *Engine {
	return &Engine{
		logger:         logger,
		broker:         b,
		store:          store,
		cache:          cache,
		resolver:       resolver,
		positionSeries: make(map[string]*marketdata.Series),
	}
}

// Refresh mutates the account and its positions and orders to match the
// broker's current snapshot. Per-symbol and per-order failures are logged
// and contained; broker transport errors abort the cycle.
func (e *Engine) Refresh(account *models.Account) error {
	code, err := e.broker.AccountCode()
	if err != nil {
		return fmt.Errorf("could not get broker account code: %w", err)
	}
	if code != account.Code {
		e.logger.Error("Attempt to refresh the wrong account",
			zap.String("broker_account", code),
			zap.String("local_account", account.Code),
		)
		return fmt.Errorf("%w: broker %s, local %s", ErrAccountMismatch, code, account.Code)
	}

	if err := e.refreshSummary(account); err != nil {
		return err
	}
	if err := e.refreshPositions(account); err != nil {
		return err
	}
	return e.refreshOrders(account)
}

// refreshSummary applies the broker's summary figures as one atomic update.
func (e *Engine) refreshSummary(account *models.Account) error {
	tags, err := e.broker.AccountSummary(account.Code)
	if err != nil {
		return fmt.Errorf("could not get account summary: %w", err)
	}

	var totalValue, cashValue, availableFunds float64
	var dayTrades int
	for _, t := range tags {
		switch t.Tag {
		case broker.TagNetLiquidation:
			totalValue = t.Value
		case broker.TagTotalCashValue:
			cashValue = t.Value
		case broker.TagAvailableFunds:
			availableFunds = t.Value
		case broker.TagDayTradesRemaining:
			dayTrades = int(t.Value)
		}
	}
	account.Update(totalValue, cashValue, availableFunds, dayTrades)

	if err := e.store.SaveAccount(account); err != nil {
		return fmt.Errorf("could not save account: %w", err)
	}
	return nil
}

// refreshPositions diffs the broker position set against the local one:
// updates in place, creates on first sight, deletes what the broker stopped
// reporting. Each position's bar subscription and P&L follow along.
func (e *Engine) refreshPositions(account *models.Account) error {
	brokerPositions, err := e.broker.Positions(account.Code)
	if err != nil {
		return fmt.Errorf("could not get positions: %w", err)
	}

	seen := make(map[string]bool, len(brokerPositions))
	for _, bp := range brokerPositions {
		symbol := bp.Instrument.CanonicalSymbol()
		if seen[symbol] {
			// first match wins; never merge two records into one
			continue
		}
		seen[symbol] = true

		qty := bp.Quantity
		value := bp.AvgCost * math.Abs(float64(qty))

		position := findPosition(account, symbol)
		if position == nil {
			account.Positions = append(account.Positions, *models.NewPosition(account.ID, symbol, qty, bp.AvgCost, value))
			position = &account.Positions[len(account.Positions)-1]
		} else {
			position.Update(qty, bp.AvgCost, value)
		}

		e.refreshPositionMarketData(position, bp.Instrument)

		if err := e.store.SavePosition(position); err != nil {
			e.logger.Error("Failed to save position", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	// local minus broker: positions no longer reported are removed
	for i := len(account.Positions) - 1; i >= 0; i-- {
		position := &account.Positions[i]
		if seen[position.Symbol] {
			continue
		}
		if series, ok := e.positionSeries[position.Symbol]; ok {
			if err := e.cache.Release(series.Instrument, series.Duration); err != nil {
				e.logger.Warn("Failed to release bar subscription",
					zap.String("symbol", position.Symbol), zap.Error(err))
			}
			delete(e.positionSeries, position.Symbol)
		}
		if err := e.store.DeletePosition(position); err != nil {
			e.logger.Error("Failed to delete position", zap.String("symbol", position.Symbol), zap.Error(err))
		}
		account.Positions = append(account.Positions[:i], account.Positions[i+1:]...)
	}

	return nil
}

// refreshPositionMarketData keeps the position's bar subscription alive and
// recomputes its P&L from the latest sample. Failures are contained: the
// position keeps its last good market values for this cycle.
func (e *Engine) refreshPositionMarketData(position *models.Position, inst broker.Instrument) {
	series, err := e.cache.Query(inst, marketdata.DurationDay)
	if err != nil {
		e.logger.Warn("Market data unavailable for position",
			zap.String("symbol", position.Symbol), zap.Error(err))
		return
	}
	e.positionSeries[position.Symbol] = series
	if last, ok := series.LastValue(); ok {
		position.UpdatePNL(last)
	}
}

// refreshOrders matches the broker's open and completed trades against local
// orders by broker id. Orders are created once per broker id and only ever
// updated afterwards; nothing is deleted.
func (e *Engine) refreshOrders(account *models.Account) error {
	trades, err := e.broker.Trades()
	if err != nil {
		return fmt.Errorf("could not get trades: %w", err)
	}

	seen := make(map[int64]bool, len(trades))
	for i := range trades {
		trade := &trades[i]
		if trade.BrokerID == 0 || seen[trade.BrokerID] {
			continue
		}
		seen[trade.BrokerID] = true

		order := findOrder(account, trade.BrokerID)
		if order == nil {
			symbol := trade.Instrument.CanonicalSymbol()
			account.Orders = append(account.Orders,
				*models.NewOrder(account.ID, symbol, models.OrderAction(trade.Action), trade.Quantity, trade.LimitPrice, trade.BrokerID))
			order = &account.Orders[len(account.Orders)-1]
		}

		e.updateOrderFromTrade(order, trade)

		if err := e.store.SaveOrder(order); err != nil {
			e.logger.Error("Failed to save order", zap.String("order", order.Code), zap.Error(err))
		}
	}

	// orders the session stopped reporting keep their last known state
	for i := range account.Orders {
		order := &account.Orders[i]
		if seen[order.BrokerID] || order.Status == models.OrderStatusNew || isTerminal(order.Status) {
			continue
		}
		e.logger.Warn("Keeping last known order state",
			zap.String("order", order.Code),
			zap.Int64("broker_id", order.BrokerID),
			zap.Error(ErrMissingTradeRecord),
		)
	}

	return nil
}

func isTerminal(status models.OrderStatus) bool {
	switch status {
	case models.OrderStatusOK, models.OrderStatusCancelled, models.OrderStatusError:
		return true
	}
	return false
}

func findPosition(account *models.Account, symbol string) *models.Position {
	for i := range account.Positions {
		if account.Positions[i].Symbol == symbol {
			return &account.Positions[i]
		}
	}
	return nil
}

func findOrder(account *models.Account, brokerID int64) *models.Order {
	for i := range account.Orders {
		if account.Orders[i].BrokerID == brokerID {
			return &account.Orders[i]
		}
	}
	return nil
}

// PositionChartData returns the chart series associated with a position, if
// its subscription is live.
func (e *Engine) PositionChartData(position *models.Position) (marketdata.ChartData, bool) {
	series, ok := e.positionSeries[position.Symbol]
	if !ok {
		return marketdata.ChartData{}, false
	}
	return series.ChartData(), true
}

// indexSeries resolves an index symbol and returns its day series.
func (e *Engine) indexSeries(symbol string) (*marketdata.Series, error) {
	inst, err := e.resolver.Resolve(symbol)
	if err != nil {
		return nil, err
	}
	return e.cache.Query(inst, marketdata.DurationDay)
}

// MarketChartData returns today's SPX chart, derived from the SPY proxy.
func (e *Engine) MarketChartData() (marketdata.ChartData, error) {
	series, err := e.indexSeries(marketProxySymbol)
	if err != nil {
		return marketdata.ChartData{}, err
	}
	data := series.ChartData()
	scaled := make([]float64, len(data.Values))
	for i, v := range data.Values {
		scaled[i] = v * marketProxyScale
	}
	data.Values = scaled
	return data, nil
}

// VolatilityChartData returns today's VIX chart.
func (e *Engine) VolatilityChartData() (marketdata.ChartData, error) {
	series, err := e.indexSeries(volatilitySymbol)
	if err != nil {
		return marketdata.ChartData{}, err
	}
	return series.ChartData(), nil
}

package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/andrey-zotov/ib-console/internal/broker"
	"github.com/andrey-zotov/ib-console/internal/database"
	"github.com/andrey-zotov/ib-console/internal/marketdata"
	"github.com/andrey-zotov/ib-console/internal/models"
)

// MockBroker is a mock implementation of the broker.Broker interface.
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) AccountCode() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockBroker) AccountSummary(account string) ([]broker.SummaryTag, error) {
	args := m.Called(account)
	return args.Get(0).([]broker.SummaryTag), args.Error(1)
}

func (m *MockBroker) Positions(account string) ([]broker.PositionRecord, error) {
	args := m.Called(account)
	return args.Get(0).([]broker.PositionRecord), args.Error(1)
}

func (m *MockBroker) Trades() ([]broker.TradeRecord, error) {
	args := m.Called()
	return args.Get(0).([]broker.TradeRecord), args.Error(1)
}

func (m *MockBroker) Executions(brokerID int64) ([]broker.Fill, error) {
	args := m.Called(brokerID)
	return args.Get(0).([]broker.Fill), args.Error(1)
}

func (m *MockBroker) ContractDetails(symbol, venue string) ([]broker.Instrument, error) {
	args := m.Called(symbol, venue)
	return args.Get(0).([]broker.Instrument), args.Error(1)
}

func (m *MockBroker) HistoricalBars(inst broker.Instrument, period, barSize string) (*broker.BarSeries, error) {
	args := m.Called(inst, period, barSize)
	return args.Get(0).(*broker.BarSeries), args.Error(1)
}

func (m *MockBroker) CancelHistoricalBars(series *broker.BarSeries) error {
	args := m.Called(series)
	return args.Error(0)
}

func (m *MockBroker) WaitForUpdate(timeout time.Duration) error {
	args := m.Called(timeout)
	return args.Error(0)
}

func (m *MockBroker) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

// setupEngineTest wires an engine over a mock broker and an in-memory database.
func setupEngineTest(t *testing.T) (*Engine, *MockBroker, *database.Store) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	err = db.AutoMigrate(&models.Account{}, &models.Position{}, &models.Order{})
	assert.NoError(t, err)

	store := database.NewStore(db)
	mockBroker := new(MockBroker)
	log := zap.NewNop()
	cache := marketdata.NewCache(mockBroker, log)
	resolver := broker.NewResolver(mockBroker, log)

	return NewEngine(log, mockBroker, store, cache, resolver), mockBroker, store
}

func summarySnapshot() []broker.SummaryTag {
	return []broker.SummaryTag{
		{Tag: broker.TagNetLiquidation, Value: 100000},
		{Tag: broker.TagTotalCashValue, Value: 25000},
		{Tag: broker.TagAvailableFunds, Value: 24000},
		{Tag: broker.TagDayTradesRemaining, Value: 3},
	}
}

func stock(conID int64, symbol string) broker.Instrument {
	return broker.Instrument{ConID: conID, Symbol: symbol, SecType: broker.SecTypeStock, Venue: "NASDAQ", Currency: "USD"}
}

func daySeries(inst broker.Instrument, lastPrice float64) *broker.BarSeries {
	return &broker.BarSeries{
		Instrument: inst,
		Period:     "1d",
		BarSize:    "1min",
		Bars:       []broker.Bar{{Time: time.Now(), Open: lastPrice, Close: lastPrice}},
	}
}

func TestRefresh_AccountMismatch(t *testing.T) {
	e, mockBroker, store := setupEngineTest(t)
	account, err := store.LoadAccount("U1")
	assert.NoError(t, err)

	mockBroker.On("AccountCode").Return("U2", nil)

	err = e.Refresh(account)

	assert.ErrorIs(t, err, ErrAccountMismatch)
	// no mutation occurred
	assert.Zero(t, account.TotalValue)
	assert.Empty(t, account.Positions)
	mockBroker.AssertNotCalled(t, "AccountSummary", mock.Anything)
}

func TestRefresh_AppliesSummaryAtomically(t *testing.T) {
	e, mockBroker, store := setupEngineTest(t)
	account, err := store.LoadAccount("U1")
	assert.NoError(t, err)

	mockBroker.On("AccountCode").Return("U1", nil)
	mockBroker.On("AccountSummary", "U1").Return(summarySnapshot(), nil)
	mockBroker.On("Positions", "U1").Return([]broker.PositionRecord{}, nil)
	mockBroker.On("Trades").Return([]broker.TradeRecord{}, nil)

	assert.NoError(t, e.Refresh(account))

	assert.Equal(t, 100000.0, account.TotalValue)
	assert.Equal(t, 25000.0, account.CashValue)
	assert.Equal(t, 24000.0, account.AvailableFunds)
	assert.Equal(t, 3, account.DayTradesRemaining)

	reloaded, err := store.LoadAccount("U1")
	assert.NoError(t, err)
	assert.Equal(t, 100000.0, reloaded.TotalValue)
}

func TestRefresh_ReconcilesPositionSet(t *testing.T) {
	e, mockBroker, store := setupEngineTest(t)
	account, err := store.LoadAccount("U1")
	assert.NoError(t, err)

	msft := stock(1, "MSFT")
	aapl := stock(2, "AAPL")
	msftSeries := daySeries(msft, 110)
	aaplSeries := daySeries(aapl, 190)

	mockBroker.On("AccountCode").Return("U1", nil)
	mockBroker.On("AccountSummary", "U1").Return(summarySnapshot(), nil)
	mockBroker.On("Trades").Return([]broker.TradeRecord{}, nil)
	mockBroker.On("HistoricalBars", msft, "1d", "1min").Return(msftSeries, nil).Once()
	mockBroker.On("HistoricalBars", aapl, "1d", "1min").Return(aaplSeries, nil).Once()

	// first snapshot: two positions
	mockBroker.On("Positions", "U1").Return([]broker.PositionRecord{
		{Instrument: msft, Quantity: 10, AvgCost: 100},
		{Instrument: aapl, Quantity: -5, AvgCost: 200},
	}, nil).Once()

	assert.NoError(t, e.Refresh(account))

	assert.Len(t, account.Positions, 2)
	byName := map[string]models.Position{}
	for _, p := range account.Positions {
		byName[p.Symbol] = p
	}
	assert.Equal(t, 10, byName["MSFT"].Qty)
	assert.Equal(t, 1000.0, byName["MSFT"].Value)
	assert.Equal(t, 100.0, byName["MSFT"].Profit) // 10 * 110 - 1000
	assert.Equal(t, -5, byName["AAPL"].Qty)
	assert.Equal(t, 1000.0, byName["AAPL"].Value)
	assert.Equal(t, 50.0, byName["AAPL"].Profit) // short: 1000 - 950

	// second snapshot: AAPL gone; its subscription is released
	mockBroker.On("Positions", "U1").Return([]broker.PositionRecord{
		{Instrument: msft, Quantity: 10, AvgCost: 100},
	}, nil).Once()
	mockBroker.On("CancelHistoricalBars", aaplSeries).Return(nil).Once()

	assert.NoError(t, e.Refresh(account))

	assert.Len(t, account.Positions, 1)
	assert.Equal(t, "MSFT", account.Positions[0].Symbol)

	reloaded, err := store.LoadAccount("U1")
	assert.NoError(t, err)
	assert.Len(t, reloaded.Positions, 1)
	mockBroker.AssertExpectations(t)
}

func TestRefresh_Idempotent(t *testing.T) {
	e, mockBroker, store := setupEngineTest(t)
	account, err := store.LoadAccount("U1")
	assert.NoError(t, err)

	msft := stock(1, "MSFT")
	mockBroker.On("AccountCode").Return("U1", nil)
	mockBroker.On("AccountSummary", "U1").Return(summarySnapshot(), nil)
	mockBroker.On("Positions", "U1").Return([]broker.PositionRecord{
		{Instrument: msft, Quantity: 10, AvgCost: 100},
	}, nil)
	mockBroker.On("Trades").Return([]broker.TradeRecord{
		{Instrument: msft, BrokerID: 77, Action: "BUY", Quantity: 10, LimitPrice: 100, OrderType: "LMT",
			Status: broker.StatusFilled, Fills: []broker.Fill{{Price: 100, Shares: 10, Commission: 1, Time: time.Now()}}},
	}, nil)
	// the bar subscription is opened once and reused across refreshes
	mockBroker.On("HistoricalBars", msft, "1d", "1min").Return(daySeries(msft, 110), nil).Once()

	type positionState struct {
		Symbol                     string
		Qty                        int
		Price, Value, CurrentValue float64
		Profit, ProfitMargin       float64
	}
	snapshot := func() []positionState {
		var out []positionState
		for _, p := range account.Positions {
			out = append(out, positionState{p.Symbol, p.Qty, p.Price, p.Value, p.CurrentValue, p.Profit, p.ProfitMargin})
		}
		return out
	}

	assert.NoError(t, e.Refresh(account))
	firstPositions := snapshot()
	firstOrders := append([]models.Order{}, account.Orders...)

	assert.NoError(t, e.Refresh(account))

	assert.Equal(t, firstPositions, snapshot())
	assert.Len(t, account.Orders, len(firstOrders))
	assert.Equal(t, firstOrders[0].Status, account.Orders[0].Status)
	assert.Equal(t, firstOrders[0].Qty, account.Orders[0].Qty)
	assert.Equal(t, firstOrders[0].Code, account.Orders[0].Code)
	mockBroker.AssertExpectations(t)
}

func TestRefresh_OrderIdentity(t *testing.T) {
	e, mockBroker, store := setupEngineTest(t)
	account, err := store.LoadAccount("U1")
	assert.NoError(t, err)

	msft := stock(1, "MSFT")
	mockBroker.On("AccountCode").Return("U1", nil)
	mockBroker.On("AccountSummary", "U1").Return(summarySnapshot(), nil)
	mockBroker.On("Positions", "U1").Return([]broker.PositionRecord{}, nil)

	// first sight: working order
	mockBroker.On("Trades").Return([]broker.TradeRecord{
		{Instrument: msft, BrokerID: 77, Action: "BUY", Quantity: 10, LimitPrice: 310, OrderType: "LMT",
			Status: broker.StatusSubmitted},
	}, nil).Once()
	mockBroker.On("Executions", int64(77)).Return([]broker.Fill{}, nil)

	assert.NoError(t, e.Refresh(account))
	assert.Len(t, account.Orders, 1)
	assert.Equal(t, models.OrderStatusActive, account.Orders[0].Status)
	createdCode := account.Orders[0].Code

	// same broker id later reported filled: updated in place, not duplicated
	fillTime := time.Now()
	mockBroker.On("Trades").Return([]broker.TradeRecord{
		{Instrument: msft, BrokerID: 77, Action: "BUY", Quantity: 10, LimitPrice: 310, OrderType: "LMT",
			Status: broker.StatusFilled,
			Fills:  []broker.Fill{{Price: 309, Shares: 10, Commission: 1, Time: fillTime}}},
	}, nil).Once()

	assert.NoError(t, e.Refresh(account))

	assert.Len(t, account.Orders, 1)
	assert.Equal(t, createdCode, account.Orders[0].Code)
	assert.Equal(t, models.OrderStatusOK, account.Orders[0].Status)
	assert.Equal(t, 10, account.Orders[0].Qty)
	assert.Equal(t, 309.0, account.Orders[0].AvgPrice)

	reloaded, err := store.LoadAccount("U1")
	assert.NoError(t, err)
	assert.Len(t, reloaded.Orders, 1)
	mockBroker.AssertExpectations(t)
}

func TestRefresh_OrdersSurviveAsHistory(t *testing.T) {
	e, mockBroker, store := setupEngineTest(t)
	account, err := store.LoadAccount("U1")
	assert.NoError(t, err)

	msft := stock(1, "MSFT")
	mockBroker.On("AccountCode").Return("U1", nil)
	mockBroker.On("AccountSummary", "U1").Return(summarySnapshot(), nil)
	mockBroker.On("Positions", "U1").Return([]broker.PositionRecord{}, nil)
	mockBroker.On("Trades").Return([]broker.TradeRecord{
		{Instrument: msft, BrokerID: 77, Action: "SELL", Quantity: 5, OrderType: "MKT",
			Status: broker.StatusCancelled},
	}, nil).Once()
	mockBroker.On("Executions", int64(77)).Return([]broker.Fill{}, nil)

	assert.NoError(t, e.Refresh(account))
	assert.Equal(t, models.OrderStatusCancelled, account.Orders[0].Status)

	// the broker session forgot the trade; the order stays, state frozen
	mockBroker.On("Trades").Return([]broker.TradeRecord{}, nil).Once()

	assert.NoError(t, e.Refresh(account))

	assert.Len(t, account.Orders, 1)
	assert.Equal(t, models.OrderStatusCancelled, account.Orders[0].Status)

	// cancelled orders are excluded from the active view but kept in history
	active, err := store.ActiveOrders(account.ID)
	assert.NoError(t, err)
	assert.Empty(t, active)
	mockBroker.AssertExpectations(t)
}

func TestRefresh_CostBasisFollowsBrokerAvgCost(t *testing.T) {
	e, mockBroker, store := setupEngineTest(t)
	account, err := store.LoadAccount("U1")
	assert.NoError(t, err)

	msft := stock(1, "MSFT")
	mockBroker.On("AccountCode").Return("U1", nil)
	mockBroker.On("AccountSummary", "U1").Return(summarySnapshot(), nil)
	mockBroker.On("Trades").Return([]broker.TradeRecord{}, nil)
	mockBroker.On("HistoricalBars", msft, "1d", "1min").Return(daySeries(msft, 110), nil).Once()

	mockBroker.On("Positions", "U1").Return([]broker.PositionRecord{
		{Instrument: msft, Quantity: 10, AvgCost: 100},
	}, nil).Once()
	assert.NoError(t, e.Refresh(account))
	assert.Equal(t, 1000.0, account.Positions[0].Value)

	// the broker-reported average cost moves; value tracks it
	mockBroker.On("Positions", "U1").Return([]broker.PositionRecord{
		{Instrument: msft, Quantity: 10, AvgCost: 105},
	}, nil).Once()
	assert.NoError(t, e.Refresh(account))
	assert.Equal(t, 1050.0, account.Positions[0].Value)
	mockBroker.AssertExpectations(t)
}

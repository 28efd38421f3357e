package broker

import (
	"strconv"
	"time"
)

// SecType classifies an instrument at the broker boundary.
type SecType string

const (
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
	SecTypeIndex  SecType = "IND"
)

// Venues tried when resolving a symbol, in order. SMART is the broker's
// aggregated routing venue; the other two disambiguate listings.
const (
	VenueSmart  = "SMART"
	VenueIsland = "ISLAND"
	VenueNYSE   = "NYSE"
)

// Instrument is a resolved, tradable instrument descriptor.
type Instrument struct {
	ConID    int64
	Symbol   string
	SecType  SecType
	Venue    string
	Currency string

	// Option fields, empty for other security types.
	Expiry string
	Strike float64
	Right  string
}

// CanonicalSymbol returns the symbol key used to match broker records with
// local positions and orders. Options get a compound key so that contracts
// on the same underlying stay distinct.
func (i Instrument) CanonicalSymbol() string {
	if i.SecType == SecTypeOption {
		return i.Symbol + " " + i.Expiry + " " + strconv.FormatFloat(i.Strike, 'f', -1, 64) + " " + i.Right
	}
	return i.Symbol
}

// Account summary tags consumed from the broker snapshot.
const (
	TagNetLiquidation     = "NetLiquidation"
	TagTotalCashValue     = "TotalCashValue"
	TagAvailableFunds     = "AvailableFunds"
	TagDayTradesRemaining = "DayTradesRemaining"
)

// SummaryTag is one tag/value pair from the broker account summary.
type SummaryTag struct {
	Account string
	Tag     string
	Value   float64
}

// PositionRecord is one broker-reported position.
type PositionRecord struct {
	Instrument Instrument
	Quantity   int // signed: negative is short
	AvgCost    float64
}

// Broker-native order status strings.
const (
	StatusPendingSubmit = "PendingSubmit"
	StatusPendingCancel = "PendingCancel"
	StatusPreSubmitted  = "PreSubmitted"
	StatusSubmitted     = "Submitted"
	StatusApiPending    = "ApiPending"
	StatusApiCancelled  = "ApiCancelled"
	StatusCancelled     = "Cancelled"
	StatusFilled        = "Filled"
	StatusInactive      = "Inactive"
)

// TradeRecord is one broker order together with its live status and fills.
type TradeRecord struct {
	Instrument Instrument
	BrokerID   int64  // broker-assigned permanent order id
	Action     string // BUY or SELL
	Quantity   int    // requested quantity
	LimitPrice float64
	OrderType  string
	Status     string // broker-native status string
	Fills      []Fill
}

// IsDone reports whether the trade reached a terminal state.
func (t TradeRecord) IsDone() bool {
	switch t.Status {
	case StatusFilled, StatusCancelled, StatusApiCancelled:
		return true
	}
	return false
}

// IsActive reports whether the trade is still working at the broker.
func (t TradeRecord) IsActive() bool {
	switch t.Status {
	case StatusPendingSubmit, StatusApiPending, StatusPreSubmitted, StatusSubmitted:
		return true
	}
	return false
}

// Fill is one execution against an order.
type Fill struct {
	BrokerID   int64
	Price      float64
	AvgPrice   float64 // used when the per-execution price is absent
	Shares     int
	Commission float64
	Time       time.Time
}

// Bar is one historical price bar.
type Bar struct {
	Time  time.Time
	Open  float64
	Close float64
	High  float64
	Low   float64
}

// BarSeries is a live historical-bar subscription. The broker client appends
// to Bars as streaming updates arrive; all reads and writes happen on the
// reconciliation thread, between wait-for-update calls.
type BarSeries struct {
	Instrument Instrument
	Period     string // e.g. "1d", "1m"
	BarSize    string // e.g. "1min", "1day"
	Bars       []Bar
}

// Broker is the connection surface consumed by the reconciliation engine,
// the contract resolver and the market-data cache.
type Broker interface {
	// AccountCode returns the authenticated account's code.
	AccountCode() (string, error)

	// AccountSummary returns the current summary snapshot for the account.
	AccountSummary(account string) ([]SummaryTag, error)

	// Positions returns the broker's current position list for the account.
	Positions(account string) ([]PositionRecord, error)

	// Trades returns all currently open and all completed orders. The
	// completed set is queried every time: broker trade lists are
	// session-scoped and local history must survive restarts.
	Trades() ([]TradeRecord, error)

	// Executions returns the fills recorded for one broker order id. Used
	// as a fallback when a trade record carries no fills.
	Executions(brokerID int64) ([]Fill, error)

	// ContractDetails returns the candidate instruments for a symbol at a venue.
	ContractDetails(symbol, venue string) ([]Instrument, error)

	// HistoricalBars opens a live-updating bar subscription.
	HistoricalBars(inst Instrument, period, barSize string) (*BarSeries, error)

	// CancelHistoricalBars closes a bar subscription.
	CancelHistoricalBars(series *BarSeries) error

	// WaitForUpdate blocks until the broker pushes an update or the timeout
	// elapses. A timeout is a normal return, not an error.
	WaitForUpdate(timeout time.Duration) error

	// Disconnect closes the connection. Callers release market-data
	// subscriptions first.
	Disconnect() error
}

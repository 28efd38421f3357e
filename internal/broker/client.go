package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/andrey-zotov/ib-console/internal/config"
)

const apiPrefix = "/v1/api"

// Client talks to the IB Client Portal gateway REST API. The gateway itself
// handles authentication; the client only consumes an already established
// session. Streaming updates arrive over a separate websocket (see Stream).
type Client struct {
	client  *resty.Client
	stream  *Stream
	logger  *zap.Logger
	limiter *rate.Limiter

	accountCode string // memoized after the first lookup
}

// ensure Client implements the interface
var _ Broker = (*Client)(nil)

// NewClient creates a gateway client. It does not touch the network; callers
// probe connectivity with AccountCode.
func NewClient(cfg *config.Broker, logger *zap.Logger) *Client {
	client := resty.New().SetBaseURL(cfg.GatewayURL + apiPrefix)
	if cfg.InsecureSkipVerify {
		// The locally running gateway serves a self-signed certificate.
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &Client{
		client:  client,
		stream:  NewStream(cfg, logger),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
	}
}

// ConnectStream dials the gateway websocket used for update notifications
// and live bar subscriptions. One-shot commands can skip it.
func (c *Client) ConnectStream() error {
	return c.stream.Connect()
}

// doRequest executes a request with rate limiting and bounded retry on
// throttling and server errors.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing gateway request", zap.String("method", method), zap.String("url", url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		if resp != nil {
			code := resp.StatusCode()
			if code == http.StatusTooManyRequests || code >= 500 {
				shouldRetry = true
			}
		} else {
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("gateway request failed with status %s: %s", resp.Status(), resp.String())
		}
		if i == maxRetries-1 {
			break
		}

		retryAfter := time.Duration(math.Pow(2, float64(i))) * time.Second
		c.logger.Warn("Gateway request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, fmt.Errorf("gateway request failed after %d attempts: %w", maxRetries, err)
	}
	return nil, fmt.Errorf("gateway request failed after %d attempts with status %s", maxRetries, resp.Status())
}

// AccountCode returns the authenticated account's code.
func (c *Client) AccountCode() (string, error) {
	if c.accountCode != "" {
		return c.accountCode, nil
	}

	type accountsResponse struct {
		Accounts        []string `json:"accounts"`
		SelectedAccount string   `json:"selectedAccount"`
	}

	req := c.client.R().SetResult(&accountsResponse{})
	resp, err := c.doRequest(context.Background(), "GET", "/iserver/accounts", req)
	if err != nil {
		return "", fmt.Errorf("failed to get accounts: %w", err)
	}

	result := resp.Result().(*accountsResponse)
	code := result.SelectedAccount
	if code == "" && len(result.Accounts) > 0 {
		code = result.Accounts[0]
	}
	if code == "" {
		return "", errors.New("gateway reports no authenticated account")
	}
	c.accountCode = code
	return code, nil
}

// summaryValue is one line of the portfolio summary response.
type summaryValue struct {
	Amount float64 `json:"amount"`
}

// summary keys consumed from the gateway, mapped to internal tags.
var summaryTagsByKey = map[string]string{
	"netliquidation": TagNetLiquidation,
	"totalcashvalue": TagTotalCashValue,
	"availablefunds": TagAvailableFunds,
	"daytradesleft":  TagDayTradesRemaining,
}

// AccountSummary returns the current summary snapshot for the account.
func (c *Client) AccountSummary(account string) ([]SummaryTag, error) {
	var summary map[string]summaryValue

	req := c.client.R().SetResult(&summary)
	_, err := c.doRequest(context.Background(), "GET", "/portfolio/"+account+"/summary", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account summary: %w", err)
	}

	var tags []SummaryTag
	for key, tag := range summaryTagsByKey {
		if v, ok := summary[key]; ok {
			tags = append(tags, SummaryTag{Account: account, Tag: tag, Value: v.Amount})
		}
	}
	return tags, nil
}

// positionResponse is one line of the portfolio positions response.
type positionResponse struct {
	ConID           int64   `json:"conid"`
	Ticker          string  `json:"ticker"`
	AssetClass      string  `json:"assetClass"`
	ListingExchange string  `json:"listingExchange"`
	Currency        string  `json:"currency"`
	Position        float64 `json:"position"`
	AvgCost         float64 `json:"avgCost"`
	Expiry          string  `json:"expiry"`
	Strike          float64 `json:"strike"`
	PutOrCall       string  `json:"putOrCall"`
}

func (p positionResponse) instrument() Instrument {
	return Instrument{
		ConID:    p.ConID,
		Symbol:   p.Ticker,
		SecType:  SecType(p.AssetClass),
		Venue:    p.ListingExchange,
		Currency: p.Currency,
		Expiry:   p.Expiry,
		Strike:   p.Strike,
		Right:    p.PutOrCall,
	}
}

// Positions returns the broker's current position list for the account.
func (c *Client) Positions(account string) ([]PositionRecord, error) {
	var positions []positionResponse

	req := c.client.R().SetResult(&positions)
	_, err := c.doRequest(context.Background(), "GET", "/portfolio/"+account+"/positions/0", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	records := make([]PositionRecord, 0, len(positions))
	for _, p := range positions {
		records = append(records, PositionRecord{
			Instrument: p.instrument(),
			Quantity:   int(p.Position),
			AvgCost:    p.AvgCost,
		})
	}
	return records, nil
}

// orderResponse is one line of the gateway order list.
type orderResponse struct {
	OrderID         int64   `json:"orderId"`
	ConID           int64   `json:"conid"`
	Ticker          string  `json:"ticker"`
	SecType         string  `json:"secType"`
	ListingExchange string  `json:"listingExchange"`
	Side            string  `json:"side"`
	TotalSize       float64 `json:"totalSize"`
	Price           float64 `json:"price"`
	OrigOrderType   string  `json:"origOrderType"`
	Status          string  `json:"status"`
}

// executionResponse is one line of the gateway execution list.
type executionResponse struct {
	OrderID    int64   `json:"order_id"`
	Price      string  `json:"price"`
	AvgPrice   string  `json:"avg_price"`
	Size       float64 `json:"size"`
	Commission string  `json:"commission"`
	TradeTime  int64   `json:"trade_time_r"` // milliseconds since epoch
}

func (e executionResponse) fill() Fill {
	price, _ := strconv.ParseFloat(e.Price, 64)
	avgPrice, _ := strconv.ParseFloat(e.AvgPrice, 64)
	commission, _ := strconv.ParseFloat(e.Commission, 64)
	return Fill{
		BrokerID:   e.OrderID,
		Price:      price,
		AvgPrice:   avgPrice,
		Shares:     int(e.Size),
		Commission: commission,
		Time:       time.UnixMilli(e.TradeTime),
	}
}

// Trades returns all currently open and completed orders with their fills.
// The gateway's order list is always re-requested in full so history remains
// recoverable after a restart.
func (c *Client) Trades() ([]TradeRecord, error) {
	type ordersResponse struct {
		Orders []orderResponse `json:"orders"`
	}

	req := c.client.R().
		SetResult(&ordersResponse{}).
		SetQueryParam("force", "true")
	resp, err := c.doRequest(context.Background(), "GET", "/iserver/account/orders", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	result := resp.Result().(*ordersResponse)

	fills, err := c.executions()
	if err != nil {
		return nil, err
	}
	fillsByOrder := make(map[int64][]Fill)
	for _, f := range fills {
		fillsByOrder[f.BrokerID] = append(fillsByOrder[f.BrokerID], f)
	}

	trades := make([]TradeRecord, 0, len(result.Orders))
	for _, o := range result.Orders {
		trades = append(trades, TradeRecord{
			Instrument: Instrument{
				ConID:   o.ConID,
				Symbol:  o.Ticker,
				SecType: SecType(o.SecType),
				Venue:   o.ListingExchange,
			},
			BrokerID:   o.OrderID,
			Action:     o.Side,
			Quantity:   int(o.TotalSize),
			LimitPrice: o.Price,
			OrderType:  o.OrigOrderType,
			Status:     o.Status,
			Fills:      fillsByOrder[o.OrderID],
		})
	}
	return trades, nil
}

// executions fetches the session's full execution list.
func (c *Client) executions() ([]Fill, error) {
	var execs []executionResponse

	req := c.client.R().SetResult(&execs)
	_, err := c.doRequest(context.Background(), "GET", "/iserver/account/trades", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get executions: %w", err)
	}

	fills := make([]Fill, 0, len(execs))
	for _, e := range execs {
		fills = append(fills, e.fill())
	}
	return fills, nil
}

// Executions returns the fills recorded for one broker order id.
func (c *Client) Executions(brokerID int64) ([]Fill, error) {
	all, err := c.executions()
	if err != nil {
		return nil, err
	}
	var fills []Fill
	for _, f := range all {
		if f.BrokerID == brokerID {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

// contractResponse is one candidate from the secdef search.
type contractResponse struct {
	ConID    int64  `json:"conid"`
	Symbol   string `json:"symbol"`
	SecType  string `json:"secType"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// ContractDetails returns the candidate instruments for a symbol at a venue.
func (c *Client) ContractDetails(symbol, venue string) ([]Instrument, error) {
	var contracts []contractResponse

	req := c.client.R().
		SetResult(&contracts).
		SetQueryParam("symbol", symbol).
		SetQueryParam("exchange", venue)
	_, err := c.doRequest(context.Background(), "GET", "/iserver/secdef/search", req)
	if err != nil {
		return nil, fmt.Errorf("failed to search contracts for %s: %w", symbol, err)
	}

	instruments := make([]Instrument, 0, len(contracts))
	for _, ct := range contracts {
		instruments = append(instruments, Instrument{
			ConID:    ct.ConID,
			Symbol:   ct.Symbol,
			SecType:  SecType(ct.SecType),
			Venue:    venue,
			Currency: ct.Currency,
		})
	}
	return instruments, nil
}

// barResponse is one bar of the history response.
type barResponse struct {
	Open  float64 `json:"o"`
	Close float64 `json:"c"`
	High  float64 `json:"h"`
	Low   float64 `json:"l"`
	Time  int64   `json:"t"` // milliseconds since epoch
}

func (b barResponse) bar() Bar {
	return Bar{
		Time:  time.UnixMilli(b.Time),
		Open:  b.Open,
		Close: b.Close,
		High:  b.High,
		Low:   b.Low,
	}
}

// HistoricalBars fetches the initial bar history and, when the stream is
// connected, registers the series for live updates.
func (c *Client) HistoricalBars(inst Instrument, period, barSize string) (*BarSeries, error) {
	type historyResponse struct {
		Data []barResponse `json:"data"`
	}

	req := c.client.R().
		SetResult(&historyResponse{}).
		SetQueryParam("conid", strconv.FormatInt(inst.ConID, 10)).
		SetQueryParam("period", period).
		SetQueryParam("bar", barSize).
		SetQueryParam("outsideRth", "true")
	resp, err := c.doRequest(context.Background(), "GET", "/iserver/marketdata/history", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get history for %s: %w", inst.Symbol, err)
	}
	result := resp.Result().(*historyResponse)

	series := &BarSeries{Instrument: inst, Period: period, BarSize: barSize}
	for _, b := range result.Data {
		series.Bars = append(series.Bars, b.bar())
	}

	if err := c.stream.Subscribe(series); err != nil {
		// One-shot commands run without the stream; a static snapshot is fine.
		c.logger.Debug("Bar subscription not streaming", zap.String("symbol", inst.Symbol), zap.Error(err))
	}
	return series, nil
}

// CancelHistoricalBars closes a bar subscription.
func (c *Client) CancelHistoricalBars(series *BarSeries) error {
	return c.stream.Unsubscribe(series)
}

// WaitForUpdate blocks until the broker pushes an update or the timeout elapses.
func (c *Client) WaitForUpdate(timeout time.Duration) error {
	return c.stream.WaitForUpdate(timeout)
}

// Disconnect closes the streaming connection.
func (c *Client) Disconnect() error {
	return c.stream.Close()
}

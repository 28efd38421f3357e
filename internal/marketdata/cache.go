package marketdata

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andrey-zotov/ib-console/internal/broker"
)

// Duration selects the bar resolution and covered span of a subscription.
type Duration int

const (
	// DurationDay is 1-minute bars over one day.
	DurationDay Duration = iota + 1
	// DurationMonth is 1-day bars over one month.
	DurationMonth
)

// barParams maps a duration to the gateway's period and bar-size strings.
func barParams(d Duration) (period, barSize string) {
	if d == DurationMonth {
		return "1m", "1day"
	}
	return "1d", "1min"
}

// BarSource is the slice of the broker surface the cache needs.
type BarSource interface {
	HistoricalBars(inst broker.Instrument, period, barSize string) (*broker.BarSeries, error)
	CancelHistoricalBars(series *broker.BarSeries) error
}

// Series is one cached live bar subscription plus its derived readers.
type Series struct {
	Instrument broker.Instrument
	Duration   Duration
	bars       *broker.BarSeries
}

// optionMultiplier reflects the 100-share contract convention for options.
const optionMultiplier = 100.

// barValue is the per-bar sample: the open/close average when the bar has a
// close, else the open, scaled by the contract multiplier for options.
func (s *Series) barValue(b broker.Bar) float64 {
	v := b.Open
	if b.Close != 0 {
		v = (b.Open + b.Close) / 2
	}
	if s.Instrument.SecType == broker.SecTypeOption {
		v *= optionMultiplier
	}
	return v
}

// Values returns the chronological per-bar samples.
func (s *Series) Values() []float64 {
	values := make([]float64, 0, len(s.bars.Bars))
	for _, b := range s.bars.Bars {
		values = append(values, s.barValue(b))
	}
	return values
}

// LastValue returns the most recent sample, or false when no data arrived yet.
func (s *Series) LastValue() (float64, bool) {
	if len(s.bars.Bars) == 0 {
		return 0, false
	}
	return s.barValue(s.bars.Bars[len(s.bars.Bars)-1]), true
}

// ChartData wraps the samples with the series' time span.
func (s *Series) ChartData() ChartData {
	data := ChartData{Values: s.Values()}
	if n := len(s.bars.Bars); n > 0 {
		data.TimeFrom = s.bars.Bars[0].Time
		data.TimeTo = s.bars.Bars[n-1].Time
	} else {
		now := time.Now()
		data.TimeFrom = now
		data.TimeTo = now
	}
	return data
}

// Cache holds at most one live bar subscription per (instrument, duration)
// pair. Every subscription opened here must be released; ReleaseAll runs
// before disconnecting so nothing leaks on the broker side.
type Cache struct {
	source BarSource
	logger *zap.Logger
	series []*Series
}

// NewCache creates an empty cache over the given bar source.
func NewCache(source BarSource, logger *zap.Logger) *Cache {
	return &Cache{source: source, logger: logger}
}

// find returns the cached series matching by structural instrument equality
// and duration, or nil.
func (c *Cache) find(inst broker.Instrument, d Duration) *Series {
	for _, s := range c.series {
		if s.Instrument == inst && s.Duration == d {
			return s
		}
	}
	return nil
}

// Query returns the cached subscription for the pair, opening a new one on
// first use. Repeated calls with an equivalent instrument return the same
// series object.
func (c *Cache) Query(inst broker.Instrument, d Duration) (*Series, error) {
	if s := c.find(inst, d); s != nil {
		return s, nil
	}

	period, barSize := barParams(d)
	bars, err := c.source.HistoricalBars(inst, period, barSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open bar subscription for %s: %w", inst.Symbol, err)
	}

	s := &Series{Instrument: inst, Duration: d, bars: bars}
	c.series = append(c.series, s)
	c.logger.Debug("Opened bar subscription",
		zap.String("symbol", inst.Symbol),
		zap.String("period", period),
		zap.String("bar_size", barSize),
	)
	return s, nil
}

// Release cancels and removes a cached subscription; absent pairs are a no-op.
func (c *Cache) Release(inst broker.Instrument, d Duration) error {
	for i, s := range c.series {
		if s.Instrument == inst && s.Duration == d {
			c.series = append(c.series[:i], c.series[i+1:]...)
			if err := c.source.CancelHistoricalBars(s.bars); err != nil {
				return fmt.Errorf("failed to cancel bar subscription for %s: %w", inst.Symbol, err)
			}
			return nil
		}
	}
	return nil
}

// ReleaseAll cancels every cached subscription. Called before disconnect.
func (c *Cache) ReleaseAll() {
	for _, s := range c.series {
		if err := c.source.CancelHistoricalBars(s.bars); err != nil {
			c.logger.Warn("Failed to cancel bar subscription",
				zap.String("symbol", s.Instrument.Symbol), zap.Error(err))
		}
	}
	c.series = nil
}

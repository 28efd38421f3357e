package broker

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrUnresolved means a symbol could not be disambiguated to a single
// instrument on any of the fallback venues.
var ErrUnresolved = errors.New("broker: symbol unresolved")

// ContractLookup is the single broker call the resolver needs.
type ContractLookup interface {
	ContractDetails(symbol, venue string) ([]Instrument, error)
}

// Resolver resolves ticker symbols to instrument descriptors. A symbol that
// is ambiguous or absent on the aggregated venue is retried on a fixed chain
// of listing venues; successful resolutions are memoized.
type Resolver struct {
	lookup ContractLookup
	logger *zap.Logger
	venues []string
	cache  map[string]Instrument
}

// NewResolver creates a resolver over the given lookup.
func NewResolver(lookup ContractLookup, logger *zap.Logger) *Resolver {
	return &Resolver{
		lookup: lookup,
		logger: logger,
		venues: []string{VenueSmart, VenueIsland, VenueNYSE},
		cache:  make(map[string]Instrument),
	}
}

// Resolve returns the instrument for a symbol, trying each venue in order
// until exactly one candidate is found. Ambiguity after the last venue is an
// ErrUnresolved failure, never a guess.
func (r *Resolver) Resolve(symbol string) (Instrument, error) {
	if inst, ok := r.cache[symbol]; ok {
		return inst, nil
	}

	for _, venue := range r.venues {
		candidates, err := r.lookup.ContractDetails(symbol, venue)
		if err != nil {
			return Instrument{}, fmt.Errorf("contract lookup for %s at %s failed: %w", symbol, venue, err)
		}
		if len(candidates) == 1 {
			r.cache[symbol] = candidates[0]
			return candidates[0], nil
		}
		r.logger.Debug("Symbol not unique at venue, trying next",
			zap.String("symbol", symbol),
			zap.String("venue", venue),
			zap.Int("candidates", len(candidates)),
		)
	}

	r.logger.Error("Could not unequivocally resolve symbol",
		zap.String("symbol", symbol),
		zap.Strings("venues", r.venues),
	)
	return Instrument{}, fmt.Errorf("%w: %s", ErrUnresolved, symbol)
}

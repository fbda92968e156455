package marketdata

import (
	"context"
	"fmt"
)

// SpotLookup is satisfied by QuoteCache.
type SpotLookup interface {
	Lookup(ctx context.Context, symbol string) (Quote, bool, error)
}

// Resolver routes a position symbol to the adapter that prices it.
type Resolver struct {
	spot   SpotLookup
	fx     Fetcher
	metals Fetcher
}

func NewResolver(spot SpotLookup, fx, metals Fetcher) *Resolver {
	return &Resolver{spot: spot, fx: fx, metals: metals}
}

// Resolve returns the current quote for symbol. The quote may carry a fallback source;
// callers decide with Quote.Usable whether it counts as a live price.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (Quote, error) {
	canonical := CanonicalSymbol(symbol)

	switch Classify(symbol) {
	case ClassForex:
		return r.fromFetcher(ctx, r.fx, canonical)
	case ClassCommodity:
		return r.fromFetcher(ctx, r.metals, canonical)
	default:
		if r.spot == nil {
			return Quote{}, fmt.Errorf("marketdata: no spot source for %s", symbol)
		}
		q, ok, err := r.spot.Lookup(ctx, canonical)
		if err != nil {
			return Quote{}, err
		}
		if !ok {
			return Quote{}, fmt.Errorf("marketdata: %s not listed", canonical)
		}
		return q, nil
	}
}

func (r *Resolver) fromFetcher(ctx context.Context, f Fetcher, symbol string) (Quote, error) {
	if f == nil {
		return Quote{}, fmt.Errorf("marketdata: no source for %s", symbol)
	}
	res, err := f.FetchLatest(ctx, []string{symbol})
	if err != nil {
		return Quote{}, err
	}
	q, ok := res.Find(symbol)
	if !ok {
		return Quote{}, fmt.Errorf("marketdata: %s missing from %s result", symbol, res.Origin)
	}
	return q, nil
}

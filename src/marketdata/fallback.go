package marketdata

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed fallback.yaml
var fallbackYAML []byte

type fallbackQuote struct {
	Symbol    string `yaml:"symbol"`
	Name      string `yaml:"name"`
	Price     string `yaml:"price"`
	ChangePct string `yaml:"change_pct"`
	Volume24h string `yaml:"volume_24h"`
}

type fallbackFile struct {
	Spot []fallbackQuote `yaml:"spot"`
	FX   struct {
		Base  string            `yaml:"base"`
		Rates map[string]string `yaml:"rates"`
	} `yaml:"fx"`
	Metals     []fallbackQuote   `yaml:"metals"`
	CandleBase map[string]string `yaml:"candle_base"`
}

// Fallbacks is the parsed static dataset.
type Fallbacks struct {
	Spot       []Quote
	FXBase     string
	FXRates    map[string]decimal.Decimal
	Metals     []Quote
	CandleBase map[string]decimal.Decimal
}

var (
	fallbackOnce sync.Once
	fallbacks    *Fallbacks
	fallbackErr  error
)

// LoadFallbacks parses the embedded dataset once.
func LoadFallbacks() (*Fallbacks, error) {
	fallbackOnce.Do(func() {
		fallbacks, fallbackErr = ParseFallbacks(fallbackYAML)
	})
	return fallbacks, fallbackErr
}

// MustFallbacks is LoadFallbacks for package wiring; the dataset is compiled in, so a
// parse failure is a build defect.
func MustFallbacks() *Fallbacks {
	fb, err := LoadFallbacks()
	if err != nil {
		panic(err)
	}
	return fb
}

func ParseFallbacks(raw []byte) (*Fallbacks, error) {
	var file fallbackFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("marketdata: parse fallback dataset: %w", err)
	}

	fb := &Fallbacks{
		FXBase:     strings.ToUpper(file.FX.Base),
		FXRates:    make(map[string]decimal.Decimal, len(file.FX.Rates)),
		CandleBase: make(map[string]decimal.Decimal, len(file.CandleBase)),
	}

	var err error
	if fb.Spot, err = toQuotes(file.Spot); err != nil {
		return nil, err
	}
	if fb.Metals, err = toQuotes(file.Metals); err != nil {
		return nil, err
	}
	for ccy, rate := range file.FX.Rates {
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("marketdata: fx rate %s: %w", ccy, err)
		}
		fb.FXRates[strings.ToUpper(ccy)] = d
	}
	for sym, price := range file.CandleBase {
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("marketdata: candle base %s: %w", sym, err)
		}
		fb.CandleBase[strings.ToUpper(sym)] = d
	}
	return fb, nil
}

func toQuotes(rows []fallbackQuote) ([]Quote, error) {
	out := make([]Quote, 0, len(rows))
	for _, row := range rows {
		price, err := decimal.NewFromString(row.Price)
		if err != nil {
			return nil, fmt.Errorf("marketdata: fallback price %s: %w", row.Symbol, err)
		}
		change := decimal.Zero
		if row.ChangePct != "" {
			if change, err = decimal.NewFromString(row.ChangePct); err != nil {
				return nil, fmt.Errorf("marketdata: fallback change %s: %w", row.Symbol, err)
			}
		}
		volume := decimal.Zero
		if row.Volume24h != "" {
			if volume, err = decimal.NewFromString(row.Volume24h); err != nil {
				return nil, fmt.Errorf("marketdata: fallback volume %s: %w", row.Symbol, err)
			}
		}
		high, low := DeriveHighLow(price, change)
		out = append(out, Quote{
			Symbol:    strings.ToUpper(row.Symbol),
			Name:      row.Name,
			Price:     price,
			ChangePct: change,
			High24h:   high,
			Low24h:    low,
			Volume24h: volume,
			Source:    SourceFallback,
		})
	}
	return out, nil
}

// SpotResult returns the spot table restricted to symbols (all rows when symbols is empty).
// Requested symbols missing from the table are skipped; an empty filter result falls back
// to the whole table so the caller never gets an empty set.
func (f *Fallbacks) SpotResult(symbols []string, at time.Time) Result {
	return Result{Origin: OriginFallback, Quotes: pick(f.Spot, symbols, at), FetchedAt: at}
}

func (f *Fallbacks) MetalsResult(symbols []string, at time.Time) Result {
	return Result{Origin: OriginFallback, Quotes: pick(f.Metals, symbols, at), FetchedAt: at}
}

// MetalQuote returns the static quote for one metal symbol.
func (f *Fallbacks) MetalQuote(symbol string, at time.Time) (Quote, bool) {
	for _, q := range f.Metals {
		if q.Symbol == symbol {
			q.FetchedAt = at
			return q, true
		}
	}
	return Quote{}, false
}

// FXResult builds cross rates for pairs such as "EUR/USD" from the static table.
func (f *Fallbacks) FXResult(pairs []string, at time.Time) Result {
	quotes := CrossRates(f.FXRates, pairs, SourceFallback, at)
	if len(quotes) == 0 {
		quotes = CrossRates(f.FXRates, f.defaultPairs(), SourceFallback, at)
	}
	return Result{Origin: OriginFallback, Quotes: quotes, FetchedAt: at}
}

func (f *Fallbacks) defaultPairs() []string {
	pairs := make([]string, 0, len(f.FXRates))
	for ccy := range f.FXRates {
		if ccy == f.FXBase {
			continue
		}
		pairs = append(pairs, ccy+"/"+f.FXBase)
	}
	sort.Strings(pairs)
	return pairs
}

// BasePrice seeds candle synthesis for symbol. Unknown symbols use the spot table, then 100.
func (f *Fallbacks) BasePrice(symbol string) decimal.Decimal {
	symbol = strings.ToUpper(symbol)
	if p, ok := f.CandleBase[symbol]; ok {
		return p
	}
	base := BaseAsset(symbol)
	if p, ok := f.CandleBase[base]; ok {
		return p
	}
	for _, q := range f.Spot {
		if q.Symbol == base {
			return q.Price
		}
	}
	for _, q := range f.Metals {
		if q.Symbol == base {
			return q.Price
		}
	}
	return hundred
}

// CrossRates converts a table of rates quoted against one base currency into pair quotes.
// The price of AAA/BBB is rates[BBB] / rates[AAA].
func CrossRates(rates map[string]decimal.Decimal, pairs []string, source Source, at time.Time) []Quote {
	out := make([]Quote, 0, len(pairs))
	for _, pair := range pairs {
		baseCcy, quoteCcy, ok := SplitPair(pair)
		if !ok {
			continue
		}
		b, okB := rates[baseCcy]
		q, okQ := rates[quoteCcy]
		if !okB || !okQ || !b.IsPositive() {
			continue
		}
		price := q.DivRound(b, 8)
		out = append(out, Quote{
			Symbol:    baseCcy + "/" + quoteCcy,
			Price:     price,
			ChangePct: decimal.Zero,
			High24h:   price,
			Low24h:    price,
			Source:    source,
			FetchedAt: at,
		})
	}
	return out
}

func pick(table []Quote, symbols []string, at time.Time) []Quote {
	if len(symbols) == 0 {
		return stamp(table, at)
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = true
	}
	var out []Quote
	for _, q := range table {
		if want[q.Symbol] {
			q.FetchedAt = at
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return stamp(table, at)
	}
	return out
}

func stamp(table []Quote, at time.Time) []Quote {
	out := make([]Quote, len(table))
	for i, q := range table {
		q.FetchedAt = at
		out[i] = q
	}
	return out
}

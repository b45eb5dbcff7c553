// Package catalog holds the static instrument reference data.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

//go:embed instruments.yaml
var defaultInstruments []byte

// Contract sizes per asset class.
var unitMultipliers = map[models.AssetClass]float64{
	models.AssetCrypto:    1,
	models.AssetStock:     100,
	models.AssetForex:     100000,
	models.AssetCommodity: 1,
	models.AssetIndex:     1,
}

type catalogFile struct {
	Instruments []models.Instrument `yaml:"instruments"`
}

// Catalog is an immutable, ordered set of instruments.
type Catalog struct {
	instruments []models.Instrument
	bySymbol    map[string]int
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultInstruments)
	if err != nil {
		panic(fmt.Sprintf("embedded instrument catalog is invalid: %v", err))
	}
	return c
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, fmt.Errorf("catalog has no instruments")
	}

	c := &Catalog{
		instruments: make([]models.Instrument, 0, len(f.Instruments)),
		bySymbol:    make(map[string]int, len(f.Instruments)),
	}
	for _, inst := range f.Instruments {
		inst.Symbol = strings.ToUpper(strings.TrimSpace(inst.Symbol))
		if inst.Symbol == "" {
			return nil, fmt.Errorf("instrument with empty symbol")
		}
		if _, dup := c.bySymbol[inst.Symbol]; dup {
			return nil, fmt.Errorf("duplicate instrument %s", inst.Symbol)
		}
		if !inst.AssetClass.Valid() {
			return nil, fmt.Errorf("instrument %s: unknown asset class %q", inst.Symbol, inst.AssetClass)
		}
		if inst.ReferencePrice <= 0 {
			return nil, fmt.Errorf("instrument %s: reference price must be positive", inst.Symbol)
		}
		if inst.QuoteSymbol == "" {
			inst.QuoteSymbol = inst.Symbol
		}
		c.bySymbol[inst.Symbol] = len(c.instruments)
		c.instruments = append(c.instruments, inst)
	}
	return c, nil
}

// All returns every instrument in catalog order.
func (c *Catalog) All() []models.Instrument {
	out := make([]models.Instrument, len(c.instruments))
	copy(out, c.instruments)
	return out
}

// Symbols returns the display symbols in catalog order.
func (c *Catalog) Symbols() []string {
	out := make([]string, len(c.instruments))
	for i, inst := range c.instruments {
		out[i] = inst.Symbol
	}
	return out
}

// Get looks up an instrument by display symbol.
func (c *Catalog) Get(symbol string) (models.Instrument, error) {
	idx, ok := c.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return models.Instrument{}, fmt.Errorf("%w: %s", errors.ErrSymbolNotFound, symbol)
	}
	return c.instruments[idx], nil
}

// Has reports whether the symbol is in the catalog.
func (c *Catalog) Has(symbol string) bool {
	_, ok := c.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}

// Search matches the query case-insensitively against symbol and name.
func (c *Catalog) Search(query string) []models.Instrument {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return c.All()
	}
	var out []models.Instrument
	for _, inst := range c.instruments {
		if strings.Contains(strings.ToLower(inst.Symbol), q) || strings.Contains(strings.ToLower(inst.Name), q) {
			out = append(out, inst)
		}
	}
	return out
}

// Favorites returns the instruments flagged as favorites, sorted by symbol.
func (c *Catalog) Favorites() []models.Instrument {
	var out []models.Instrument
	for _, inst := range c.instruments {
		if inst.Favorite {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UnitMultiplier returns the contract size for symbol. Unknown symbols
// count as 1.
func (c *Catalog) UnitMultiplier(symbol string) float64 {
	inst, err := c.Get(symbol)
	if err != nil {
		return 1
	}
	return unitMultipliers[inst.AssetClass]
}

// PriceDecimals returns the display precision for symbol.
func (c *Catalog) PriceDecimals(symbol string) int {
	inst, err := c.Get(symbol)
	if err != nil {
		return 2
	}
	if inst.AssetClass == models.AssetForex {
		if strings.Contains(inst.Symbol, "JPY") {
			return 3
		}
		return 5
	}
	return 2
}

// FormatPrice renders price with the symbol's display precision.
func (c *Catalog) FormatPrice(symbol string, price float64) string {
	return strconv.FormatFloat(price, 'f', c.PriceDecimals(symbol), 64)
}

// NormalizeSymbol maps an external chart symbol such as "BINANCE:BTCUSDT"
// or "NASDAQ:AAPL" to its display form.
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	if strings.HasSuffix(s, "USDT") {
		s = strings.TrimSuffix(s, "USDT") + "USD"
	}
	return s
}

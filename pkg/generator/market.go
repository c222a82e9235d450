package generator

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"procodus.dev/metrics-hub/pkg/telemetry"
)

// MarketDeviceName is the device that carries stock quotes in a submission.
const MarketDeviceName = "market"

// StockPriceMetric returns the metric name used for a stock symbol.
func StockPriceMetric(symbol string) string {
	return fmt.Sprintf("Stock Price (%s)", symbol)
}

// Market simulates stock quotes as a geometric random walk per symbol.
type Market struct {
	rng        *rand.Rand
	symbols    []string
	prices     map[string]float64
	volatility map[string]float64
}

// NormalizeSymbols upper-cases, trims and de-duplicates symbols, keeping order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func newMarket(symbols []string, rng *rand.Rand) *Market {
	m := &Market{
		rng:        rng,
		symbols:    symbols,
		prices:     make(map[string]float64, len(symbols)),
		volatility: make(map[string]float64, len(symbols)),
	}
	for _, s := range symbols {
		m.prices[s] = 20 + rng.Float64()*480 // $20-$500
		m.volatility[s] = 0.002 + rng.Float64()*0.01
	}
	return m
}

// Symbols returns the quoted symbols.
func (m *Market) Symbols() []string {
	return m.symbols
}

// Quote advances the walk for symbol and returns the new price.
func (m *Market) Quote(symbol string) float64 {
	price := m.prices[symbol]
	step := m.rng.NormFloat64() * m.volatility[symbol]

	// Rare news event (1% chance)
	if m.rng.Float64() < 0.01 {
		step += (m.rng.Float64() - 0.5) * 0.1
	}

	price = math.Max(0.01, price*math.Exp(step))
	m.prices[symbol] = price
	return round(price, 2)
}

// Snapshot quotes every symbol at t.
func (m *Market) Snapshot(t time.Time, timezoneMins int) telemetry.Snapshot {
	metrics := make([]telemetry.Metric, 0, len(m.symbols))
	for _, s := range m.symbols {
		metrics = append(metrics, telemetry.Metric{Name: StockPriceMetric(s), Value: m.Quote(s)})
	}
	return telemetry.Snapshot{
		TimestampCapture: t,
		TimezoneMins:     timezoneMins,
		Metrics:          metrics,
	}
}

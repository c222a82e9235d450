package frontend

import (
	"fmt"
	"math"
	"strings"
	"time"

	"procodus.dev/metrics-hub/pkg/hubrpc"
)

const (
	stockMetricPrefix = "Stock Price ("
	stockMetricSuffix = ")"

	// StockPricePattern matches every stock quote metric.
	StockPricePattern = stockMetricPrefix + "%" + stockMetricSuffix

	chartWidth  = 640
	chartHeight = 220
	chartPad    = 10
)

type chartPoint struct {
	Time  time.Time
	Value float64
}

type series struct {
	Name   string
	Points []chartPoint
}

type chart struct {
	Title  string
	Unit   string
	Series []series
}

func (c chart) pointCount() int {
	n := 0
	for _, s := range c.Series {
		n += len(s.Points)
	}
	return n
}

// seriesByAggregator splits points into one series per aggregator name,
// keeping first-seen order.
func seriesByAggregator(points []hubrpc.Point) []series {
	return groupPoints(points, func(p hubrpc.Point) string { return p.AggregatorName })
}

func groupPoints(points []hubrpc.Point, key func(hubrpc.Point) string) []series {
	index := map[string]int{}
	var out []series
	for _, p := range points {
		k := key(p)
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, series{Name: k})
		}
		out[i].Points = append(out[i].Points, chartPoint{Time: p.Timestamp, Value: p.Value})
	}
	return out
}

// symbolFromMetric extracts SYM from "Stock Price (SYM)".
func symbolFromMetric(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, stockMetricPrefix)
	if !ok {
		return "", false
	}
	symbol, ok := strings.CutSuffix(rest, stockMetricSuffix)
	if !ok || symbol == "" {
		return "", false
	}
	return symbol, true
}

// normalizeStocks converts ascending quote points into one series per
// symbol holding the percent change from that symbol's first quote. When
// symbols is non-empty only those symbols are kept, in that order. A symbol
// whose first quote is zero has no baseline and is dropped.
func normalizeStocks(points []hubrpc.Point, symbols []string) []series {
	bySymbol := groupPoints(points, func(p hubrpc.Point) string {
		symbol, ok := symbolFromMetric(p.MetricName)
		if !ok {
			return ""
		}
		return symbol
	})

	found := make(map[string]series, len(bySymbol))
	order := make([]string, 0, len(bySymbol))
	for _, s := range bySymbol {
		if s.Name == "" || len(s.Points) == 0 || s.Points[0].Value == 0 {
			continue
		}
		base := s.Points[0].Value
		normalized := series{Name: s.Name, Points: make([]chartPoint, len(s.Points))}
		for i, p := range s.Points {
			normalized.Points[i] = chartPoint{Time: p.Time, Value: (p.Value - base) / base * 100}
		}
		found[s.Name] = normalized
		order = append(order, s.Name)
	}

	if len(symbols) > 0 {
		order = symbols
	}

	out := make([]series, 0, len(order))
	for _, name := range order {
		if s, ok := found[name]; ok {
			out = append(out, s)
		}
	}
	return out
}

type bounds struct {
	minT, maxT time.Time
	minV, maxV float64
}

func chartBounds(all []series) (bounds, bool) {
	b := bounds{minV: math.Inf(1), maxV: math.Inf(-1)}
	seen := false
	for _, s := range all {
		for _, p := range s.Points {
			if !seen || p.Time.Before(b.minT) {
				b.minT = p.Time
			}
			if !seen || p.Time.After(b.maxT) {
				b.maxT = p.Time
			}
			b.minV = math.Min(b.minV, p.Value)
			b.maxV = math.Max(b.maxV, p.Value)
			seen = true
		}
	}
	if !seen {
		return b, false
	}
	if b.maxV == b.minV {
		b.minV--
		b.maxV++
	}
	return b, true
}

// polyline renders s as SVG polyline coordinates inside the chart area.
func polyline(s series, b bounds) string {
	span := b.maxT.Sub(b.minT).Seconds()
	var sb strings.Builder
	for i, p := range s.Points {
		x := float64(chartPad)
		if span > 0 {
			x += p.Time.Sub(b.minT).Seconds() / span * (chartWidth - 2*chartPad)
		} else if len(s.Points) > 1 {
			x += float64(i) / float64(len(s.Points)-1) * (chartWidth - 2*chartPad)
		}
		y := chartPad + (b.maxV-p.Value)/(b.maxV-b.minV)*(chartHeight-2*chartPad)
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%.1f,%.1f", x, y)
	}
	return sb.String()
}

package frontend_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/metrics-hub/internal/frontend"
	"procodus.dev/metrics-hub/pkg/hubrpc"
)

var _ = Describe("Charts", func() {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	quote := func(symbol string, minute int, value float64) hubrpc.Point {
		return hubrpc.Point{
			Timestamp:      t0.Add(time.Duration(minute) * time.Minute),
			MetricName:     "Stock Price (" + symbol + ")",
			AggregatorName: "Fleet-A",
			Value:          value,
		}
	}

	Describe("SymbolFromMetric", func() {
		DescribeTable("parsing",
			func(name, symbol string, ok bool) {
				got, found := frontend.SymbolFromMetric(name)
				Expect(found).To(Equal(ok))
				Expect(got).To(Equal(symbol))
			},
			Entry("stock metric", "Stock Price (GOOG)", "GOOG", true),
			Entry("dotted symbol", "Stock Price (BRK.B)", "BRK.B", true),
			Entry("empty symbol", "Stock Price ()", "", false),
			Entry("other metric", "CPU Percent", "", false),
			Entry("missing suffix", "Stock Price (GOOG", "", false),
		)
	})

	Describe("NormalizeStocks", func() {
		It("should express quotes as percent change from the first value", func() {
			series := frontend.NormalizeStocks([]hubrpc.Point{
				quote("GOOG", 0, 100),
				quote("MSFT", 0, 200),
				quote("GOOG", 1, 110),
				quote("MSFT", 1, 150),
				quote("GOOG", 2, 95),
			}, nil)

			Expect(series).To(HaveLen(2))
			Expect(series[0].Name).To(Equal("GOOG"))
			Expect(series[0].Values).To(HaveLen(3))
			Expect(series[0].Values[0]).To(BeNumerically("~", 0, 1e-9))
			Expect(series[0].Values[1]).To(BeNumerically("~", 10, 1e-9))
			Expect(series[0].Values[2]).To(BeNumerically("~", -5, 1e-9))
			Expect(series[1].Name).To(Equal("MSFT"))
			Expect(series[1].Values[1]).To(BeNumerically("~", -25, 1e-9))
		})

		It("should keep only configured symbols in configured order", func() {
			series := frontend.NormalizeStocks([]hubrpc.Point{
				quote("GOOG", 0, 100),
				quote("MSFT", 0, 200),
				quote("IBM", 0, 50),
			}, []string{"IBM", "GOOG", "AAPL"})

			Expect(series).To(HaveLen(2))
			Expect(series[0].Name).To(Equal("IBM"))
			Expect(series[1].Name).To(Equal("GOOG"))
		})

		It("should drop symbols without a usable baseline", func() {
			series := frontend.NormalizeStocks([]hubrpc.Point{
				quote("ZERO", 0, 0),
				quote("ZERO", 1, 5),
			}, nil)
			Expect(series).To(BeEmpty())
		})

		It("should ignore non-stock metrics", func() {
			series := frontend.NormalizeStocks([]hubrpc.Point{
				{Timestamp: t0, MetricName: "Stock Price", Value: 1},
			}, nil)
			Expect(series).To(BeEmpty())
		})
	})

	Describe("SeriesByAggregator", func() {
		It("should group points by aggregator in first-seen order", func() {
			series := frontend.SeriesByAggregator([]hubrpc.Point{
				{Timestamp: t0, AggregatorName: "B", Value: 1},
				{Timestamp: t0, AggregatorName: "A", Value: 2},
				{Timestamp: t0.Add(time.Minute), AggregatorName: "B", Value: 3},
			})

			Expect(series).To(Equal([]frontend.Series{
				{Name: "B", Values: []float64{1, 3}},
				{Name: "A", Values: []float64{2}},
			}))
		})
	})
})

package frontend_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/metrics-hub/internal/frontend"
	"procodus.dev/metrics-hub/pkg/hubrpc"
)

var _ = Describe("Frontend Server", func() {
	Describe("NewServer", func() {
		It("should create a server", func() {
			server, err := frontend.NewServer(&frontend.ServerConfig{
				Logger:          newTestLogger(),
				HTTPPort:        8080,
				BackendGRPCAddr: "localhost:9090",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(server).NotTo(BeNil())
		})

		It("should accept an injected client instead of an address", func() {
			server, err := frontend.NewServer(&frontend.ServerConfig{
				Logger:   newTestLogger(),
				HTTPPort: 8080,
				Client:   newFakeHub(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(server).NotTo(BeNil())
		})

		It("should return error when config is nil", func() {
			server, err := frontend.NewServer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(server).To(BeNil())
		})

		DescribeTable("invalid configuration",
			func(cfg *frontend.ServerConfig, message string) {
				if cfg.Logger == nil && message != "logger" {
					cfg.Logger = newTestLogger()
				}
				server, err := frontend.NewServer(cfg)
				Expect(err).To(MatchError(ContainSubstring(message)))
				Expect(server).To(BeNil())
			},
			Entry("nil logger", &frontend.ServerConfig{HTTPPort: 8080, BackendGRPCAddr: "localhost:9090"}, "logger"),
			Entry("zero port", &frontend.ServerConfig{HTTPPort: 0, BackendGRPCAddr: "localhost:9090"}, "HTTP port"),
			Entry("negative port", &frontend.ServerConfig{HTTPPort: -1, BackendGRPCAddr: "localhost:9090"}, "HTTP port"),
			Entry("no backend", &frontend.ServerConfig{HTTPPort: 8080}, "backend gRPC address"),
		)
	})

	Describe("Run", func() {
		It("should shut down when the context is canceled", func() {
			server, err := frontend.NewServer(&frontend.ServerConfig{
				Logger:          newTestLogger(),
				HTTPPort:        18081,
				BackendGRPCAddr: "invalid:9090",
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()
			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})

		It("should shut down immediately with a pre-canceled context", func() {
			server, err := frontend.NewServer(&frontend.ServerConfig{
				Logger:          newTestLogger(),
				HTTPPort:        18082,
				BackendGRPCAddr: "invalid:9090",
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()
			Eventually(done, time.Second).Should(Receive())
		})
	})

	Describe("Shutdown", func() {
		It("should be safe to call repeatedly on a server that never ran", func() {
			server, err := frontend.NewServer(&frontend.ServerConfig{
				Logger:          newTestLogger(),
				HTTPPort:        8083,
				BackendGRPCAddr: "localhost:9090",
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(server.Shutdown()).To(Succeed())
			Expect(server.Shutdown()).To(Succeed())
		})
	})
})

var _ = Describe("Dashboard pages", func() {
	var (
		hub     *fakeHub
		handler http.Handler
		t0      time.Time
	)

	get := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	BeforeEach(func() {
		t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		hub = newFakeHub()
		hub.aggregators = []hubrpc.Aggregator{
			{ID: 1, GUID: "g1", Name: "Fleet-A", DeviceCount: 2, CreatedAt: t0},
			{ID: 2, GUID: "g2", Name: "<script>alert(1)</script>", DeviceCount: 1, CreatedAt: t0},
		}

		server, err := frontend.NewServer(&frontend.ServerConfig{
			Logger:       newTestLogger(),
			HTTPPort:     8080,
			Client:       hub,
			Metrics:      suiteMetrics,
			StockSymbols: []string{"goog", "MSFT"},
		})
		Expect(err).NotTo(HaveOccurred())
		handler = server.Routes()
	})

	Describe("GET /", func() {
		It("should list aggregators with escaped names", func() {
			rec := get("/")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(HavePrefix("text/html"))
			body := rec.Body.String()
			Expect(body).To(ContainSubstring("Fleet-A"))
			Expect(body).To(ContainSubstring(`/system?aggregator=1`))
			Expect(body).To(ContainSubstring("&lt;script&gt;"))
			Expect(body).NotTo(ContainSubstring("<script>alert"))
		})

		It("should show an empty state", func() {
			hub.aggregators = nil
			Expect(get("/").Body.String()).To(ContainSubstring("No aggregators have reported yet."))
		})

		It("should fail when the backend fails", func() {
			hub.err = errors.New("unavailable")
			rec := get("/")
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).To(ContainSubstring("Failed to fetch aggregators"))
		})

		It("should not serve unknown paths", func() {
			Expect(get("/nope").Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /system", func() {
		BeforeEach(func() {
			hub.series["CPU Percent"] = []hubrpc.Point{
				{Timestamp: t0, AggregatorName: "Fleet-A", Value: 42.5},
				{Timestamp: t0.Add(time.Minute), AggregatorName: "Fleet-A", Value: 50},
				{Timestamp: t0, AggregatorName: "Fleet-B", Value: 10},
			}
			hub.latest["CPU Percent"] = &hubrpc.Point{Timestamp: t0.Add(time.Minute), AggregatorName: "Fleet-A", Value: 50}
		})

		It("should chart every system metric across aggregators", func() {
			rec := get("/system")

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := rec.Body.String()
			Expect(body).To(ContainSubstring("CPU Percent"))
			Expect(body).To(ContainSubstring("RAM Usage"))
			Expect(body).To(ContainSubstring("<polyline"))
			Expect(body).To(ContainSubstring("No data yet."))
			Expect(body).NotTo(ContainSubstring(`class="gauge"`))

			Expect(hub.seriesRequests).To(HaveLen(2))
			for _, req := range hub.seriesRequests {
				Expect(req.AggregatorID).To(BeZero())
			}
			Expect(hub.latestRequests).To(BeEmpty())
		})

		It("should show latest gauges for the selected aggregator", func() {
			rec := get("/system?aggregator=1")

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := rec.Body.String()
			Expect(body).To(ContainSubstring(`<option value="1" selected>`))
			Expect(body).To(ContainSubstring(`<p class="value">50.00</p>`))
			Expect(body).To(ContainSubstring("no data"))

			Expect(hub.latestRequests).To(HaveLen(2))
			Expect(hub.latestRequests[0].AggregatorID).To(Equal(uint64(1)))
		})

		DescribeTable("invalid aggregator ids",
			func(target string) {
				Expect(get(target).Code).To(Equal(http.StatusBadRequest))
			},
			Entry("not a number", "/system?aggregator=abc"),
			Entry("zero", "/system?aggregator=0"),
			Entry("negative", "/system?aggregator=-3"),
		)

		It("should fail when the backend fails", func() {
			hub.err = errors.New("unavailable")
			Expect(get("/system").Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("GET /stocks", func() {
		It("should chart configured symbols as percent change", func() {
			hub.pattern = []hubrpc.Point{
				{Timestamp: t0, MetricName: "Stock Price (GOOG)", Value: 100},
				{Timestamp: t0, MetricName: "Stock Price (IBM)", Value: 100},
				{Timestamp: t0.Add(time.Minute), MetricName: "Stock Price (GOOG)", Value: 110},
			}

			rec := get("/stocks")

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := rec.Body.String()
			Expect(body).To(ContainSubstring("GOOG"))
			Expect(body).NotTo(ContainSubstring("IBM"))
			Expect(body).To(ContainSubstring("0.00% to 10.00%"))

			Expect(hub.patternRequests).To(HaveLen(1))
			Expect(hub.patternRequests[0].Pattern).To(Equal(frontend.StockPricePattern))
		})

		It("should show an empty chart without quotes", func() {
			Expect(get("/stocks").Body.String()).To(ContainSubstring("No data yet."))
		})

		It("should fail when the backend fails", func() {
			hub.err = errors.New("unavailable")
			Expect(get("/stocks").Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("GET /health", func() {
		It("should report ok", func() {
			rec := get("/health")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`{"status":"ok"}`))
		})
	})

	Describe("GET /metrics", func() {
		It("should expose dashboard metrics", func() {
			get("/")
			rec := get("/metrics")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("frontend_test_http_requests_total"))
		})
	})
})

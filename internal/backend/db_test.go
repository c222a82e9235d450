package backend_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/metrics-hub/internal/backend"
)

var _ = Describe("Database", func() {
	Describe("NewDB", func() {
		It("should return error when config is nil", func() {
			db, err := backend.NewDB(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(db).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			db, err := backend.NewDB(&backend.DBConfig{Host: "localhost", Port: 5432})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
			Expect(db).To(BeNil())
		})
	})

	Describe("DBConfig.DSN", func() {
		It("should render a key/value connection string", func() {
			cfg := &backend.DBConfig{
				Host:     "db.internal",
				Port:     5433,
				User:     "hub",
				Password: "secret",
				DBName:   "metrics",
				SSLMode:  "disable",
			}
			Expect(cfg.DSN()).To(Equal("host=db.internal port=5433 user=hub password=secret dbname=metrics sslmode=disable"))
		})
	})

	Describe("Models", func() {
		It("should use the expected table names", func() {
			Expect(backend.Aggregator{}.TableName()).To(Equal("aggregators"))
			Expect(backend.Device{}.TableName()).To(Equal("devices"))
			Expect(backend.MetricType{}.TableName()).To(Equal("device_metric_types"))
			Expect(backend.Snapshot{}.TableName()).To(Equal("snapshots"))
			Expect(backend.Metric{}.TableName()).To(Equal("metrics"))
		})
	})

	Describe("Migrate", func() {
		It("should be safe to run twice", func() {
			db := newTestDB()
			Expect(backend.Migrate(db, newTestLogger())).To(Succeed())
		})
	})

	Describe("ClearAll", func() {
		It("should delete every row", func() {
			db := newTestDB()
			mapper := newTestMapper(db, backend.NamePolicyKeep)

			_, err := mapper.Ingest(context.Background(), gridSubmission("g1", 2, 2, 2))
			Expect(err).NotTo(HaveOccurred())
			Expect(countAll(db).Metrics).To(Equal(int64(8)))

			Expect(backend.ClearAll(context.Background(), db, newTestLogger())).To(Succeed())
			Expect(countAll(db)).To(Equal(rowCounts{}))
		})
	})

	Describe("Ping", func() {
		It("should succeed on an open database", func() {
			Expect(backend.Ping(context.Background(), newTestDB())).To(Succeed())
		})
	})

	Describe("CloseDB", func() {
		It("should ignore a nil database", func() {
			Expect(backend.CloseDB(nil, newTestLogger())).To(Succeed())
		})
	})
})

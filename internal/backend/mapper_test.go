package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"procodus.dev/metrics-hub/internal/backend"
	"procodus.dev/metrics-hub/pkg/telemetry"
)

var _ = Describe("Mapper", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("NewMapper", func() {
		It("should reject a nil config", func() {
			m, err := backend.NewMapper(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(m).To(BeNil())
		})

		It("should reject a nil logger", func() {
			_, err := backend.NewMapper(&backend.MapperConfig{Store: &fakeStore{}})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})

		It("should reject a nil store", func() {
			_, err := backend.NewMapper(&backend.MapperConfig{Logger: newTestLogger()})
			Expect(err).To(MatchError(ContainSubstring("store cannot be nil")))
		})

		It("should reject an unknown name policy", func() {
			_, err := backend.NewMapper(&backend.MapperConfig{
				Logger:     newTestLogger(),
				Store:      &fakeStore{},
				NamePolicy: "merge",
			})
			Expect(err).To(MatchError(ContainSubstring("unknown name policy")))
		})
	})

	DescribeTable("ParseNamePolicy",
		func(in string, want backend.NamePolicy) {
			got, err := backend.ParseNamePolicy(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("empty", "", backend.NamePolicyKeep),
		Entry("keep", "keep", backend.NamePolicyKeep),
		Entry("overwrite", "Overwrite", backend.NamePolicyOverwrite),
		Entry("reject", " reject ", backend.NamePolicyReject),
	)

	Context("against SQLite", func() {
		var (
			db     *gorm.DB
			mapper *backend.Mapper
		)

		BeforeEach(func() {
			db = newTestDB()
			mapper = newTestMapper(db, backend.NamePolicyKeep)
		})

		It("should persist the reference submission", func() {
			result, err := mapper.Ingest(ctx, fleetA())
			Expect(err).NotTo(HaveOccurred())

			Expect(result.AggregatorID).NotTo(BeZero())
			Expect(result.AggregatorCreated).To(BeTrue())
			Expect(result.DevicesCreated).To(Equal(1))
			Expect(result.MetricTypesCreated).To(Equal(1))
			Expect(result.Snapshots).To(Equal(1))
			Expect(result.Metrics).To(Equal(1))
			Expect(result.ConflictsResolved).To(BeZero())

			Expect(countAll(db)).To(Equal(rowCounts{
				Aggregators: 1, Devices: 1, MetricTypes: 1, Snapshots: 1, Metrics: 1,
			}))

			var snap backend.Snapshot
			Expect(db.Take(&snap).Error).To(Succeed())
			Expect(snap.ClientTimestampEpoch).To(Equal(epoch2024.Unix()))
			Expect(snap.ClientTimezoneMins).To(BeZero())

			var metric backend.Metric
			Expect(db.Take(&metric).Error).To(Succeed())
			Expect(metric.Value).To(Equal(42.5))
			Expect(metric.SnapshotID).To(Equal(snap.ID))
		})

		It("should reuse entities when the same submission arrives twice", func() {
			first, err := mapper.Ingest(ctx, fleetA())
			Expect(err).NotTo(HaveOccurred())

			second, err := mapper.Ingest(ctx, fleetA())
			Expect(err).NotTo(HaveOccurred())

			Expect(second.AggregatorID).To(Equal(first.AggregatorID))
			Expect(second.AggregatorCreated).To(BeFalse())
			Expect(second.DevicesCreated).To(BeZero())
			Expect(second.MetricTypesCreated).To(BeZero())
			Expect(second.Snapshots).To(Equal(1))
			Expect(second.Metrics).To(Equal(1))

			Expect(countAll(db)).To(Equal(rowCounts{
				Aggregators: 1, Devices: 1, MetricTypes: 1, Snapshots: 2, Metrics: 2,
			}))
		})

		It("should store every reading of a larger submission", func() {
			sub := gridSubmission("grid", 2, 3, 4)

			result, err := mapper.Ingest(ctx, sub)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.DevicesCreated).To(Equal(2))
			Expect(result.MetricTypesCreated).To(Equal(8))
			Expect(result.Snapshots).To(Equal(6))
			Expect(result.Metrics).To(Equal(24))

			Expect(countAll(db)).To(Equal(rowCounts{
				Aggregators: 1, Devices: 2, MetricTypes: 8, Snapshots: 6, Metrics: 24,
			}))

			querier, err := backend.NewQueryService(newTestLogger(), db, nil)
			Expect(err).NotTo(HaveOccurred())

			exported, err := querier.ExportAggregators(ctx, "grid")
			Expect(err).NotTo(HaveOccurred())
			Expect(exported).To(HaveLen(1))

			want, err := json.Marshal(sub)
			Expect(err).NotTo(HaveOccurred())
			got, err := json.Marshal(exported[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(MatchJSON(want))
		})

		It("should create one device for repeated device names in a submission", func() {
			sub := fleetA()
			sub.Devices = append(sub.Devices, sub.Devices[0])

			result, err := mapper.Ingest(ctx, sub)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.DevicesCreated).To(Equal(1))
			Expect(result.MetricTypesCreated).To(Equal(1))
			Expect(result.Snapshots).To(Equal(2))

			Expect(countRows(db, &backend.Device{})).To(Equal(int64(1)))
		})

		It("should scope metric types to their device", func() {
			sub := fleetA()
			sub.Devices = append(sub.Devices, telemetry.Device{
				Name:      "dev2",
				Snapshots: sub.Devices[0].Snapshots,
			})

			result, err := mapper.Ingest(ctx, sub)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.MetricTypesCreated).To(Equal(2))
			Expect(countRows(db, &backend.MetricType{})).To(Equal(int64(2)))
		})

		It("should accept a submission without devices", func() {
			sub := &telemetry.Submission{GUID: "g-empty", Name: "empty"}

			result, err := mapper.Ingest(ctx, sub)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.AggregatorCreated).To(BeTrue())
			Expect(countAll(db)).To(Equal(rowCounts{Aggregators: 1}))
		})

		It("should record the server clock and zone", func() {
			zone := time.FixedZone("", 120*60)
			now := time.Date(2024, 6, 1, 12, 0, 0, 0, zone)

			store, err := backend.NewGormStore(db)
			Expect(err).NotTo(HaveOccurred())
			clocked, err := backend.NewMapper(&backend.MapperConfig{
				Logger: newTestLogger(),
				Store:  store,
				Clock:  func() time.Time { return now },
			})
			Expect(err).NotTo(HaveOccurred())

			sub := fleetA()
			sub.Devices[0].Snapshots[0].TimezoneMins = -300

			_, err = clocked.Ingest(ctx, sub)
			Expect(err).NotTo(HaveOccurred())

			var snap backend.Snapshot
			Expect(db.Take(&snap).Error).To(Succeed())
			Expect(snap.ServerTimestampEpoch).To(Equal(now.Unix()))
			Expect(snap.ServerTimezoneMins).To(Equal(120))
			Expect(snap.ClientTimezoneMins).To(Equal(-300))
		})

		It("should write nothing when an insert fails part way", func() {
			inserted := 0
			err := db.Callback().Create().Before("gorm:create").Register("test:fail_second_metric", func(tx *gorm.DB) {
				if tx.Statement.Table != "metrics" {
					return
				}
				inserted++
				if inserted == 2 {
					_ = tx.AddError(errors.New("injected failure"))
				}
			})
			Expect(err).NotTo(HaveOccurred())

			result, err := mapper.Ingest(ctx, gridSubmission("atomic", 1, 2, 2))
			Expect(err).To(MatchError(ContainSubstring("injected failure")))
			Expect(result).To(BeNil())
			Expect(backend.Outcome(err)).To(Equal("error"))

			Expect(countAll(db)).To(Equal(rowCounts{}))
		})

		It("should reject invalid submissions before writing", func() {
			sub := fleetA()
			sub.Devices[0].Name = ""

			_, err := mapper.Ingest(ctx, sub)
			Expect(err).To(HaveOccurred())
			Expect(backend.IsBadInput(err)).To(BeTrue())
			Expect(backend.Outcome(err)).To(Equal("bad_input"))

			Expect(countAll(db)).To(Equal(rowCounts{}))
		})

		It("should report a timeout when the deadline has passed", func() {
			expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
			defer cancel()

			_, err := mapper.Ingest(expired, fleetA())
			Expect(err).To(HaveOccurred())
			Expect(backend.IsTimeout(err)).To(BeTrue())
			Expect(backend.Outcome(err)).To(Equal("timeout"))

			Expect(countAll(db)).To(Equal(rowCounts{}))
		})

		Describe("name policies", func() {
			renamed := func() *telemetry.Submission {
				sub := fleetA()
				sub.Name = "Fleet-B"
				return sub
			}

			storedName := func() string {
				var agg backend.Aggregator
				Expect(db.Where("guid = ?", "g1").Take(&agg).Error).To(Succeed())
				return agg.Name
			}

			It("should keep the stored name by default", func() {
				_, err := mapper.Ingest(ctx, fleetA())
				Expect(err).NotTo(HaveOccurred())
				_, err = mapper.Ingest(ctx, renamed())
				Expect(err).NotTo(HaveOccurred())

				Expect(storedName()).To(Equal("Fleet-A"))
				Expect(countRows(db, &backend.Snapshot{})).To(Equal(int64(2)))
			})

			It("should overwrite the stored name when configured", func() {
				mapper = newTestMapper(db, backend.NamePolicyOverwrite)

				_, err := mapper.Ingest(ctx, fleetA())
				Expect(err).NotTo(HaveOccurred())
				_, err = mapper.Ingest(ctx, renamed())
				Expect(err).NotTo(HaveOccurred())

				Expect(storedName()).To(Equal("Fleet-B"))
			})

			It("should reject a renamed aggregator when configured", func() {
				mapper = newTestMapper(db, backend.NamePolicyReject)

				_, err := mapper.Ingest(ctx, fleetA())
				Expect(err).NotTo(HaveOccurred())

				_, err = mapper.Ingest(ctx, renamed())
				Expect(err).To(MatchError(backend.ErrAggregatorNameMismatch))
				Expect(backend.IsBadInput(err)).To(BeTrue())

				Expect(storedName()).To(Equal("Fleet-A"))
				Expect(countRows(db, &backend.Snapshot{})).To(Equal(int64(1)))
			})
		})
	})

	Context("with a scripted store", func() {
		var (
			store  *fakeStore
			mapper *backend.Mapper
		)

		BeforeEach(func() {
			store = newFakeStore()

			var err error
			mapper, err = backend.NewMapper(&backend.MapperConfig{
				Logger: newTestLogger(),
				Store:  store,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should not open a transaction for invalid input", func() {
			_, err := mapper.Ingest(ctx, &telemetry.Submission{})
			Expect(err).To(HaveOccurred())
			Expect(store.begins).To(BeZero())
		})

		It("should resolve a lost insert race by re-reading the winner", func() {
			store.tx.onInsertAggregator = func(a *backend.Aggregator) error {
				store.tx.aggregators[a.GUID] = &backend.Aggregator{ID: 7, GUID: a.GUID, Name: a.Name}
				return backend.ErrDuplicateKey
			}

			result, err := mapper.Ingest(ctx, fleetA())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.AggregatorID).To(Equal(uint(7)))
			Expect(result.AggregatorCreated).To(BeFalse())
			Expect(result.ConflictsResolved).To(Equal(1))
			Expect(store.tx.commits).To(Equal(1))
			Expect(store.tx.rollbacks).To(BeZero())
		})

		It("should fail with a conflict when the winner stays invisible", func() {
			store.tx.onInsertDevice = func(*backend.Device) error {
				return backend.ErrDuplicateKey
			}

			result, err := mapper.Ingest(ctx, fleetA())
			Expect(result).To(BeNil())
			Expect(err).To(MatchError(backend.ErrConflict))
			Expect(err).To(MatchError(backend.ErrDuplicateKey))
			Expect(backend.Outcome(err)).To(Equal("conflict"))
			Expect(store.tx.commits).To(BeZero())
			Expect(store.tx.rollbacks).To(Equal(1))
		})

		It("should surface lookup failures after a duplicate insert", func() {
			lookups := 0
			store.tx.onFindMetricType = func() error {
				lookups++
				if lookups > 1 {
					return errors.New("connection reset")
				}
				return nil
			}
			store.tx.onInsertMetricType = func(*backend.MetricType) error {
				return backend.ErrDuplicateKey
			}

			_, err := mapper.Ingest(ctx, fleetA())
			Expect(err).To(MatchError(ContainSubstring("connection reset")))
			Expect(backend.IsConflict(err)).To(BeFalse())
			Expect(store.tx.rollbacks).To(Equal(1))
		})

		It("should roll back and re-panic when a write panics", func() {
			store.tx.onInsertMetric = func(*backend.Metric) error {
				panic("boom")
			}

			Expect(func() { _, _ = mapper.Ingest(ctx, fleetA()) }).To(PanicWith("boom"))
			Expect(store.tx.rollbacks).To(Equal(1))
			Expect(store.tx.commits).To(BeZero())
		})

		It("should not roll back after a failed commit", func() {
			store.tx.commitErr = errors.New("commit refused")

			_, err := mapper.Ingest(ctx, fleetA())
			Expect(err).To(MatchError(ContainSubstring("commit refused")))
			Expect(store.tx.commits).To(Equal(1))
			Expect(store.tx.rollbacks).To(BeZero())
		})

		It("should classify a failed begin under an expired deadline as a timeout", func() {
			store.beginErr = context.DeadlineExceeded

			_, err := mapper.Ingest(ctx, fleetA())
			Expect(backend.IsTimeout(err)).To(BeTrue())
		})
	})
})

// fakeStore hands out a single scripted in-memory transaction.
type fakeStore struct {
	tx       *fakeTx
	beginErr error
	begins   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tx: &fakeTx{
		aggregators: make(map[string]*backend.Aggregator),
		devices:     make(map[string]*backend.Device),
		metricTypes: make(map[string]*backend.MetricType),
	}}
}

func (s *fakeStore) Begin(context.Context) (backend.Tx, error) {
	s.begins++
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return s.tx, nil
}

type fakeTx struct {
	aggregators map[string]*backend.Aggregator
	devices     map[string]*backend.Device
	metricTypes map[string]*backend.MetricType

	onInsertAggregator func(*backend.Aggregator) error
	onInsertDevice     func(*backend.Device) error
	onInsertMetricType func(*backend.MetricType) error
	onInsertMetric     func(*backend.Metric) error
	onFindMetricType   func() error
	commitErr          error

	nextID    uint
	commits   int
	rollbacks int
}

func (t *fakeTx) id() uint {
	t.nextID++
	return t.nextID
}

func (t *fakeTx) FindAggregatorByGUID(guid string) (*backend.Aggregator, error) {
	if a, ok := t.aggregators[guid]; ok {
		return a, nil
	}
	return nil, backend.ErrNotFound
}

func (t *fakeTx) InsertAggregator(a *backend.Aggregator) error {
	if t.onInsertAggregator != nil {
		return t.onInsertAggregator(a)
	}
	a.ID = t.id()
	t.aggregators[a.GUID] = a
	return nil
}

func (t *fakeTx) UpdateAggregatorName(id uint, name string) error {
	for _, a := range t.aggregators {
		if a.ID == id {
			a.Name = name
			return nil
		}
	}
	return backend.ErrNotFound
}

func (t *fakeTx) FindDeviceByAggregatorAndName(_ uint, name string) (*backend.Device, error) {
	if d, ok := t.devices[name]; ok {
		return d, nil
	}
	return nil, backend.ErrNotFound
}

func (t *fakeTx) InsertDevice(d *backend.Device) error {
	if t.onInsertDevice != nil {
		return t.onInsertDevice(d)
	}
	d.ID = t.id()
	t.devices[d.Name] = d
	return nil
}

func (t *fakeTx) InsertSnapshot(s *backend.Snapshot) error {
	s.ID = t.id()
	return nil
}

func (t *fakeTx) FindMetricTypeByDeviceAndName(_ uint, name string) (*backend.MetricType, error) {
	if t.onFindMetricType != nil {
		if err := t.onFindMetricType(); err != nil {
			return nil, err
		}
	}
	if mt, ok := t.metricTypes[name]; ok {
		return mt, nil
	}
	return nil, backend.ErrNotFound
}

func (t *fakeTx) InsertMetricType(mt *backend.MetricType) error {
	if t.onInsertMetricType != nil {
		return t.onInsertMetricType(mt)
	}
	mt.ID = t.id()
	t.metricTypes[mt.Name] = mt
	return nil
}

func (t *fakeTx) InsertMetric(m *backend.Metric) error {
	if t.onInsertMetric != nil {
		return t.onInsertMetric(m)
	}
	m.ID = t.id()
	return nil
}

func (t *fakeTx) Commit() error {
	t.commits++
	return t.commitErr
}

func (t *fakeTx) Rollback() error {
	t.rollbacks++
	return nil
}

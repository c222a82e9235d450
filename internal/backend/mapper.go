package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"procodus.dev/metrics-hub/pkg/metrics"
	"procodus.dev/metrics-hub/pkg/telemetry"
)

// DefaultIngestTimeout bounds one ingestion transaction.
const DefaultIngestTimeout = 10 * time.Second

var (
	// ErrConflict is returned when a natural-key insert collided with a
	// concurrent writer and the re-run lookup still found nothing.
	ErrConflict = errors.New("concurrent natural key conflict")

	// ErrTimeout is returned when ingestion exceeded its deadline.
	ErrTimeout = errors.New("ingestion timed out")

	// ErrAggregatorNameMismatch is returned under NamePolicyReject when a known
	// GUID arrives with a different name.
	ErrAggregatorNameMismatch = errors.New("aggregator name does not match stored name")
)

// NamePolicy decides what happens when a known aggregator reports a new name.
type NamePolicy string

const (
	// NamePolicyKeep keeps the stored name and ignores the submitted one.
	NamePolicyKeep NamePolicy = "keep"
	// NamePolicyOverwrite replaces the stored name with the submitted one.
	NamePolicyOverwrite NamePolicy = "overwrite"
	// NamePolicyReject fails the submission.
	NamePolicyReject NamePolicy = "reject"
)

// ParseNamePolicy parses a policy name; the empty string means NamePolicyKeep.
func ParseNamePolicy(s string) (NamePolicy, error) {
	switch NamePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", NamePolicyKeep:
		return NamePolicyKeep, nil
	case NamePolicyOverwrite:
		return NamePolicyOverwrite, nil
	case NamePolicyReject:
		return NamePolicyReject, nil
	default:
		return "", fmt.Errorf("unknown name policy %q (want keep, overwrite or reject)", s)
	}
}

// MapperConfig holds the configuration for the Mapper.
type MapperConfig struct {
	Logger     *slog.Logger
	Store      Store
	Metrics    *metrics.BackendMetrics // Optional metrics
	Clock      func() time.Time        // Server clock, defaults to UTC now
	NamePolicy NamePolicy
	Timeout    time.Duration
}

// Mapper reconciles nested submissions against normalized storage.
type Mapper struct {
	logger     *slog.Logger
	store      Store
	metrics    *metrics.BackendMetrics
	clock      func() time.Time
	namePolicy NamePolicy
	timeout    time.Duration
}

// IngestResult summarizes one committed submission.
type IngestResult struct {
	AggregatorID       uint `json:"aggregator_id"`
	AggregatorCreated  bool `json:"aggregator_created"`
	DevicesCreated     int  `json:"devices_created"`
	MetricTypesCreated int  `json:"metric_types_created"`
	Snapshots          int  `json:"snapshots"`
	Metrics            int  `json:"metrics"`
	ConflictsResolved  int  `json:"conflicts_resolved"`
}

// NewMapper creates a new Mapper instance.
func NewMapper(cfg *MapperConfig) (*Mapper, error) {
	if cfg == nil {
		return nil, errors.New("mapper config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	policy, err := ParseNamePolicy(string(cfg.NamePolicy))
	if err != nil {
		return nil, err
	}

	m := &Mapper{
		logger:     cfg.Logger,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		namePolicy: policy,
		timeout:    cfg.Timeout,
	}
	if m.clock == nil {
		m.clock = func() time.Time { return time.Now().UTC() }
	}
	if m.timeout <= 0 {
		m.timeout = DefaultIngestTimeout
	}

	return m, nil
}

// Ingest persists a submission in a single transaction. Aggregators, devices
// and metric types are created only when absent; every snapshot and metric is
// inserted. On any error nothing is written.
func (m *Mapper) Ingest(ctx context.Context, sub *telemetry.Submission) (result *IngestResult, err error) {
	start := time.Now()
	ingestID := uuid.NewString()
	defer func() {
		m.observe(result, err, time.Since(start))
	}()

	if err := sub.Validate(); err != nil {
		m.logger.Warn("rejected invalid submission", "ingest_id", ingestID, "error", err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, m.classify(ctx, err)
	}

	finished := false
	defer func() {
		if p := recover(); p != nil {
			m.rollback(tx, ingestID)
			panic(p)
		}
		if !finished {
			m.rollback(tx, ingestID)
		}
	}()

	run := &ingestRun{
		tx:          tx,
		policy:      m.namePolicy,
		result:      &IngestResult{},
		devices:     make(map[string]*Device),
		metricTypes: make(map[metricTypeKey]*MetricType),
	}

	serverNow := m.clock()
	_, offset := serverNow.Zone()
	run.serverEpoch = serverNow.Unix()
	run.serverTZMins = offset / 60

	if err := run.apply(sub); err != nil {
		return nil, m.classify(ctx, err)
	}

	finished = true
	if err := tx.Commit(); err != nil {
		return nil, m.classify(ctx, err)
	}

	m.logger.Info("submission ingested",
		"ingest_id", ingestID,
		"guid", sub.GUID,
		"aggregator_id", run.result.AggregatorID,
		"aggregator_created", run.result.AggregatorCreated,
		"devices_created", run.result.DevicesCreated,
		"metric_types_created", run.result.MetricTypesCreated,
		"snapshots", run.result.Snapshots,
		"metrics", run.result.Metrics,
		"conflicts_resolved", run.result.ConflictsResolved,
		"duration", time.Since(start),
	)

	return run.result, nil
}

func (m *Mapper) rollback(tx Tx, ingestID string) {
	if err := tx.Rollback(); err != nil {
		m.logger.Error("failed to roll back ingestion", "ingest_id", ingestID, "error", err)
	}
}

// classify marks deadline failures as timeouts.
func (m *Mapper) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, m.timeout, err)
	}
	return err
}

func (m *Mapper) observe(result *IngestResult, err error, elapsed time.Duration) {
	if m.metrics == nil {
		return
	}

	m.metrics.IngestDuration.Observe(elapsed.Seconds())
	m.metrics.IngestTotal.WithLabelValues(Outcome(err)).Inc()

	if IsConflict(err) {
		m.metrics.ConflictsResolved.WithLabelValues("failed").Inc()
	}
	if result == nil {
		return
	}

	if result.AggregatorCreated {
		m.metrics.EntitiesCreated.WithLabelValues("aggregator").Inc()
	}
	m.metrics.EntitiesCreated.WithLabelValues("device").Add(float64(result.DevicesCreated))
	m.metrics.EntitiesCreated.WithLabelValues("metric_type").Add(float64(result.MetricTypesCreated))
	m.metrics.ConflictsResolved.WithLabelValues("resolved").Add(float64(result.ConflictsResolved))
	m.metrics.RowsInserted.WithLabelValues("snapshots").Add(float64(result.Snapshots))
	m.metrics.RowsInserted.WithLabelValues("metrics").Add(float64(result.Metrics))
}

type metricTypeKey struct {
	name     string
	deviceID uint
}

// ingestRun holds the state of one Ingest call. Its caches never outlive it.
type ingestRun struct {
	tx           Tx
	result       *IngestResult
	devices      map[string]*Device
	metricTypes  map[metricTypeKey]*MetricType
	policy       NamePolicy
	serverEpoch  int64
	serverTZMins int
}

func (r *ingestRun) apply(sub *telemetry.Submission) error {
	agg, err := r.aggregator(sub.GUID, sub.Name)
	if err != nil {
		return err
	}
	r.result.AggregatorID = agg.ID

	for _, d := range sub.Devices {
		device, err := r.device(agg.ID, d.Name)
		if err != nil {
			return err
		}

		for _, s := range d.Snapshots {
			snapshot := &Snapshot{
				DeviceID:             device.ID,
				ClientTimestampEpoch: s.ClientEpoch(),
				ClientTimezoneMins:   s.TimezoneMins,
				ServerTimestampEpoch: r.serverEpoch,
				ServerTimezoneMins:   r.serverTZMins,
			}
			if err := r.tx.InsertSnapshot(snapshot); err != nil {
				return fmt.Errorf("device %q: %w", d.Name, err)
			}
			r.result.Snapshots++

			for _, reading := range s.Metrics {
				mt, err := r.metricType(device.ID, reading.Name)
				if err != nil {
					return err
				}

				metric := &Metric{
					SnapshotID:   snapshot.ID,
					MetricTypeID: mt.ID,
					Value:        reading.Value,
				}
				if err := r.tx.InsertMetric(metric); err != nil {
					return fmt.Errorf("device %q metric %q: %w", d.Name, reading.Name, err)
				}
				r.result.Metrics++
			}
		}
	}

	return nil
}

func (r *ingestRun) aggregator(guid, name string) (*Aggregator, error) {
	agg, created, raced, err := getOrCreate("aggregator", guid,
		func() (*Aggregator, error) { return r.tx.FindAggregatorByGUID(guid) },
		func() (*Aggregator, error) {
			agg := &Aggregator{GUID: guid, Name: name}
			return agg, r.tx.InsertAggregator(agg)
		},
	)
	if err != nil {
		return nil, err
	}
	if raced {
		r.result.ConflictsResolved++
	}
	if created {
		r.result.AggregatorCreated = true
		return agg, nil
	}

	if agg.Name == name {
		return agg, nil
	}

	switch r.policy {
	case NamePolicyOverwrite:
		if err := r.tx.UpdateAggregatorName(agg.ID, name); err != nil {
			return nil, fmt.Errorf("aggregator %q: %w", guid, err)
		}
		agg.Name = name
	case NamePolicyReject:
		return nil, fmt.Errorf("%w: guid %q is stored as %q, submitted %q",
			ErrAggregatorNameMismatch, guid, agg.Name, name)
	}

	return agg, nil
}

func (r *ingestRun) device(aggregatorID uint, name string) (*Device, error) {
	if device, ok := r.devices[name]; ok {
		return device, nil
	}

	device, created, raced, err := getOrCreate("device", name,
		func() (*Device, error) { return r.tx.FindDeviceByAggregatorAndName(aggregatorID, name) },
		func() (*Device, error) {
			device := &Device{AggregatorID: aggregatorID, Name: name}
			return device, r.tx.InsertDevice(device)
		},
	)
	if err != nil {
		return nil, err
	}
	if created {
		r.result.DevicesCreated++
	}
	if raced {
		r.result.ConflictsResolved++
	}

	r.devices[name] = device
	return device, nil
}

func (r *ingestRun) metricType(deviceID uint, name string) (*MetricType, error) {
	key := metricTypeKey{deviceID: deviceID, name: name}
	if mt, ok := r.metricTypes[key]; ok {
		return mt, nil
	}

	mt, created, raced, err := getOrCreate("metric type", name,
		func() (*MetricType, error) { return r.tx.FindMetricTypeByDeviceAndName(deviceID, name) },
		func() (*MetricType, error) {
			mt := &MetricType{DeviceID: deviceID, Name: name}
			return mt, r.tx.InsertMetricType(mt)
		},
	)
	if err != nil {
		return nil, err
	}
	if created {
		r.result.MetricTypesCreated++
	}
	if raced {
		r.result.ConflictsResolved++
	}

	r.metricTypes[key] = mt
	return mt, nil
}

// getOrCreate looks an entity up by natural key and inserts it when absent.
// A duplicate-key insert means a concurrent writer got there first, so the
// lookup is re-run once; if the row is still not visible the call fails with
// ErrConflict.
func getOrCreate[T any](kind, key string, find func() (*T, error), insert func() (*T, error)) (entity *T, created, raced bool, err error) {
	entity, err = find()
	if err == nil {
		return entity, false, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, false, fmt.Errorf("%s %q: %w", kind, key, err)
	}

	entity, err = insert()
	if err == nil {
		return entity, true, false, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return nil, false, false, fmt.Errorf("failed to create %s %q: %w", kind, key, err)
	}

	entity, lookupErr := find()
	switch {
	case lookupErr == nil:
		return entity, false, true, nil
	case errors.Is(lookupErr, ErrNotFound):
		return nil, false, false, fmt.Errorf("%w: %s %q: %w", ErrConflict, kind, key, err)
	default:
		return nil, false, false, fmt.Errorf("%s %q: %w", kind, key, lookupErr)
	}
}

// Outcome returns the metrics label for an ingestion error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsBadInput(err):
		return "bad_input"
	case IsConflict(err):
		return "conflict"
	case IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

// IsBadInput reports whether err is the submitter's fault.
func IsBadInput(err error) bool {
	return telemetry.IsValidationError(err) || errors.Is(err, ErrAggregatorNameMismatch)
}

// IsConflict reports whether err is an unresolved natural-key race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTimeout reports whether ingestion ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

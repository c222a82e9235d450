package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

var (
	// ErrNotFound is returned by lookups when no row matches the natural key.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned by natural-key inserts that hit a unique
	// constraint. The transaction stays usable.
	ErrDuplicateKey = errors.New("duplicate natural key")
)

// Store opens transactions against the relational schema.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one storage transaction. All operations run with the context given to
// Begin; Commit or Rollback must be called exactly once.
type Tx interface {
	FindAggregatorByGUID(guid string) (*Aggregator, error)
	InsertAggregator(a *Aggregator) error
	UpdateAggregatorName(id uint, name string) error

	FindDeviceByAggregatorAndName(aggregatorID uint, name string) (*Device, error)
	InsertDevice(d *Device) error

	InsertSnapshot(s *Snapshot) error

	FindMetricTypeByDeviceAndName(deviceID uint, name string) (*MetricType, error)
	InsertMetricType(mt *MetricType) error

	InsertMetric(m *Metric) error

	Commit() error
	Rollback() error
}

// GormStore implements Store on top of gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &GormStore{db: db}, nil
}

// Begin starts a transaction bound to ctx.
func (s *GormStore) Begin(ctx context.Context) (Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	return &gormTx{tx: tx}, nil
}

type gormTx struct {
	tx        *gorm.DB
	savepoint int
}

func (t *gormTx) FindAggregatorByGUID(guid string) (*Aggregator, error) {
	var agg Aggregator
	if err := t.tx.Where("guid = ?", guid).Take(&agg).Error; err != nil {
		return nil, lookupError("aggregator", err)
	}
	return &agg, nil
}

func (t *gormTx) InsertAggregator(a *Aggregator) error {
	return t.insertUnique("aggregators", a)
}

func (t *gormTx) UpdateAggregatorName(id uint, name string) error {
	result := t.tx.Model(&Aggregator{}).Where("id = ?", id).Update("name", name)
	if result.Error != nil {
		return fmt.Errorf("failed to update aggregator name: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("aggregator %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *gormTx) FindDeviceByAggregatorAndName(aggregatorID uint, name string) (*Device, error) {
	var device Device
	err := t.tx.Where("aggregator_id = ? AND name = ?", aggregatorID, name).Take(&device).Error
	if err != nil {
		return nil, lookupError("device", err)
	}
	return &device, nil
}

func (t *gormTx) InsertDevice(d *Device) error {
	return t.insertUnique("devices", d)
}

func (t *gormTx) InsertSnapshot(s *Snapshot) error {
	if err := t.tx.Omit(clause.Associations).Create(s).Error; err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (t *gormTx) FindMetricTypeByDeviceAndName(deviceID uint, name string) (*MetricType, error) {
	var mt MetricType
	err := t.tx.Where("device_id = ? AND name = ?", deviceID, name).Take(&mt).Error
	if err != nil {
		return nil, lookupError("metric type", err)
	}
	return &mt, nil
}

func (t *gormTx) InsertMetricType(mt *MetricType) error {
	return t.insertUnique("device_metric_types", mt)
}

func (t *gormTx) InsertMetric(m *Metric) error {
	if err := t.tx.Omit(clause.Associations).Create(m).Error; err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	return nil
}

func (t *gormTx) Commit() error {
	if err := t.tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *gormTx) Rollback() error {
	if err := t.tx.Rollback().Error; err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// insertUnique inserts a natural-key row inside a savepoint so that a unique
// violation can be undone without aborting the surrounding transaction.
func (t *gormTx) insertUnique(table string, value any) error {
	t.savepoint++
	name := fmt.Sprintf("insert_%s_%d", table, t.savepoint)

	if err := t.tx.SavePoint(name).Error; err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	err := t.tx.Omit(clause.Associations).Create(value).Error
	if err == nil {
		return nil
	}

	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}

	if rbErr := t.tx.RollbackTo(name).Error; rbErr != nil {
		return fmt.Errorf("failed to roll back to savepoint after duplicate key: %w", rbErr)
	}
	return fmt.Errorf("insert into %s: %w", table, ErrDuplicateKey)
}

func lookupError(entity string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return fmt.Errorf("failed to find %s: %w", entity, err)
}

// isUniqueViolation recognises unique-constraint failures from gorm's error
// translation, raw pgx errors and SQLite.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*GormStore)(nil)

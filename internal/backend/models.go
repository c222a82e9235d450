// Package backend provides the metrics hub backend: the relational schema, the
// reconciling mapper that ingests nested telemetry submissions, the read-only
// query service and the HTTP, gRPC and RabbitMQ transports around them.
package backend

import (
	"time"
)

// Aggregator is a reporting source identified by its GUID.
type Aggregator struct {
	CreatedAt time.Time `gorm:"autoCreateTime"`
	GUID      string    `gorm:"column:guid;size:36;uniqueIndex:idx_aggregators_guid;not null"`
	Name      string    `gorm:"not null"`
	Devices   []Device  `gorm:"constraint:OnDelete:CASCADE"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for Aggregator model.
func (Aggregator) TableName() string {
	return "aggregators"
}

// Device is a monitored endpoint belonging to one aggregator.
// Its natural key is (aggregator_id, name).
type Device struct {
	CreatedAt    time.Time    `gorm:"autoCreateTime"`
	Name         string       `gorm:"uniqueIndex:idx_devices_aggregator_name,priority:2;not null"`
	Snapshots    []Snapshot   `gorm:"constraint:OnDelete:CASCADE"`
	MetricTypes  []MetricType `gorm:"constraint:OnDelete:CASCADE"`
	AggregatorID uint         `gorm:"uniqueIndex:idx_devices_aggregator_name,priority:1;not null"`
	ID           uint         `gorm:"primaryKey"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// MetricType is a named metric tracked on a device.
// Its natural key is (device_id, name).
type MetricType struct {
	CreatedAt time.Time `gorm:"autoCreateTime"`
	Name      string    `gorm:"uniqueIndex:idx_metric_types_device_name,priority:2;not null"`
	DeviceID  uint      `gorm:"uniqueIndex:idx_metric_types_device_name,priority:1;not null"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for MetricType model.
func (MetricType) TableName() string {
	return "device_metric_types"
}

// Snapshot is one capture event on a device. Snapshots are never deduplicated.
type Snapshot struct {
	Metrics              []Metric `gorm:"constraint:OnDelete:CASCADE"`
	ClientTimestampEpoch int64    `gorm:"index:idx_snapshots_client_epoch;not null"`
	ServerTimestampEpoch int64    `gorm:"not null"`
	ClientTimezoneMins   int      `gorm:"not null;default:0"`
	ServerTimezoneMins   int      `gorm:"not null;default:0"`
	DeviceID             uint     `gorm:"index:idx_snapshots_device;not null"`
	ID                   uint     `gorm:"primaryKey"`
}

// TableName specifies the table name for Snapshot model.
func (Snapshot) TableName() string {
	return "snapshots"
}

// Metric is one value record: a reading of a metric type within a snapshot.
type Metric struct {
	MetricType   *MetricType `gorm:"constraint:OnDelete:CASCADE"`
	Value        float64     `gorm:"not null"`
	SnapshotID   uint        `gorm:"index:idx_metrics_snapshot;not null"`
	MetricTypeID uint        `gorm:"index:idx_metrics_metric_type;not null"`
	ID           uint        `gorm:"primaryKey"`
}

// TableName specifies the table name for Metric model.
func (Metric) TableName() string {
	return "metrics"
}

// allModels lists the models in creation order; parents come first.
func allModels() []any {
	return []any{
		&Aggregator{},
		&Device{},
		&MetricType{},
		&Snapshot{},
		&Metric{},
	}
}

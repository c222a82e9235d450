// Package telemetry defines the wire representation of one ingestion request:
// an aggregator with its devices, their snapshots and the metric readings in
// each snapshot.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	// MaxGUIDLength is the maximum length of an aggregator GUID (textual UUID form).
	MaxGUIDLength = 36

	// MaxTimezoneMins bounds the client UTC offset in either direction.
	MaxTimezoneMins = 24 * 60
)

// Submission is one aggregator report.
type Submission struct {
	GUID    string   `json:"guid"`
	Name    string   `json:"name"`
	Devices []Device `json:"devices"`
}

// Device is a monitored endpoint reported by an aggregator.
type Device struct {
	Name      string     `json:"name"`
	Snapshots []Snapshot `json:"snapshots"`
}

// Snapshot is one point-in-time capture on a device.
type Snapshot struct {
	TimestampCapture time.Time `json:"timestamp_capture"`
	Metrics          []Metric  `json:"metrics"`
	TimezoneMins     int       `json:"timezone_mins"`
}

// Metric is a single named reading.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// MarshalJSON encodes the capture time as RFC 3339 in the client zone.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	metrics := s.Metrics
	if metrics == nil {
		metrics = []Metric{}
	}

	zone := time.FixedZone("", s.TimezoneMins*60)

	return json.Marshal(struct {
		TimestampCapture string   `json:"timestamp_capture"`
		Metrics          []Metric `json:"metrics"`
		TimezoneMins     int      `json:"timezone_mins"`
	}{
		TimestampCapture: s.TimestampCapture.In(zone).Format(time.RFC3339Nano),
		Metrics:          metrics,
		TimezoneMins:     s.TimezoneMins,
	})
}

// ClientEpoch returns the capture time as Unix seconds.
func (s Snapshot) ClientEpoch() int64 {
	return s.TimestampCapture.Unix()
}

// Counts returns the number of devices, snapshots and metric readings.
func (s *Submission) Counts() (devices, snapshots, metrics int) {
	devices = len(s.Devices)
	for _, d := range s.Devices {
		snapshots += len(d.Snapshots)
		for _, snap := range d.Snapshots {
			metrics += len(snap.Metrics)
		}
	}
	return devices, snapshots, metrics
}

// Validate checks an in-memory submission against the same rules Decode enforces.
func (s *Submission) Validate() error {
	if s == nil {
		return &ValidationError{Violations: []FieldViolation{{Field: "", Description: "submission is required"}}}
	}

	v := &violations{}
	checkGUID(v, s.GUID)
	if s.Name == "" {
		v.add("name", "is required")
	}

	for i, d := range s.Devices {
		devicePath := fmt.Sprintf("devices[%d]", i)
		if d.Name == "" {
			v.add(devicePath+".name", "is required")
		}

		for j, snap := range d.Snapshots {
			snapPath := fmt.Sprintf("%s.snapshots[%d]", devicePath, j)
			if snap.TimestampCapture.IsZero() {
				v.add(snapPath+".timestamp_capture", "is required")
			}
			checkTimezone(v, snapPath+".timezone_mins", snap.TimezoneMins)

			for k, m := range snap.Metrics {
				metricPath := fmt.Sprintf("%s.metrics[%d]", snapPath, k)
				if m.Name == "" {
					v.add(metricPath+".name", "is required")
				}
				if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
					v.add(metricPath+".value", "must be a finite number")
				}
			}
		}
	}

	return v.err()
}

func checkGUID(v *violations, guid string) {
	switch {
	case guid == "":
		v.add("guid", "is required")
	case len(guid) > MaxGUIDLength:
		v.add("guid", fmt.Sprintf("must be at most %d characters", MaxGUIDLength))
	}
}

func checkTimezone(v *violations, field string, mins int) {
	if mins < -MaxTimezoneMins || mins > MaxTimezoneMins {
		v.add(field, fmt.Sprintf("must be within ±%d minutes", MaxTimezoneMins))
	}
}

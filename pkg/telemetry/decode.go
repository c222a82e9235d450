package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Layouts accepted for timestamp_capture. Zoned layouts are tried first;
// naive ones are interpreted in the client zone given by timezone_mins.
var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	}
)

type wireSubmission struct {
	GUID    *string      `json:"guid"`
	Name    *string      `json:"name"`
	Devices []wireDevice `json:"devices"`
}

type wireDevice struct {
	Name      *string        `json:"name"`
	Snapshots []wireSnapshot `json:"snapshots"`
}

type wireSnapshot struct {
	TimestampCapture *string      `json:"timestamp_capture"`
	TimezoneMins     *int         `json:"timezone_mins"`
	Metrics          []wireMetric `json:"metrics"`
}

type wireMetric struct {
	Name  *string  `json:"name"`
	Value *float64 `json:"value"`
}

// Decode reads exactly one JSON submission from r. Unknown fields, trailing
// data, wrong types and missing required fields are all rejected with a
// *ValidationError before anything else sees the data. Errors from r itself
// are returned wrapped.
func Decode(r io.Reader) (*Submission, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var wire wireSubmission
	if err := dec.Decode(&wire); err != nil {
		return nil, decodeError(err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Violations: []FieldViolation{{Description: "unexpected data after submission"}}}
	}

	return wire.toSubmission()
}

// DecodeBytes is Decode over an in-memory payload.
func DecodeBytes(data []byte) (*Submission, error) {
	return Decode(bytes.NewReader(data))
}

func (w *wireSubmission) toSubmission() (*Submission, error) {
	v := &violations{}

	sub := &Submission{
		GUID:    deref(w.GUID),
		Name:    deref(w.Name),
		Devices: make([]Device, 0, len(w.Devices)),
	}

	if w.GUID == nil {
		v.add("guid", "is required")
	} else {
		checkGUID(v, sub.GUID)
	}
	if w.Name == nil || *w.Name == "" {
		v.add("name", "is required")
	}

	for i, wd := range w.Devices {
		devicePath := fmt.Sprintf("devices[%d]", i)
		device := Device{
			Name:      deref(wd.Name),
			Snapshots: make([]Snapshot, 0, len(wd.Snapshots)),
		}
		if wd.Name == nil || *wd.Name == "" {
			v.add(devicePath+".name", "is required")
		}

		for j, ws := range wd.Snapshots {
			snapPath := fmt.Sprintf("%s.snapshots[%d]", devicePath, j)
			snap := Snapshot{
				Metrics: make([]Metric, 0, len(ws.Metrics)),
			}
			if ws.TimezoneMins != nil {
				snap.TimezoneMins = *ws.TimezoneMins
			}
			checkTimezone(v, snapPath+".timezone_mins", snap.TimezoneMins)

			if ws.TimestampCapture == nil {
				v.add(snapPath+".timestamp_capture", "is required")
			} else {
				ts, err := ParseTimestamp(*ws.TimestampCapture, snap.TimezoneMins)
				if err != nil {
					v.add(snapPath+".timestamp_capture", err.Error())
				}
				snap.TimestampCapture = ts
			}

			for k, wm := range ws.Metrics {
				metricPath := fmt.Sprintf("%s.metrics[%d]", snapPath, k)
				if wm.Name == nil || *wm.Name == "" {
					v.add(metricPath+".name", "is required")
				}
				if wm.Value == nil {
					v.add(metricPath+".value", "is required")
				}
				snap.Metrics = append(snap.Metrics, Metric{
					Name:  deref(wm.Name),
					Value: derefFloat(wm.Value),
				})
			}

			device.Snapshots = append(device.Snapshots, snap)
		}

		sub.Devices = append(sub.Devices, device)
	}

	if err := v.err(); err != nil {
		return nil, err
	}
	return sub, nil
}

// ParseTimestamp parses an ISO-8601 capture time. Values without a zone
// designator are taken to be local to the client offset timezoneMins.
func ParseTimestamp(value string, timezoneMins int) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("is required")
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}

	zone := time.FixedZone("", timezoneMins*60)
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, zone); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("must be an ISO-8601 datetime, got %q", value)
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{Violations: []FieldViolation{{
			Field:       typeErr.Field,
			Description: fmt.Sprintf("must be of type %s, got %s", typeErr.Type, typeErr.Value),
		}}}
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &ValidationError{Violations: []FieldViolation{{
			Description: fmt.Sprintf("malformed JSON at offset %d: %v", syntaxErr.Offset, err),
		}}}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ValidationError{Violations: []FieldViolation{{Description: "empty or truncated body"}}}
	}

	// Unknown fields and similar decoder complaints carry no typed error.
	if strings.HasPrefix(err.Error(), "json: ") {
		return &ValidationError{Violations: []FieldViolation{{Description: strings.TrimPrefix(err.Error(), "json: ")}}}
	}

	return fmt.Errorf("failed to read submission: %w", err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

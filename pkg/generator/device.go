package generator

import (
	"math"
	"math/rand/v2"
	"time"

	"procodus.dev/metrics-hub/pkg/telemetry"
)

// Metric names reported for every simulated host.
const (
	MetricCPUPercent = "CPU Percent"
	MetricRAMUsage   = "RAM Usage"
)

// Host simulates one monitored machine behind an aggregator.
type Host struct {
	Name string

	rng         *rand.Rand
	baselineCPU float64
	baselineRAM float64
	noise       float64
	ramTrend    float64 // Simulates slow leaks and garbage collection
	lastRAM     float64
}

func newHost(name string, rng *rand.Rand) *Host {
	baselineRAM := 30.0 + rng.Float64()*30 // 30-60%
	return &Host{
		Name:        name,
		rng:         rng,
		baselineCPU: 15.0 + rng.Float64()*25, // 15-40%
		baselineRAM: baselineRAM,
		noise:       2 + rng.Float64()*6,
		ramTrend:    (rng.Float64() - 0.5) * 0.8,
		lastRAM:     baselineRAM,
	}
}

// CPUPercent follows a working-hours cycle with noise and rare load spikes.
func (h *Host) CPUPercent(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60

	// Daily cycle (peak around 3 PM local time)
	dailyCycle := 15 * math.Sin((hour-9)*math.Pi/12)

	noise := (h.rng.Float64() - 0.5) * h.noise

	// Occasional load spike (5% chance)
	spike := 0.0
	if h.rng.Float64() < 0.05 {
		spike = 20 + h.rng.Float64()*40
	}

	return clamp(h.baselineCPU+dailyCycle+noise+spike, 0, 100)
}

// RAMUsage is a random walk pulled back towards the baseline. A collection
// occasionally frees a chunk of memory.
func (h *Host) RAMUsage(t time.Time, cpu float64) float64 {
	randomChange := (h.rng.Float64() - 0.5) * 1.5

	// Busy hosts allocate more
	loadEffect := (cpu - h.baselineCPU) * 0.05

	// Occasionally reverse trend (10% chance)
	if h.rng.Float64() < 0.1 {
		h.ramTrend = -h.ramTrend + (h.rng.Float64()-0.5)*0.2
	}

	weekly := 3 * math.Sin(float64(t.Unix())/(86400*7))

	ram := h.lastRAM + randomChange + h.ramTrend + loadEffect
	ram = h.baselineRAM + (ram-h.baselineRAM)*0.8 + weekly*0.1

	// Collection (3% chance)
	if h.rng.Float64() < 0.03 {
		ram -= 5 + h.rng.Float64()*10
	}

	ram = clamp(ram, 5, 98)
	h.lastRAM = ram
	return ram
}

// Snapshot captures CPU and RAM readings at t in the given client zone.
func (h *Host) Snapshot(t time.Time, timezoneMins int) telemetry.Snapshot {
	local := t.In(time.FixedZone("", timezoneMins*60))
	cpu := h.CPUPercent(local)
	ram := h.RAMUsage(local, cpu)

	return telemetry.Snapshot{
		TimestampCapture: t,
		TimezoneMins:     timezoneMins,
		Metrics: []telemetry.Metric{
			{Name: MetricCPUPercent, Value: round(cpu, 2)},
			{Name: MetricRAMUsage, Value: round(ram, 2)},
		},
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Package generator produces synthetic aggregator submissions for load
// generation and demos.
package generator

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"procodus.dev/metrics-hub/pkg/telemetry"
)

const (
	minHosts = 1
	maxHosts = 4
)

// Real-world UTC offsets a fleet may report from.
var timezoneOffsets = []int{-480, -300, -180, 0, 60, 120, 330, 540, 600}

type identity struct {
	City    string `fake:"{city}"`
	Company string `fake:"{company}"`
}

// Fleet is a simulated aggregator with a stable GUID and set of hosts.
type Fleet struct {
	GUID         string
	Name         string
	TimezoneMins int

	mu     sync.Mutex
	hosts  []*Host
	market *Market
}

// NewFleet creates a fleet with random identity and 1-4 hosts. When symbols
// is non-empty the fleet also reports stock quotes on a market device.
func NewFleet(symbols []string) *Fleet {
	return NewFleetWithSeed(symbols, rand.Uint64())
}

// NewFleetWithSeed is NewFleet with a deterministic source for names and
// readings. The GUID is always random.
func NewFleetWithSeed(symbols []string, seed uint64) *Fleet {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) // #nosec G404 - simulation data
	faker := gofakeit.New(seed)

	var id identity
	if err := faker.Struct(&id); err != nil || id.City == "" {
		id = identity{City: "Springfield", Company: faker.Company()}
	}

	hostCount := minHosts + rng.IntN(maxHosts-minHosts+1)
	hosts := make([]*Host, 0, hostCount)
	for i := range hostCount {
		hosts = append(hosts, newHost(hostname(faker.Noun(), i), rng))
	}

	f := &Fleet{
		GUID:         uuid.NewString(),
		Name:         fmt.Sprintf("%s %s", id.City, id.Company),
		TimezoneMins: timezoneOffsets[rng.IntN(len(timezoneOffsets))],
		hosts:        hosts,
	}

	if symbols = NormalizeSymbols(symbols); len(symbols) > 0 {
		f.market = newMarket(symbols, rng)
	}
	return f
}

func hostname(noun string, i int) string {
	noun = strings.ToLower(strings.Join(strings.Fields(noun), "-"))
	if noun == "" {
		noun = "host"
	}
	return fmt.Sprintf("%s-%02d", noun, i+1)
}

// Hosts returns the simulated hosts.
func (f *Fleet) Hosts() []*Host {
	return f.hosts
}

// Market returns the stock market simulation, or nil when no symbols are quoted.
func (f *Fleet) Market() *Market {
	return f.market
}

// Submission captures one snapshot per host (plus the market) at t.
func (f *Fleet) Submission(t time.Time) *telemetry.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()

	t = t.Truncate(time.Millisecond)

	devices := make([]telemetry.Device, 0, len(f.hosts)+1)
	for _, h := range f.hosts {
		devices = append(devices, telemetry.Device{
			Name:      h.Name,
			Snapshots: []telemetry.Snapshot{h.Snapshot(t, f.TimezoneMins)},
		})
	}

	if f.market != nil {
		devices = append(devices, telemetry.Device{
			Name:      MarketDeviceName,
			Snapshots: []telemetry.Snapshot{f.market.Snapshot(t, f.TimezoneMins)},
		})
	}

	return &telemetry.Submission{
		GUID:    f.GUID,
		Name:    f.Name,
		Devices: devices,
	}
}

// Package heartbeat implements the master and controller roles: a master polls the
// controllers registered with it for reports on their load, and controllers register with
// the master on start.
package heartbeat

import (
	"context"
	"time"

	"github.com/nuclio/errors"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Limits are the percentages past which a controller counts as overloaded.
type Limits struct {
	SystemLoad float64
	RAMUsage   float64
}

// DefaultLimits applies when a master does not set its own.
var DefaultLimits = Limits{SystemLoad: 95, RAMUsage: 95}

// Report is what a controller answered to heartbeat_report, or the error polling it
// failed with.
type Report struct {
	SystemLoad float64 `json:"system_load"`
	RAMUsage   float64 `json:"ram_usage"`
	Err        error   `json:"-"`
}

// IsOverloaded reports whether either measure reached its limit. Error reports are
// never overloaded.
func (r *Report) IsOverloaded(limits Limits) bool {
	if r.Err != nil {
		return false
	}
	return r.SystemLoad >= limits.SystemLoad || r.RAMUsage >= limits.RAMUsage
}

// Sampler measures the local host.
type Sampler func(ctx context.Context) (*Report, error)

// SystemSampler returns a sampler averaging CPU usage over interval.
func SystemSampler(interval time.Duration) Sampler {
	return func(ctx context.Context) (*Report, error) {
		cpuPercentages, err := cpu.PercentWithContext(ctx, interval, false)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to sample CPU usage")
		}
		if len(cpuPercentages) == 0 {
			return nil, errors.New("No CPU usage sample")
		}

		virtualMemory, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to sample memory usage")
		}

		return &Report{
			SystemLoad: cpuPercentages[0],
			RAMUsage:   virtualMemory.UsedPercent,
		}, nil
	}
}

package vmm

import (
	"context"

	"github.com/aivahq/aiva/internal/config"
)

// Select probes candidate Drivers in the fixed order spec.md §4.4
// prescribes — Linux-direct, then nested-Linux (macOS), then WSL
// (Windows) — and returns the first one that reports virtualization
// support. The choice is made once at startup and held for the process
// lifetime; it is never re-probed mid-run.
func Select(ctx context.Context, cfg *config.Config) (Driver, PlatformCapabilities, error) {
	return selectAmong(ctx, []Driver{
		NewLinuxDriver(cfg),
		NewDarwinDriver(cfg),
		NewWindowsDriver(cfg),
	})
}

func selectAmong(ctx context.Context, candidates []Driver) (Driver, PlatformCapabilities, error) {
	for _, d := range candidates {
		caps, err := d.Probe(ctx)
		if err != nil {
			continue
		}
		if caps.Virtualization {
			return d, caps, nil
		}
	}
	return nil, PlatformCapabilities{}, &NoViablePlatform{}
}

package platform

import (
	"os"

	"gvfs/internal/virtualizer"
)

// filterSocketPath is where the filter driver's user-space broker listens
// when the driver is loaded.
const filterSocketPath = "/var/run/gvfs-filter.sock"

// LoadFilter binds to the platform's kernel filter driver. The driver is
// an external module; this only verifies it is present and returns the
// binding. GVFS_NULL_FILTER=1 substitutes a no-op filter so the mount
// process can run without the driver (development, tests).
func LoadFilter() (virtualizer.Filter, error) {
	if os.Getenv("GVFS_NULL_FILTER") == "1" {
		return &nullFilter{}, nil
	}
	if _, err := os.Stat(filterSocketPath); err != nil {
		return nil, ErrFilterUnavailable
	}
	return newBrokerFilter(filterSocketPath), nil
}

// nullFilter attaches nothing and delivers no callbacks. The pipe verbs
// and maintenance still run, which is all an unattended smoke run needs.
type nullFilter struct{}

func (*nullFilter) StartVirtualizing(string, virtualizer.Callbacks) error { return nil }
func (*nullFilter) StopVirtualizing() error                               { return nil }

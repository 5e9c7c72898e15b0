// Package vmconfig loads spec.md §6's resource-limit configuration
// ({max_allocations, max_duration_secs, max_memory_bytes, gc_interval,
// max_recursion_depth}) from YAML, mirroring 1:1 onto vmtracker.Limits.
package vmconfig

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wudi/sandboxvm/vmerr"
	"github.com/wudi/sandboxvm/vmtracker"
)

// Limits is the YAML-shaped configuration file for a VM run's resource
// bounds. Field names use snake_case tags to match the embedder-facing
// names spec.md §6 uses, independent of the Go-idiomatic field names
// vmtracker.Limits exposes to code.
type Limits struct {
	MaxAllocations    int64   `yaml:"max_allocations"`
	MaxDurationSecs   float64 `yaml:"max_duration_secs"`
	MaxMemoryBytes    int64   `yaml:"max_memory_bytes"`
	GCInterval        int64   `yaml:"gc_interval"`
	MaxRecursionDepth int     `yaml:"max_recursion_depth"`
}

// ToTrackerLimits converts the YAML-loaded shape to vmtracker's runtime
// type, a straight field-for-field copy.
func (l Limits) ToTrackerLimits() vmtracker.Limits {
	return vmtracker.Limits{
		MaxAllocations:    l.MaxAllocations,
		MaxDurationSecs:   l.MaxDurationSecs,
		MaxMemoryBytes:    l.MaxMemoryBytes,
		GCInterval:        l.GCInterval,
		MaxRecursionDepth: l.MaxRecursionDepth,
	}
}

// FromTrackerLimits is the inverse, turning a Tracker's configuration
// back into a Limits that Dump can render as YAML.
func FromTrackerLimits(t vmtracker.Limits) Limits {
	return Limits{
		MaxAllocations:    t.MaxAllocations,
		MaxDurationSecs:   t.MaxDurationSecs,
		MaxMemoryBytes:    t.MaxMemoryBytes,
		GCInterval:        t.GCInterval,
		MaxRecursionDepth: t.MaxRecursionDepth,
	}
}

// Load reads and parses a YAML limits file from path.
func Load(path string) (Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, vmerr.Newf(vmerr.ConfigError, "reading limits file: %v", err).WithContext(path)
	}
	return Parse(data)
}

// Parse decodes YAML-encoded limits from data, failing with a
// vmerr.ConfigError on malformed input rather than a bare yaml error.
func Parse(data []byte) (Limits, error) {
	var l Limits
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Limits{}, vmerr.Newf(vmerr.ConfigError, "parsing limits YAML: %v", err)
	}
	return l, nil
}

// Dump renders l back to YAML bytes.
func Dump(l Limits) ([]byte, error) {
	out, err := yaml.Marshal(l)
	if err != nil {
		return nil, vmerr.Newf(vmerr.ConfigError, "encoding limits YAML: %v", err)
	}
	return out, nil
}

// Package rollout maps calendar time onto phased deployment cycles. Each
// cycle names one device cohort (a smart group) and owns one week of the
// rotation; the rotation wraps so cohorts repeat indefinitely. Resolution is
// a pure function of the inputs, which keeps dry runs and tests reproducible.
package rollout

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vives-io/JAAP/pkg/api"
)

// Cycle is one phase of the rollout rotation
type Cycle struct {
	// Name is the cycle's identifier, e.g. "pilot"
	Name string `yaml:"name"`
	// Week is the 1-based ordinal of the cycle within the rotation
	Week int `yaml:"week"`
	// SmartGroup is the name of the device cohort this cycle targets
	SmartGroup string `yaml:"smart_group"`
	// UserInteraction carries the policy's end-user settings for this cycle
	UserInteraction UserInteraction `yaml:"user_interaction"`
}

// UserInteraction is the configurable end-user experience of a cycle
type UserInteraction struct {
	MessageStart    string `yaml:"message_start"`
	MessageFinish   string `yaml:"message_finish"`
	AllowDeferral   bool   `yaml:"allow_deferral"`
	DeferralPeriod  int    `yaml:"deferral_period"`
	DeadlineEnabled bool   `yaml:"deadline_enabled"`
	DeadlinePeriod  int    `yaml:"deadline_period"`
}

// ToAPI converts the configured interaction settings to the remote API shape
func (u UserInteraction) ToAPI() *api.UserInteraction {
	return &api.UserInteraction{
		MessageStart:    u.MessageStart,
		MessageFinish:   u.MessageFinish,
		AllowDeferral:   u.AllowDeferral,
		DeferralPeriod:  u.DeferralPeriod,
		DeadlineEnabled: u.DeadlineEnabled,
		DeadlinePeriod:  u.DeadlinePeriod,
	}
}

// Table is the validated cycle rotation, ordered by week
type Table struct {
	cycles []Cycle
}

// tableFile is the on-disk shape of patch_cycles.yaml
type tableFile struct {
	Cycles []Cycle `yaml:"cycles"`
}

// LoadTable reads and validates the cycle table from a YAML file
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cycle table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable parses and validates a cycle table. Every week ordinal from 1
// to the table length must appear exactly once.
func ParseTable(data []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse cycle table: %w", err)
	}
	if len(file.Cycles) == 0 {
		return nil, fmt.Errorf("cycle table is empty")
	}

	seen := make(map[int]string, len(file.Cycles))
	for _, cycle := range file.Cycles {
		if cycle.Name == "" {
			return nil, fmt.Errorf("cycle with week %d has no name", cycle.Week)
		}
		if cycle.SmartGroup == "" {
			return nil, fmt.Errorf("cycle %q has no smart_group", cycle.Name)
		}
		if cycle.Week < 1 || cycle.Week > len(file.Cycles) {
			return nil, fmt.Errorf("cycle %q has week %d outside 1..%d", cycle.Name, cycle.Week, len(file.Cycles))
		}
		if other, dup := seen[cycle.Week]; dup {
			return nil, fmt.Errorf("cycles %q and %q both claim week %d", other, cycle.Name, cycle.Week)
		}
		seen[cycle.Week] = cycle.Name
	}

	cycles := make([]Cycle, len(file.Cycles))
	copy(cycles, file.Cycles)
	sort.Slice(cycles, func(i, j int) bool { return cycles[i].Week < cycles[j].Week })

	return &Table{cycles: cycles}, nil
}

// Len returns the number of cycles in the rotation
func (t *Table) Len() int {
	return len(t.cycles)
}

// Cycles returns the rotation in week order
func (t *Table) Cycles() []Cycle {
	out := make([]Cycle, len(t.cycles))
	copy(out, t.cycles)
	return out
}

// ResolveOrdinal maps a week ordinal onto its cycle, wrapping modulo the
// table length so ordinal N+1 resolves to the same cycle as ordinal 1
func (t *Table) ResolveOrdinal(ordinal int) Cycle {
	n := len(t.cycles)
	idx := ((ordinal-1)%n + n) % n
	return t.cycles[idx]
}

// ResolveAt maps a point in time onto its cycle using the ISO week number.
// Deterministic: the same instant and table always yield the same cycle.
func (t *Table) ResolveAt(at time.Time) Cycle {
	_, week := at.ISOWeek()
	return t.ResolveOrdinal(week)
}

// ByName returns the cycle with the given name.
// The second return value reports whether the cycle exists.
func (t *Table) ByName(name string) (Cycle, bool) {
	for _, cycle := range t.cycles {
		if cycle.Name == name {
			return cycle, true
		}
	}
	return Cycle{}, false
}

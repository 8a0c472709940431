// Package bench holds the static benchmark catalog: the expected, warning and
// critical durations declared for each named wallet operation, with per
// identity-category modifiers.
package bench

import (
	"fmt"
	"time"

	identitycache "github.com/walletkit/identity-cache"
)

// Benchmark declares the duration thresholds for one named operation.
type Benchmark struct {
	Name     string
	Category string

	// Expected is the typical duration for the operation.
	Expected time.Duration

	// Warning is the threshold above which a WARNING alert fires.
	Warning time.Duration

	// Critical is the threshold above which a CRITICAL alert fires.
	Critical time.Duration
}

func (b Benchmark) validate() error {
	if b.Name == "" {
		return fmt.Errorf("benchmark has no name")
	}
	if !(b.Expected < b.Warning && b.Warning < b.Critical) {
		return fmt.Errorf("benchmark %q: thresholds must be strictly increasing (expected=%s warning=%s critical=%s)",
			b.Name, b.Expected, b.Warning, b.Critical)
	}
	return nil
}

// scale returns a copy of the benchmark with all three durations multiplied.
func (b Benchmark) scale(factor float64) Benchmark {
	b.Expected = time.Duration(float64(b.Expected) * factor)
	b.Warning = time.Duration(float64(b.Warning) * factor)
	b.Critical = time.Duration(float64(b.Critical) * factor)
	return b
}

// Catalog is a read-only table of benchmarks plus identity-category modifiers.
// It is configuration: built once, never mutated by request traffic.
type Catalog struct {
	entries   map[string]Benchmark
	modifiers map[identitycache.Category]float64
}

// New builds a catalog from the given benchmarks and category modifiers.
// Every benchmark must satisfy Expected < Warning < Critical. A nil modifiers
// map means all categories use 1.0.
func New(benchmarks []Benchmark, modifiers map[identitycache.Category]float64) (*Catalog, error) {
	entries := make(map[string]Benchmark, len(benchmarks))
	for _, b := range benchmarks {
		if err := b.validate(); err != nil {
			return nil, err
		}
		if _, ok := entries[b.Name]; ok {
			return nil, fmt.Errorf("duplicate benchmark %q", b.Name)
		}
		entries[b.Name] = b
	}

	mods := make(map[identitycache.Category]float64, len(modifiers))
	for cat, factor := range modifiers {
		if factor <= 0 {
			return nil, fmt.Errorf("category %q: modifier must be positive, got %v", cat, factor)
		}
		mods[cat] = factor
	}

	return &Catalog{entries: entries, modifiers: mods}, nil
}

// Default returns the built-in catalog for wallet operations.
func Default() *Catalog {
	c, err := New(defaultBenchmarks(), defaultModifiers())
	if err != nil {
		// The built-in table is validated by tests; this is unreachable.
		panic(err)
	}
	return c
}

// Get returns the base benchmark for a named operation.
func (c *Catalog) Get(name string) (Benchmark, bool) {
	b, ok := c.entries[name]
	return b, ok
}

// ForCategory returns the benchmark for a named operation adjusted for the
// identity category's modifier. Unknown operation names return absent;
// unknown categories use the base benchmark unchanged.
func (c *Catalog) ForCategory(name string, cat identitycache.Category) (Benchmark, bool) {
	b, ok := c.entries[name]
	if !ok {
		return Benchmark{}, false
	}
	factor, ok := c.modifiers[cat]
	if !ok || factor == 1.0 {
		return b, true
	}
	return b.scale(factor), true
}

// Names returns all operation names in the catalog.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	return names
}

package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
)

// ErrNoValidRules is returned when a load yields zero usable rules.
var ErrNoValidRules = errors.New("rules: no valid rules in input")

// LoadWarning describes a rule entry that was rejected and skipped during load.
type LoadWarning struct {
	Index int   // Position of the entry in the input
	Err   error // Why the entry was rejected
}

func (w LoadWarning) String() string {
	return fmt.Sprintf("rule %d skipped: %v", w.Index, w.Err)
}

// Catalog is an immutable, indexed snapshot of the rule set. Lookups never
// observe a partially built index: hot-reload builds a fresh Catalog and
// swaps it in atomically.
type Catalog struct {
	byBinary map[string][]Rule
	ordered  []Rule
	warnings []LoadWarning
}

// Load builds a Catalog from rule definitions. Malformed entries are skipped
// with a collected warning; the load only fails when zero valid rules remain.
func Load(defs []Rule) (*Catalog, error) {
	c := &Catalog{
		byBinary: make(map[string][]Rule),
	}

	type indexed struct {
		rule  Rule
		order int
	}
	perBinary := make(map[string][]indexed)

	for i, def := range defs {
		if err := def.Validate(); err != nil {
			c.warnings = append(c.warnings, LoadWarning{Index: i, Err: err})
			continue
		}
		rule := def.Normalized()
		rule.order = i
		perBinary[rule.Binary] = append(perBinary[rule.Binary], indexed{rule: rule, order: i})
		c.ordered = append(c.ordered, rule)
	}

	if len(c.ordered) == 0 {
		return nil, ErrNoValidRules
	}

	// Order lookups by specificity: patterned rules before pattern-less
	// ones, then by catalog order.
	for binary, entries := range perBinary {
		sort.SliceStable(entries, func(a, b int) bool {
			pa, pb := entries[a].rule.PatternLess(), entries[b].rule.PatternLess()
			if pa != pb {
				return !pa
			}
			return entries[a].order < entries[b].order
		})
		ruleSlice := make([]Rule, len(entries))
		for i, e := range entries {
			ruleSlice[i] = e.rule
		}
		c.byBinary[binary] = ruleSlice
	}

	return c, nil
}

// LoadFile reads and parses a YAML rule file into a Catalog.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	defs, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return Load(defs)
}

// Lookup returns all rules for a normalized binary name, most specific first.
// The returned slice is shared and must not be mutated.
func (c *Catalog) Lookup(binary string) []Rule {
	return c.byBinary[binary]
}

// Rules returns every valid rule in catalog order.
func (c *Catalog) Rules() []Rule {
	return c.ordered
}

// Len returns the number of valid rules in the catalog.
func (c *Catalog) Len() int {
	return len(c.ordered)
}

// Warnings returns the load warnings for skipped entries.
func (c *Catalog) Warnings() []LoadWarning {
	return c.warnings
}

// Store holds the active Catalog and supports atomic hot-reload. In-flight
// lookups observe either the old or the new catalog, never a mix.
type Store struct {
	current atomic.Pointer[Catalog]
}

// NewStore creates a Store seeded with an initial catalog.
func NewStore(initial *Catalog) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Catalog returns the active catalog snapshot.
func (s *Store) Catalog() *Catalog {
	return s.current.Load()
}

// Replace swaps in a new catalog wholesale.
func (s *Store) Replace(c *Catalog) {
	old := s.current.Swap(c)
	slog.Info("rule catalog replaced",
		"rules", c.Len(),
		"warnings", len(c.Warnings()),
		"previous_rules", old.Len(),
	)
}

// ReloadFile loads a rule file and, if it yields at least one valid rule,
// swaps it in. On failure the active catalog is left untouched.
func (s *Store) ReloadFile(path string) error {
	c, err := LoadFile(path)
	if err != nil {
		return fmt.Errorf("hot-reload failed, keeping active catalog: %w", err)
	}
	for _, w := range c.Warnings() {
		slog.Warn("rule entry skipped during reload", "index", w.Index, "error", w.Err)
	}
	s.Replace(c)
	return nil
}

package rules

import (
	"errors"
	"sync"
	"testing"
)

func TestLoad_SkipsMalformedEntries(t *testing.T) {
	defs := []Rule{
		{Binary: "certutil.exe", CommandPatterns: []string{"-urlcache"}, BaseSeverity: SeverityHigh},
		{Binary: "", CommandPatterns: []string{"broken"}},
		{Binary: "wmic.exe", BaseSeverity: "extreme"},
		{Binary: "mshta.exe", BaseSeverity: SeverityHigh},
	}

	catalog, err := Load(defs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if catalog.Len() != 2 {
		t.Errorf("Len() = %d, want 2", catalog.Len())
	}
	if len(catalog.Warnings()) != 2 {
		t.Errorf("Warnings() = %d, want 2", len(catalog.Warnings()))
	}
}

func TestLoad_EmptyFails(t *testing.T) {
	_, err := Load([]Rule{{Binary: ""}})
	if !errors.Is(err, ErrNoValidRules) {
		t.Errorf("Load() error = %v, want ErrNoValidRules", err)
	}

	_, err = Load(nil)
	if !errors.Is(err, ErrNoValidRules) {
		t.Errorf("Load(nil) error = %v, want ErrNoValidRules", err)
	}
}

func TestLookup_Normalization(t *testing.T) {
	catalog, err := Load([]Rule{
		{Binary: `C:\Windows\System32\CertUtil.EXE`, CommandPatterns: []string{"-decode"}, BaseSeverity: SeverityHigh},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := catalog.Lookup("certutil.exe"); len(got) != 1 {
		t.Errorf("Lookup(certutil.exe) = %d rules, want 1", len(got))
	}
	if got := catalog.Lookup("CertUtil.EXE"); got != nil {
		t.Error("Lookup must be called with a normalized name")
	}
}

func TestLookup_SpecificityOrder(t *testing.T) {
	defs := []Rule{
		{Binary: "wmic.exe", BaseSeverity: SeverityMedium}, // pattern-less, first in catalog order
		{Binary: "wmic.exe", CommandPatterns: []string{"process call create"}, BaseSeverity: SeverityHigh},
		{Binary: "wmic.exe", CommandPatterns: []string{"/node:"}, BaseSeverity: SeverityMedium},
	}

	catalog, err := Load(defs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := catalog.Lookup("wmic.exe")
	if len(got) != 3 {
		t.Fatalf("Lookup() = %d rules, want 3", len(got))
	}
	if got[0].PatternLess() || got[1].PatternLess() {
		t.Error("patterned rules must sort before pattern-less rules")
	}
	if got[0].CommandPatterns[0] != "process call create" {
		t.Errorf("patterned rules must keep catalog order, got %q first", got[0].CommandPatterns[0])
	}
	if !got[2].PatternLess() {
		t.Error("pattern-less rule must sort last")
	}
}

func TestStore_AtomicReplace(t *testing.T) {
	first, err := Load([]Rule{{Binary: "certutil.exe", BaseSeverity: SeverityHigh}})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	store := NewStore(first)

	second, err := Load(Builtin())
	if err != nil {
		t.Fatalf("Load(Builtin()) error = %v", err)
	}

	// Concurrent lookups during replace must observe a consistent snapshot.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c := store.Catalog()
				if n := c.Len(); n != 1 && n != second.Len() {
					t.Errorf("observed torn catalog with %d rules", n)
					return
				}
			}
		}()
	}
	store.Replace(second)
	wg.Wait()

	if store.Catalog().Len() != second.Len() {
		t.Errorf("active catalog has %d rules, want %d", store.Catalog().Len(), second.Len())
	}
}

func TestParseRules_YAML(t *testing.T) {
	input := []byte(`
rules:
  - binary: certutil.exe
    command_patterns: ["-urlcache", "http://"]
    technique_id: T1105
    base_severity: high
    unknown_field: ignored
  - binary: psexec.exe
    base_severity: medium
`)

	defs, err := ParseRules(input)
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("ParseRules() = %d rules, want 2", len(defs))
	}
	if defs[0].TechniqueID != "T1105" {
		t.Errorf("technique_id = %q, want T1105", defs[0].TechniqueID)
	}
	if len(defs[0].CommandPatterns) != 2 {
		t.Errorf("command_patterns = %d, want 2", len(defs[0].CommandPatterns))
	}
}

func TestBuiltin_AllValid(t *testing.T) {
	catalog, err := Load(Builtin())
	if err != nil {
		t.Fatalf("Load(Builtin()) error = %v", err)
	}
	if len(catalog.Warnings()) != 0 {
		t.Errorf("builtin rules produced %d warnings", len(catalog.Warnings()))
	}
}

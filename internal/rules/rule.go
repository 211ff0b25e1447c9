// Package rules provides the LOLBin detection rule catalog.
package rules

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"lolbin-sentinel/internal/schema"
)

// Severity levels for rules and the alerts derived from them.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known tier.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank returns the numeric ordering of a severity tier, low first.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Escalate raises the severity by one tier, clamped at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	default:
		return s
	}
}

// Deescalate lowers the severity by one tier, floored at low.
func (s Severity) Deescalate() Severity {
	switch s {
	case SeverityCritical:
		return SeverityHigh
	case SeverityHigh:
		return SeverityMedium
	case SeverityMedium, SeverityLow:
		return SeverityLow
	default:
		return s
	}
}

// MaxSeverity returns the higher of two severity tiers.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Rule identifies a monitored binary and its suspicious-usage signature.
type Rule struct {
	Binary             string   `yaml:"binary" json:"binary" validate:"required,max=512"`
	CommandPatterns    []string `yaml:"command_patterns,omitempty" json:"command_patterns,omitempty"`
	ParentProcessHints []string `yaml:"parent_process_hints,omitempty" json:"parent_process_hints,omitempty"`
	TechniqueID        string   `yaml:"technique_id,omitempty" json:"technique_id,omitempty"`
	Description        string   `yaml:"description,omitempty" json:"description,omitempty"`
	ReferenceURL       string   `yaml:"reference_url,omitempty" json:"reference_url,omitempty"`
	BaseSeverity       Severity `yaml:"base_severity" json:"base_severity"`

	// order is the rule's position in the loaded catalog.
	order int
}

// CatalogOrder returns the rule's position in the loaded catalog. When
// several matching rules derive the same severity, the earliest wins.
func (r Rule) CatalogOrder() int {
	return r.order
}

// Normalized returns a copy of the rule with the binary and parent hints
// lower-cased and path-stripped, and empty pattern entries removed.
func (r Rule) Normalized() Rule {
	out := r
	out.Binary = schema.NormalizeBinary(r.Binary)

	out.CommandPatterns = make([]string, 0, len(r.CommandPatterns))
	for _, p := range r.CommandPatterns {
		if p != "" {
			out.CommandPatterns = append(out.CommandPatterns, p)
		}
	}

	out.ParentProcessHints = make([]string, 0, len(r.ParentProcessHints))
	for _, h := range r.ParentProcessHints {
		if n := schema.NormalizeBinary(h); n != "" {
			out.ParentProcessHints = append(out.ParentProcessHints, n)
		}
	}

	if out.BaseSeverity == "" {
		out.BaseSeverity = SeverityMedium
	}
	return out
}

// PatternLess reports whether the rule matches any invocation of its binary.
// Pattern-less matches are treated as low confidence by the matcher.
func (r Rule) PatternLess() bool {
	return len(r.CommandPatterns) == 0
}

// HasParentHint reports whether the normalized parent name appears in the
// rule's parent process hints.
func (r Rule) HasParentHint(parent string) bool {
	for _, h := range r.ParentProcessHints {
		if h == parent {
			return true
		}
	}
	return false
}

// Validate validates the rule definition.
func (r Rule) Validate() error {
	if schema.NormalizeBinary(r.Binary) == "" {
		return fmt.Errorf("rule binary is required")
	}
	if r.BaseSeverity != "" && !r.BaseSeverity.IsValid() {
		return fmt.Errorf("invalid base_severity %q for binary %q", r.BaseSeverity, r.Binary)
	}
	return nil
}

// ruleFile is the on-disk shape of a rule configuration file.
// Unknown fields are ignored by the YAML decoder.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules parses rule definitions from YAML bytes. Both a top-level
// `rules:` list and a bare list are accepted.
func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err == nil && len(file.Rules) > 0 {
		return file.Rules, nil
	}

	var bare []Rule
	if err := yaml.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return bare, nil
}

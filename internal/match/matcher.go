// Package match evaluates process-execution events against the rule catalog.
package match

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"lolbin-sentinel/internal/rules"
	"lolbin-sentinel/internal/schema"
)

// Finding is the matcher's output for one event against one rule.
type Finding struct {
	Rule              rules.Rule     `json:"rule"`
	EventID           uuid.UUID      `json:"event_id"`
	Binary            string         `json:"binary"`
	CommandLine       string         `json:"command_line"`
	HostID            string         `json:"host_id"`
	User              string         `json:"user,omitempty"`
	ObservedAt        time.Time      `json:"observed_at"`
	MatchedPatterns   []string       `json:"matched_patterns,omitempty"`
	ParentHintMatched bool           `json:"parent_hint_matched"`
	Severity          rules.Severity `json:"severity"`
}

// Matcher classifies events against the active rule catalog. It is stateless
// and safe for concurrent use; the same (event, catalog) pair always yields
// the same finding.
type Matcher struct {
	store *rules.Store
}

// New creates a Matcher reading from the given rule store.
func New(store *rules.Store) *Matcher {
	return &Matcher{store: store}
}

// Evaluate classifies a single event. It returns nil when no rule matches.
func (m *Matcher) Evaluate(event *schema.Event) *Finding {
	catalog := m.store.Catalog()
	binary := event.NormalizedBinary()

	candidates := catalog.Lookup(binary)
	if len(candidates) == 0 {
		return nil
	}

	command := strings.ToLower(event.CommandLine)
	parent := event.NormalizedParent()

	var best *Finding
	for i := range candidates {
		f := evaluateRule(candidates[i], event, command, parent)
		if f == nil {
			continue
		}
		// Keep the highest resulting severity; on a tie the rule loaded
		// earliest wins, regardless of pattern specificity.
		if best == nil || f.Severity.Rank() > best.Severity.Rank() ||
			(f.Severity.Rank() == best.Severity.Rank() && f.Rule.CatalogOrder() < best.Rule.CatalogOrder()) {
			best = f
		}
	}
	return best
}

// evaluateRule tests one candidate rule. command is the lower-cased command
// line and parent the normalized parent name.
func evaluateRule(rule rules.Rule, event *schema.Event, command, parent string) *Finding {
	var matched []string
	if !rule.PatternLess() {
		for _, p := range rule.CommandPatterns {
			if strings.Contains(command, strings.ToLower(p)) {
				matched = append(matched, p)
			}
		}
		if len(matched) == 0 {
			return nil
		}
	}

	parentHint := parent != "" && rule.HasParentHint(parent)

	severity := rule.BaseSeverity
	if parentHint {
		severity = severity.Escalate()
	}
	if rule.PatternLess() {
		// A match on the bare binary alone carries lower confidence.
		severity = severity.Deescalate()
	}

	return &Finding{
		Rule:              rule,
		EventID:           event.EventID,
		Binary:            event.NormalizedBinary(),
		CommandLine:       event.CommandLine,
		HostID:            event.HostID,
		User:              event.User,
		ObservedAt:        event.ObservedAt,
		MatchedPatterns:   matched,
		ParentHintMatched: parentHint,
		Severity:          severity,
	}
}

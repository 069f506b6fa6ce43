package rostersync

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eden3/eden3/internal/model"
)

// Policy decides which roster agents are synced and how their fields map
// onto EDEN3 agents. It is loaded from YAML:
//
//	source: eden-legacy
//	canonical: [abraham, solienne, ...]
//	aliases:
//	  abe: abraham
//	archetypes:
//	  visual: Artist
//	default_archetype: Creator
//	profile_url: https://eden.art/agents/%s
type Policy struct {
	Source           string            `yaml:"source"`
	Canonical        []string          `yaml:"canonical"`
	Aliases          map[string]string `yaml:"aliases"`
	Archetypes       map[string]string `yaml:"archetypes"`
	DefaultArchetype string            `yaml:"default_archetype"`
	Statuses         map[string]string `yaml:"statuses"`
	ProfileURL       string            `yaml:"profile_url"`
}

// DefaultPolicy syncs the ten canonical EDEN3 agents from the legacy roster.
func DefaultPolicy() Policy {
	return Policy{
		Source: model.SourceEdenLegacy,
		Canonical: []string{
			"abraham", "solienne", "miyomi", "bart", "bertha",
			"citizen", "koru", "geppetto", "sue", "verdelis",
		},
		Aliases: map[string]string{},
		Archetypes: map[string]string{
			"visual":     "Artist",
			"audio":      "Sound Artist",
			"text":       "Writer",
			"governance": "Manager",
			"strategy":   "Strategist",
			"curation":   "Curator",
		},
		DefaultArchetype: "Creator",
		Statuses: map[string]string{
			"ACTIVE":   string(model.AgentActive),
			"INACTIVE": string(model.AgentPaused),
			"ARCHIVED": string(model.AgentArchived),
			"TRAINING": string(model.AgentTraining),
		},
		ProfileURL: "https://eden.art/agents/%s",
	}
}

// LoadPolicy reads a YAML policy file over DefaultPolicy. An empty path
// returns DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("rostersync: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes YAML over DefaultPolicy and validates the result.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("rostersync: parse policy: %w", err)
	}
	if p.Source == "" {
		return Policy{}, fmt.Errorf("rostersync: policy source is required")
	}
	if len(p.Canonical) == 0 {
		return Policy{}, fmt.Errorf("rostersync: policy lists no canonical agents")
	}
	for _, slug := range p.Canonical {
		if err := model.ValidateSlug(slug); err != nil {
			return Policy{}, fmt.Errorf("rostersync: canonical agent: %w", err)
		}
	}
	for status, mapped := range p.Statuses {
		if !model.AgentStatus(mapped).Valid() {
			return Policy{}, fmt.Errorf("rostersync: status %s maps to unknown status %q", status, mapped)
		}
	}
	return p, nil
}

// CanonicalSlug maps a roster slug through the alias table and reports
// whether the result is a canonical agent.
func (p Policy) CanonicalSlug(rosterSlug string) (string, bool) {
	slug := rosterSlug
	if alias, ok := p.Aliases[rosterSlug]; ok {
		slug = alias
	}
	return slug, slices.Contains(p.Canonical, slug)
}

// Archetype maps a roster agent type.
func (p Policy) Archetype(rosterType string) string {
	if a, ok := p.Archetypes[strings.ToLower(rosterType)]; ok {
		return a
	}
	return p.DefaultArchetype
}

// Status maps a roster status. Empty and unrecognised statuses are ACTIVE.
func (p Policy) Status(rosterStatus string) model.AgentStatus {
	if s, ok := p.Statuses[strings.ToUpper(rosterStatus)]; ok {
		return model.AgentStatus(s)
	}
	return model.AgentActive
}

// Profile returns the roster profile URL for a roster slug, or "" when the
// policy has none.
func (p Policy) Profile(rosterSlug string) string {
	if p.ProfileURL == "" {
		return ""
	}
	return fmt.Sprintf(p.ProfileURL, rosterSlug)
}

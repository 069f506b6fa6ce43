package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eden3/eden3/internal/model"
	"github.com/eden3/eden3/internal/storage"
)

// Resolution steps, tried in the order the policy lists them.
const (
	StepExactSlug    = "exact-slug"
	StepPrefixedSlug = "prefixed-slug"
	StepExternalID   = "external-id"
)

// AgentLookup is the read surface the resolver needs. *storage.DB implements it.
type AgentLookup interface {
	GetAgentBySlug(ctx context.Context, slug string) (model.Agent, error)
	GetAgentByExternalID(ctx context.Context, source, externalID string) (model.Agent, error)
}

// Policy configures agent resolution.
//
//	steps: [exact-slug, prefixed-slug, external-id]
//	slug_prefixes:
//	  eden-legacy: "eden-"
type Policy struct {
	Steps        []string          `yaml:"steps"`
	SlugPrefixes map[string]string `yaml:"slug_prefixes"`
}

// DefaultPolicy resolves by exact slug, then the legacy "eden-" slug prefix,
// then the caller's external id.
func DefaultPolicy() Policy {
	return Policy{
		Steps:        []string{StepExactSlug, StepPrefixedSlug, StepExternalID},
		SlugPrefixes: map[string]string{model.SourceEdenLegacy: "eden-"},
	}
}

// LoadPolicy reads a YAML policy file. An empty path returns DefaultPolicy.
// Omitted keys keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("intake: read resolution policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy over DefaultPolicy and validates it.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("intake: parse resolution policy: %w", err)
	}
	if len(p.Steps) == 0 {
		return Policy{}, fmt.Errorf("intake: resolution policy has no steps")
	}
	for _, s := range p.Steps {
		switch s {
		case StepExactSlug, StepPrefixedSlug, StepExternalID:
		default:
			return Policy{}, fmt.Errorf("intake: unknown resolution step %q", s)
		}
	}
	return p, nil
}

// Resolver maps an agent reference from a webhook payload to a stored agent.
type Resolver struct {
	lookup AgentLookup
	policy Policy
}

// NewResolver creates a Resolver.
func NewResolver(lookup AgentLookup, policy Policy) *Resolver {
	return &Resolver{lookup: lookup, policy: policy}
}

// Resolve walks the policy's steps in order and returns the first agent
// found, together with the step that matched. A step that does not apply to
// source is skipped. Lookup errors other than not-found abort the chain.
func (r *Resolver) Resolve(ctx context.Context, ref, source string) (model.Agent, string, error) {
	for _, step := range r.policy.Steps {
		var (
			a   model.Agent
			err error
		)
		switch step {
		case StepExactSlug:
			a, err = r.lookup.GetAgentBySlug(ctx, ref)
		case StepPrefixedSlug:
			prefix, ok := r.policy.SlugPrefixes[source]
			if !ok || prefix == "" || strings.HasPrefix(ref, prefix) {
				continue
			}
			a, err = r.lookup.GetAgentBySlug(ctx, prefix+ref)
		case StepExternalID:
			a, err = r.lookup.GetAgentByExternalID(ctx, source, ref)
		}
		if err == nil {
			return a, step, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Agent{}, "", fmt.Errorf("intake: resolve %q (%s): %w", ref, step, err)
		}
	}
	return model.Agent{}, "", fmt.Errorf("agent %s not found for source %s: %w", ref, source, ErrAgentNotFound)
}

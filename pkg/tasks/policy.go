package tasks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/engramhq/engram/pkg/types"
)

// Policy maps task kinds to providers and priorities. The zero value is not
// usable; start from DefaultPolicy and override from a YAML document.
type Policy struct {
	// Providers lists, per capability kind, the providers able to serve it
	// in preference order. The order fixes the fallback walk.
	Providers map[string][]string `yaml:"providers"`

	// Defaults names the provider used when the caller states no preference.
	// A kind absent here defaults to the first entry of its provider list.
	Defaults map[string]string `yaml:"defaults"`

	// Priorities per task type. Higher dispatches first.
	Priorities map[types.TaskType]int `yaml:"priorities"`

	// MaxRetries applied to every enqueued task.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultPolicy returns the built-in routing table.
func DefaultPolicy() Policy {
	return Policy{
		Providers: map[string][]string{
			"observation":      {"mistral", "openai", "local"},
			"summarize":        {"mistral", "openai", "local"},
			"embedding":        {"openai", "local"},
			"context-generate": {"mistral", "openai"},
			"claude-md":        {"mistral", "openai"},
			"qdrant-sync":      {"local"},
			"semantic-search":  {"local", "openai"},
			"compression":      {"local"},
		},
		Defaults: map[string]string{
			"observation":      "mistral",
			"summarize":        "mistral",
			"embedding":        "openai",
			"context-generate": "mistral",
			"claude-md":        "mistral",
		},
		Priorities: map[types.TaskType]int{
			types.TaskTypeObservation:     50,
			types.TaskTypeContextGenerate: 60,
			types.TaskTypeSummarize:       40,
			types.TaskTypeEmbedding:       30,
			types.TaskTypeClaudeMd:        30,
			types.TaskTypeQdrantSync:      20,
			types.TaskTypeSemanticSearch:  60,
			types.TaskTypeCompression:     10,
		},
		MaxRetries: 3,
	}
}

// LoadPolicy reads a YAML policy document and merges it over the defaults.
// Only the sections present in the file are overridden.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("reading routing policy: %w", err)
	}

	var overlay Policy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return policy, fmt.Errorf("parsing routing policy: %w", err)
	}

	for kind, providers := range overlay.Providers {
		policy.Providers[kind] = providers
	}
	for kind, provider := range overlay.Defaults {
		policy.Defaults[kind] = provider
	}
	for taskType, priority := range overlay.Priorities {
		policy.Priorities[taskType] = priority
	}
	if overlay.MaxRetries > 0 {
		policy.MaxRetries = overlay.MaxRetries
	}
	return policy, nil
}

// Resolve turns a kind and an optional preferred provider into the required
// capability plus the declared-order fallback list (the kind's provider list
// minus the required entry).
func (p Policy) Resolve(kind, preferred string) (types.Capability, []types.Capability) {
	provider := preferred
	if provider == "" {
		provider = p.Defaults[kind]
	}
	providers := p.Providers[kind]
	if provider == "" && len(providers) > 0 {
		provider = providers[0]
	}

	required := types.MakeCapability(kind, provider)

	var fallbacks []types.Capability
	for _, alt := range providers {
		if c := types.MakeCapability(kind, alt); c != required {
			fallbacks = append(fallbacks, c)
		}
	}
	return required, fallbacks
}

// Priority returns the dispatch priority for a task type.
func (p Policy) Priority(taskType types.TaskType) int {
	return p.Priorities[taskType]
}

package llmprovider

import (
	"embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config/*.yaml
var configFiles embed.FS

type modelEntry struct {
	ID                         string `yaml:"id"`
	SupportsTools              bool   `yaml:"supports_tools"`
	SupportsReasoning          bool   `yaml:"supports_reasoning"`
	SupportsPromptCaching      bool   `yaml:"supports_prompt_caching"`
	SupportsPreviousResponseID bool   `yaml:"supports_previous_response_id"`
	ContextWindow              int    `yaml:"context_window"`
}

type providerFile struct {
	Provider string       `yaml:"provider"`
	Models   []modelEntry `yaml:"models"`
}

// CapabilityRegistry maps provider+model to Capabilities, loaded once at
// startup from embedded YAML (the teacher's internal/capabilities pattern,
// generalized from pricing/display metadata to the fields this gateway's
// conversation builder, cache annotator and chat handler consult).
type CapabilityRegistry struct {
	mu    sync.RWMutex
	files map[string]providerFile
}

// NewCapabilityRegistry loads the embedded config/anthropic.yaml and
// config/openai.yaml; other files under config/ are not read.
func NewCapabilityRegistry() (*CapabilityRegistry, error) {
	r := &CapabilityRegistry{files: make(map[string]providerFile)}
	for _, name := range []string{"anthropic", "openai"} {
		if err := r.load(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *CapabilityRegistry) load(provider string) error {
	data, err := configFiles.ReadFile(fmt.Sprintf("config/%s.yaml", provider))
	if err != nil {
		return fmt.Errorf("read capabilities for %s: %w", provider, err)
	}
	var pf providerFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse capabilities for %s: %w", provider, err)
	}
	r.mu.Lock()
	r.files[provider] = pf
	r.mu.Unlock()
	return nil
}

// Get returns the capabilities for provider/model, or a conservative
// all-false default if the model is unknown so new models fail closed
// rather than silently gaining tool/thinking support.
func (r *CapabilityRegistry) Get(provider, model string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pf, ok := r.files[provider]
	if !ok {
		return Capabilities{}
	}
	for _, m := range pf.Models {
		if m.ID == model {
			return Capabilities{
				SupportsTools:              m.SupportsTools,
				SupportsReasoning:          m.SupportsReasoning,
				SupportsPromptCaching:      m.SupportsPromptCaching,
				SupportsPreviousResponseID: m.SupportsPreviousResponseID,
				ContextWindow:              m.ContextWindow,
			}
		}
	}
	return Capabilities{}
}

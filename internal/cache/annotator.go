// Package cache implements C10: attaching a provider-visible cache marker
// to the last message of an outgoing request when the adapter advertises
// prompt-cache support for the model, so the provider can skip re-pricing
// (and often re-processing) a stable prefix on the next call in the same
// conversation. Grounded on spec.md §4.10; the teacher has no direct
// analogue, so the capability gating is adapted from
// internal/llmprovider's CapabilityRegistry instead.
package cache

import (
	"log/slog"

	"llmgateway/internal/llmprovider"
)

// CacheMarkerKey is the key a provider adapter looks for on a message's
// CacheControl field to decide whether to emit its wire-specific cache
// hint (e.g. Anthropic's cache_control: {type: "ephemeral"}).
const CacheMarkerKey = "ephemeral"

// Annotator attaches a cache marker to the last message of a request when
// the resolved provider/model supports prompt caching.
type Annotator struct {
	capabilities *llmprovider.CapabilityRegistry
	logger       *slog.Logger
}

// New constructs an Annotator. capabilities may be nil, in which case
// Annotate is always a no-op (fails open, matching spec.md: "never fails
// the turn").
func New(capabilities *llmprovider.CapabilityRegistry, logger *slog.Logger) *Annotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Annotator{capabilities: capabilities, logger: logger}
}

// Annotate marks the last message of req for caching in place, if and only
// if provider/model supports it. It never returns an error: any failure to
// annotate is logged and the original request is left untouched, per
// spec.md's "cache-annotation errors are logged and the original body
// forwarded."
func (a *Annotator) Annotate(req *llmprovider.Request, provider, model string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("prompt-cache annotation panicked, forwarding request unannotated", "panic", r)
		}
	}()

	if a.capabilities == nil || len(req.Messages) == 0 {
		return
	}
	caps := a.capabilities.Get(provider, model)
	if !caps.SupportsPromptCaching {
		return
	}

	lastIdx := len(req.Messages) - 1
	req.Messages[lastIdx].CacheControl = CacheMarkerKey
	req.CachePoints = append(req.CachePoints, lastIdx)

	a.logger.Debug("annotated last message for prompt caching", "provider", provider, "model", model, "message_index", lastIdx)
}

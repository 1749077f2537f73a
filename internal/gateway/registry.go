package gateway

import (
	"fmt"
	"sync"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// Registry maps platforms to their gateway.
type Registry struct {
	mu       sync.RWMutex
	gateways map[domain.Platform]Gateway
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[domain.Platform]Gateway)}
}

// Register installs gw for platform, replacing any previous entry.
func (r *Registry) Register(platform domain.Platform, gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[platform] = gw
}

// Get returns the gateway for platform.
func (r *Registry) Get(platform domain.Platform) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return gw, nil
}

// Platforms lists the registered platforms.
func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Platform, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	return out
}

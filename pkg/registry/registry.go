// Package registry answers whether an identity is a known, registered
// service. The supervisor does not care how registration is implemented;
// anything satisfying Registry can be plugged in.
package registry

import (
	"sync"

	"github.com/spf13/viper"

	"github.com/psantana5/workerlink/pkg/models"
)

// Registry reports whether an identity names a registered service.
type Registry interface {
	IsRegistered(identity models.Identity) bool
}

// Static is a fixed in-memory registry. Safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	known map[models.Identity]bool
}

// NewStatic builds a registry from a list of identities.
func NewStatic(identities ...models.Identity) *Static {
	known := make(map[models.Identity]bool, len(identities))
	for _, id := range identities {
		known[id] = true
	}
	return &Static{known: known}
}

// Register adds an identity to the registry.
func (s *Static) Register(identity models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[identity] = true
}

// IsRegistered implements Registry.
func (s *Static) IsRegistered(identity models.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known[identity]
}

// ViperRegistry reads the registered service list from a viper instance,
// under the "services" key. The list is re-read on every lookup so a
// watched config file takes effect without a restart.
type ViperRegistry struct {
	v *viper.Viper
}

// NewViperRegistry wraps a viper instance as a Registry.
func NewViperRegistry(v *viper.Viper) *ViperRegistry {
	return &ViperRegistry{v: v}
}

// IsRegistered implements Registry.
func (r *ViperRegistry) IsRegistered(identity models.Identity) bool {
	for _, name := range r.v.GetStringSlice("services") {
		if name == string(identity) {
			return true
		}
	}
	return false
}

package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultName is the gateway used when a request names none.
const DefaultName = "default"

// Info describes a registered gateway.
type Info struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url,omitempty"`
}

// Registry holds the engines executions can be sent to, by name.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry creates an empty gateway registry.
func NewRegistry() *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
	}
}

// Register adds a gateway under the given name, replacing any previous one.
func (r *Registry) Register(name string, g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[name] = g
}

// Resolve returns the gateway registered as name. An empty name resolves to
// DefaultName, or to the only registered gateway when there is exactly one.
func (r *Registry) Resolve(name string) (Gateway, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		if g, ok := r.gateways[DefaultName]; ok {
			return g, DefaultName, nil
		}
		if len(r.gateways) == 1 {
			for n, g := range r.gateways {
				return g, n, nil
			}
		}
		return nil, "", fmt.Errorf("no gateway named and no %q gateway registered", DefaultName)
	}

	g, ok := r.gateways[name]
	if !ok {
		return nil, "", fmt.Errorf("gateway %q is not registered", name)
	}
	return g, name, nil
}

// List returns every registered gateway sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.gateways))
	for name, g := range r.gateways {
		info := Info{Name: name}
		if b, ok := g.(interface{ BaseURL() string }); ok {
			info.BaseURL = b.BaseURL()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

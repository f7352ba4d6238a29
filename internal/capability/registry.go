// Package capability declares the protocol capabilities this Business supports
// and negotiates them against what a Platform declares.
package capability

import (
	"errors"
	"fmt"
	"sort"

	"github.com/itayshmool/ucp-engine/internal/domain"
)

// Well-known capability names.
const (
	Checkout    = "dev.ucp.shopping.checkout"
	Order       = "dev.ucp.shopping.order"
	Fulfillment = "dev.ucp.shopping.fulfillment"
	Discount    = "dev.ucp.shopping.discount"

	DefaultVersion = "2026-01-11"
)

var (
	// ErrUnknownParent is returned when an extension names a capability that is not registered.
	ErrUnknownParent = errors.New("extended capability is not registered")

	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("capability already registered")

	// ErrInvalid is returned for a capability without name or version.
	ErrInvalid = errors.New("capability requires name and version")
)

// Registry is the Business's declared capability profile. It is built at
// startup and read-only afterwards.
type Registry struct {
	byName map[string]domain.Capability
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]domain.Capability)}
}

// Register adds c. An extension's parent must already be registered.
func (r *Registry) Register(c domain.Capability) error {
	if c.Name == "" || c.Version == "" {
		return ErrInvalid
	}
	if _, exists := r.byName[c.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.Name)
	}
	if c.Extends != "" {
		if _, ok := r.byName[c.Extends]; !ok {
			return fmt.Errorf("%w: %s extends %s", ErrUnknownParent, c.Name, c.Extends)
		}
	}
	r.byName[c.Name] = c
	r.order = append(r.order, c.Name)
	return nil
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (domain.Capability, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// List returns the capabilities in registration order.
func (r *Registry) List() []domain.Capability {
	out := make([]domain.Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// DefaultCapabilities is the profile used when no YAML profile is configured.
func DefaultCapabilities() []domain.Capability {
	return []domain.Capability{
		{Name: Checkout, Version: DefaultVersion, SpecURL: "https://ucp.dev/specification/checkout"},
		{Name: Order, Version: DefaultVersion, SpecURL: "https://ucp.dev/specification/order"},
		{Name: Fulfillment, Version: DefaultVersion, SpecURL: "https://ucp.dev/specification/fulfillment", Extends: Checkout},
		{Name: Discount, Version: DefaultVersion, SpecURL: "https://ucp.dev/specification/discount", Extends: Checkout},
	}
}

// NewRegistryFrom registers caps in order. Parents must precede extensions.
func NewRegistryFrom(caps []domain.Capability) (*Registry, error) {
	r := NewRegistry()
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

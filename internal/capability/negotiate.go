package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/itayshmool/ucp-engine/internal/domain"
)

// NegotiatedSet is the capability set valid for one request.
type NegotiatedSet struct {
	Capabilities []domain.Capability `json:"capabilities"`
}

// Has reports whether name survived negotiation.
func (s NegotiatedSet) Has(name string) bool {
	for _, c := range s.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// SupportsCheckout reports whether session operations are available at all.
func (s NegotiatedSet) SupportsCheckout() bool {
	return s.Has(Checkout)
}

// Names returns the negotiated names in order.
func (s NegotiatedSet) Names() []string {
	out := make([]string, len(s.Capabilities))
	for i, c := range s.Capabilities {
		out[i] = c.Name
	}
	return out
}

// Negotiate intersects platform and business capabilities by (name, version)
// and prunes extensions whose parent did not survive, until nothing changes.
// When a name appears more than once in an input, its highest version is used.
func Negotiate(platform, business []domain.Capability) NegotiatedSet {
	p := highestVersions(platform)
	b := highestVersions(business)

	current := make(map[string]domain.Capability)
	for name, bc := range b {
		pc, ok := p[name]
		if !ok || pc.Version != bc.Version {
			continue
		}
		current[name] = bc
	}

	for {
		removed := false
		for name, c := range current {
			if c.Extends == "" {
				continue
			}
			if _, ok := current[c.Extends]; !ok {
				delete(current, name)
				removed = true
			}
		}
		if !removed {
			break
		}
	}

	out := make([]domain.Capability, 0, len(current))
	for _, c := range current {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return NegotiatedSet{Capabilities: out}
}

// Prune removes orphaned extensions from an already negotiated set.
// Applying it to the output of Negotiate is a no-op.
func Prune(set NegotiatedSet) NegotiatedSet {
	return Negotiate(set.Capabilities, set.Capabilities)
}

func highestVersions(caps []domain.Capability) map[string]domain.Capability {
	out := make(map[string]domain.Capability, len(caps))
	for _, c := range caps {
		if existing, ok := out[c.Name]; ok && compareVersions(existing.Version, c.Version) >= 0 {
			continue
		}
		out[c.Name] = c
	}
	return out
}

// compareVersions orders date-style versions (YYYY-MM-DD). Equal-length
// strings compare lexicographically; otherwise the longer one is newer.
func compareVersions(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// ParseDeclared parses a header value such as
// "dev.ucp.shopping.checkout@2026-01-11, dev.ucp.shopping.discount@2026-01-11".
// Entries without a version are rejected. Extension parents are taken from
// the business registry, since the header carries names only.
func ParseDeclared(header string, business *Registry) ([]domain.Capability, error) {
	var out []domain.Capability
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, version, ok := strings.Cut(part, "@")
		if !ok || name == "" || version == "" {
			return nil, fmt.Errorf("malformed capability %q: want name@version", part)
		}
		c := domain.Capability{Name: name, Version: version}
		if bc, known := business.Get(name); known {
			c.Extends = bc.Extends
		}
		out = append(out, c)
	}
	return out, nil
}

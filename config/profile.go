package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/itayshmool/ucp-engine/internal/domain"
)

// Profile is the optional YAML business profile. It replaces the default
// capability list and toggles payment handlers.
//
//	name: Acme Store
//	capabilities:
//	  - name: dev.ucp.shopping.checkout
//	    version: "2026-01-11"
//	handlers:
//	  apple_pay: true
type Profile struct {
	Name         string              `yaml:"name"`
	Capabilities []domain.Capability `yaml:"capabilities"`
	Handlers     map[string]bool     `yaml:"handlers"`
}

// LoadProfile reads a profile file. An empty path returns an empty profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return &Profile{}, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes profile YAML.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	for i, c := range p.Capabilities {
		if c.Name == "" || c.Version == "" {
			return nil, fmt.Errorf("profile capability %d: name and version are required", i)
		}
	}
	return &p, nil
}

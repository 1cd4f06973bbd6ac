package fees

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultRegion names the policy used when a payment carries no region.
const DefaultRegion = "default"

var ErrUnknownRegion = errors.New("fees: unknown region")

// Registry maps regions to calculators.
type Registry struct {
	defaultRegion string
	calcs         map[string]*Calculator
}

// registryFile is the on-disk YAML layout:
//
//	defaultRegion: uemoa
//	regions:
//	  uemoa:
//	    platformFeePercent: 5
//	    mobileMoneyFixedFee: 500
//	    ...
type registryFile struct {
	DefaultRegion string            `yaml:"defaultRegion"`
	Regions       map[string]Policy `yaml:"regions"`
}

// NewRegistry builds a registry from region policies. defaultRegion must be
// one of the keys.
func NewRegistry(defaultRegion string, policies map[string]Policy) (*Registry, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: no regions configured", ErrInvalidPolicy)
	}
	r := &Registry{
		defaultRegion: normalizeRegion(defaultRegion),
		calcs:         make(map[string]*Calculator, len(policies)),
	}
	for region, p := range policies {
		c, err := NewCalculator(p)
		if err != nil {
			return nil, fmt.Errorf("region %q: %w", region, err)
		}
		r.calcs[normalizeRegion(region)] = c
	}
	if _, ok := r.calcs[r.defaultRegion]; !ok {
		return nil, fmt.Errorf("%w: default region %q has no policy", ErrInvalidPolicy, defaultRegion)
	}
	return r, nil
}

// SingleRegistry wraps one policy as the default region.
func SingleRegistry(p Policy) (*Registry, error) {
	return NewRegistry(DefaultRegion, map[string]Policy{DefaultRegion: p})
}

// ParseRegistry decodes a YAML policy document.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fee policy: %w", err)
	}
	if f.DefaultRegion == "" {
		f.DefaultRegion = DefaultRegion
	}
	return NewRegistry(f.DefaultRegion, f.Regions)
}

// LoadRegistry reads and parses a YAML policy file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read fee policy %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// For returns the calculator for region and the resolved region name.
// An empty region resolves to the default.
func (r *Registry) For(region string) (*Calculator, string, error) {
	key := normalizeRegion(region)
	if key == "" {
		key = r.defaultRegion
	}
	c, ok := r.calcs[key]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}
	return c, key, nil
}

// Default returns the default region's calculator.
func (r *Registry) Default() *Calculator {
	return r.calcs[r.defaultRegion]
}

// DefaultRegionName returns the resolved default region.
func (r *Registry) DefaultRegionName() string {
	return r.defaultRegion
}

// Regions lists configured regions, sorted.
func (r *Registry) Regions() []string {
	out := make([]string, 0, len(r.calcs))
	for k := range r.calcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeRegion(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

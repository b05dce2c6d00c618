package device

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"refoss-lan/internal/transport"
)

// Capability is one behavior a legacy device may advertise.
type Capability uint8

const (
	CapToggle Capability = 1 << iota
	CapToggleX
	CapElectricity
	CapElectricityX
)

var capabilityNames = map[Capability]string{
	CapToggle:       "toggle",
	CapToggleX:      "togglex",
	CapElectricity:  "electricity",
	CapElectricityX: "electricityx",
}

func (c Capability) String() string {
	if n, ok := capabilityNames[c]; ok {
		return n
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// Capabilities is a set of Capability flags.
type Capabilities uint8

func (s Capabilities) Has(c Capability) bool { return uint8(s)&uint8(c) != 0 }

func (s Capabilities) with(c Capability) Capabilities    { return s | Capabilities(c) }
func (s Capabilities) without(c Capability) Capabilities { return s &^ Capabilities(c) }

// Names returns the set members sorted by name.
func (s Capabilities) Names() []string {
	var out []string
	for c, n := range capabilityNames {
		if s.Has(c) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// abilityRegistry maps advertised ability namespaces to capabilities.
var abilityRegistry = map[string]Capability{
	transport.NamespaceControlToggle:       CapToggle,
	transport.NamespaceControlToggleX:      CapToggleX,
	transport.NamespaceControlElectricity:  CapElectricity,
	transport.NamespaceControlElectricityX: CapElectricityX,
}

// extendedPreference lists base capabilities that an extended variant
// replaces when both are advertised.
var extendedPreference = map[Capability]Capability{
	CapToggle:      CapToggleX,
	CapElectricity: CapElectricityX,
}

// capabilitiesFor classifies an ability map.
func capabilitiesFor(abilities map[string]any) Capabilities {
	var caps Capabilities
	for name := range abilities {
		if c, ok := abilityRegistry[name]; ok {
			caps = caps.with(c)
		}
	}
	for base, ext := range extendedPreference {
		if caps.Has(base) && caps.Has(ext) {
			caps = caps.without(base)
		}
	}
	return caps
}

// Profile is the memoized classification of one model:hardware:firmware.
// Every device resolving to the same key shares the same *Profile.
type Profile struct {
	Key          string
	Capabilities Capabilities
	// Components names the behaviors, sorted, for diagnostics.
	Components  []string
	fingerprint string
}

// CachePolicy decides what happens when a device resolves to a cached key
// but advertises a different ability set.
type CachePolicy int

const (
	// PolicyFirstSeen keeps the first classification and warns.
	PolicyFirstSeen CachePolicy = iota
	// PolicyRevalidate replaces the cached profile.
	PolicyRevalidate
)

// ParseCachePolicy accepts "first_seen" (or empty) and "revalidate".
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch s {
	case "", "first_seen":
		return PolicyFirstSeen, nil
	case "revalidate":
		return PolicyRevalidate, nil
	}
	return 0, fmt.Errorf("unknown classifier policy %q", s)
}

func (p CachePolicy) String() string {
	if p == PolicyRevalidate {
		return "revalidate"
	}
	return "first_seen"
}

// Classifier memoizes legacy device classification by model, hardware
// version and firmware version.
type Classifier struct {
	policy CachePolicy
	logger *slog.Logger

	mu       sync.Mutex
	profiles map[string]*Profile
}

func NewClassifier(policy CachePolicy, logger *slog.Logger) *Classifier {
	return &Classifier{
		policy:   policy,
		logger:   logger.With("component", "classifier"),
		profiles: make(map[string]*Profile),
	}
}

// ProfileKey is the cache key for a device generation.
func ProfileKey(model, hw, fw string) string {
	return model + ":" + hw + ":" + fw
}

// Resolve returns the profile for a device generation, classifying the
// abilities on first sight.
func (c *Classifier) Resolve(model, hw, fw string, abilities map[string]any) *Profile {
	key := ProfileKey(model, hw, fw)
	fp := abilityFingerprint(abilities)

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.profiles[key]; ok {
		if p.fingerprint == fp {
			return p
		}
		if c.policy == PolicyFirstSeen {
			c.logger.Warn("ability set differs from cached profile, keeping first seen",
				"key", key, "cached", p.fingerprint, "reported", fp)
			return p
		}
		c.logger.Info("ability set changed, reclassifying", "key", key)
	}

	caps := capabilitiesFor(abilities)
	p := &Profile{
		Key:          key,
		Capabilities: caps,
		Components:   caps.Names(),
		fingerprint:  fp,
	}
	c.profiles[key] = p
	c.logger.Debug("classified device generation", "key", key, "components", p.Components)
	return p
}

// Len returns the number of cached profiles.
func (c *Classifier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.profiles)
}

func abilityFingerprint(abilities map[string]any) string {
	keys := make([]string, 0, len(abilities))
	for k := range abilities {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}

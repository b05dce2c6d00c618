package device

import (
	"slices"
	"testing"

	"refoss-lan/internal/transport"
)

func TestCapabilitiesPreferExtended(t *testing.T) {
	tests := []struct {
		name      string
		abilities []string
		want      []string
	}{
		{
			"extended only",
			[]string{transport.NamespaceControlToggleX, transport.NamespaceControlElectricityX},
			[]string{"electricityx", "togglex"},
		},
		{
			"base and extended both advertised",
			[]string{transport.NamespaceControlToggle, transport.NamespaceControlToggleX,
				transport.NamespaceControlElectricity, transport.NamespaceControlElectricityX},
			[]string{"electricityx", "togglex"},
		},
		{
			"base only",
			[]string{transport.NamespaceControlToggle, transport.NamespaceControlElectricity},
			[]string{"electricity", "toggle"},
		},
		{
			"unknown abilities ignored",
			[]string{transport.NamespaceSystemAll, "Appliance.Config.Wifi"},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			abilities := map[string]any{}
			for _, a := range tt.abilities {
				abilities[a] = map[string]any{}
			}
			got := capabilitiesFor(abilities).Names()
			if !slices.Equal(got, tt.want) {
				t.Errorf("capabilities = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifierReturnsSameProfile(t *testing.T) {
	c := NewClassifier(PolicyFirstSeen, testLogger())
	abilities := map[string]any{transport.NamespaceControlElectricityX: map[string]any{}}

	a := c.Resolve("em06", "1.0.0", "2.1.0", abilities)
	b := c.Resolve("em06", "1.0.0", "2.1.0", abilities)
	if a != b {
		t.Error("same generation resolved to different profiles")
	}
	if a.Key != "em06:1.0.0:2.1.0" {
		t.Errorf("key = %q", a.Key)
	}

	other := c.Resolve("em06", "1.0.0", "2.2.0", abilities)
	if other == a {
		t.Error("different firmware shared a profile")
	}
	if c.Len() != 2 {
		t.Errorf("cached profiles = %d, want 2", c.Len())
	}
}

func TestClassifierPolicy(t *testing.T) {
	first := map[string]any{transport.NamespaceControlElectricityX: nil}
	second := map[string]any{transport.NamespaceControlElectricityX: nil, transport.NamespaceControlToggleX: nil}

	t.Run("first seen keeps composition", func(t *testing.T) {
		c := NewClassifier(PolicyFirstSeen, testLogger())
		a := c.Resolve("em06", "1", "1", first)
		b := c.Resolve("em06", "1", "1", second)
		if a != b {
			t.Fatal("profile replaced under first_seen")
		}
		if b.Capabilities.Has(CapToggleX) {
			t.Error("first_seen profile picked up new ability")
		}
	})

	t.Run("revalidate replaces", func(t *testing.T) {
		c := NewClassifier(PolicyRevalidate, testLogger())
		a := c.Resolve("em06", "1", "1", first)
		b := c.Resolve("em06", "1", "1", second)
		if a == b {
			t.Fatal("profile kept under revalidate")
		}
		if !b.Capabilities.Has(CapToggleX) {
			t.Error("revalidated profile lacks togglex")
		}
		if c.Resolve("em06", "1", "1", second) != b {
			t.Error("matching fingerprint did not reuse profile")
		}
	})
}

func TestParseCachePolicy(t *testing.T) {
	for in, want := range map[string]CachePolicy{"": PolicyFirstSeen, "first_seen": PolicyFirstSeen, "revalidate": PolicyRevalidate} {
		got, err := ParseCachePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseCachePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCachePolicy("never"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

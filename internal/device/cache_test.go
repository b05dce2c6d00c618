package device

import (
	"context"
	"log/slog"
	"slices"
	"testing"

	"refoss-lan/internal/transport"
)

func TestStatusCacheKeepsUnreportedChannels(t *testing.T) {
	c := newStatusCache()
	if _, ok := c.Get(1, "power"); ok {
		t.Fatal("value before any replace")
	}
	c.Replace(1, map[string]any{"power": float64(5), "voltage": nil})
	c.Replace(2, map[string]any{"power": float64(7)})
	c.Replace(1, map[string]any{"power": float64(6)})

	if v, _ := c.Get(1, "power"); v != float64(6) {
		t.Errorf("ch1 power = %v, want 6", v)
	}
	if v, _ := c.Get(2, "power"); v != float64(7) {
		t.Errorf("ch2 power = %v, want 7", v)
	}
	if _, ok := c.Get(1, "voltage"); ok {
		t.Error("replaced field survived")
	}
	if _, ok := c.Snapshot()[3]; ok {
		t.Error("snapshot invented channel 3")
	}
}

// assertSingleMissingWarning checks that exactly one warning was logged and
// that it names want as the missing fields.
func assertSingleMissingWarning(t *testing.T, h *recordHandler, want []string) {
	t.Helper()
	warns := h.warnings()
	if len(warns) != 1 {
		t.Fatalf("warnings = %d, want 1", len(warns))
	}
	v, ok := recordAttr(warns[0], "missing")
	if !ok {
		t.Fatal("warning has no missing attribute")
	}
	got, _ := v.Any().([]string)
	if !slices.Equal(got, want) {
		t.Errorf("missing = %v, want %v", got, want)
	}
}

func TestElectricityXWarnsOnceAboutMissingFields(t *testing.T) {
	h := &recordHandler{level: slog.LevelWarn}
	exec := newFakeExec()
	base := newLANBase(lanIdentity("em06", 1), exec, defaultLANTimeout, slog.New(h))
	d := newLANDevice(base, &Profile{Capabilities: Capabilities(CapElectricityX)})
	ctx := context.Background()

	exec.reply(transport.NamespaceControlElectricityX, electricityReply(
		map[string]any{"channel": float64(1), "power": float64(100), "mConsume": float64(3)},
	))
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}
	// A later response missing more fields does not warn again.
	exec.reply(transport.NamespaceControlElectricityX, electricityReply(
		map[string]any{"channel": float64(1), "power": float64(110)},
	))
	if err := d.Update(ctx); err != nil {
		t.Fatal(err)
	}

	assertSingleMissingWarning(t, h, []string{"factor"})
}

func TestEnergyMonitorRPCWarnsOnceAboutMissingFields(t *testing.T) {
	h := &recordHandler{level: slog.LevelWarn}
	rpc := newFakeRPC()
	m := newEnergyMonitorRPC(newRPCBase(rpcIdentity("em06p", 1), rpc, defaultRPCTimeout, slog.New(h)))
	ctx := context.Background()

	rpc.reply(MethodEmStatusGet, map[string]any{"status": []any{
		map[string]any{"id": float64(1), "power": float64(10), "month_energy": 1.5},
	}})
	if err := m.Update(ctx); err != nil {
		t.Fatal(err)
	}
	rpc.reply(MethodEmStatusGet, map[string]any{"status": []any{
		map[string]any{"id": float64(1), "power": float64(12)},
	}})
	if err := m.Update(ctx); err != nil {
		t.Fatal(err)
	}

	assertSingleMissingWarning(t, h, []string{"power_factor"})
}

func TestFieldCheckQuietWhenComplete(t *testing.T) {
	h := &recordHandler{level: slog.LevelWarn}
	rpc := newFakeRPC()
	m := newEnergyMonitorRPC(newRPCBase(rpcIdentity("em06p", 1), rpc, defaultRPCTimeout, slog.New(h)))

	rpc.reply(MethodEmStatusGet, map[string]any{"status": []any{
		map[string]any{"id": float64(1), "month_energy": 1.5, "power_factor": float64(990)},
	}})
	if err := m.Update(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(h.warnings()); n != 0 {
		t.Errorf("warnings = %d, want 0", n)
	}
}

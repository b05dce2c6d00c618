package device

import (
	"context"

	"refoss-lan/internal/transport"
)

// EnergyMonitorRPC polls Em.Status.Get for all channels at once. Values are
// stored raw: current in mA, voltage in mV, power in mW, power_factor x1000
// and month_energy in kWh.
type EnergyMonitorRPC struct {
	*rpcBase
	cache *StatusCache
	check fieldCheck
}

func newEnergyMonitorRPC(base *rpcBase) *EnergyMonitorRPC {
	return &EnergyMonitorRPC{
		rpcBase: base,
		cache:   newStatusCache(),
		check:   fieldCheck{source: MethodEmStatusGet, idKey: "id", expected: []string{"month_energy", "power_factor"}},
	}
}

func (m *EnergyMonitorRPC) Kind() Kind { return KindEnergyMonitorRPC }

func (m *EnergyMonitorRPC) Update(ctx context.Context) error {
	return m.runUpdate(ctx, m.pollStatus)
}

// pollStatus returns only timeouts; anything else leaves the cache as is.
func (m *EnergyMonitorRPC) pollStatus(ctx context.Context) error {
	res, err := m.Call(ctx, MethodEmStatusGet, map[string]any{"id": AllChannels})
	if err != nil {
		if transport.IsTimeout(err) {
			return err
		}
		m.logger.Debug("em status poll failed", "err", err)
		return nil
	}

	entries := statusEntries(transport.Result(res))
	for _, e := range entries {
		if ch, ok := toInt(e["id"]); ok {
			m.cache.Replace(ch, e)
		}
	}
	if len(entries) > 0 {
		m.check.observe(m.logger, entries[0])
	}
	return nil
}

func (m *EnergyMonitorRPC) Value(channel int, field string) (any, bool) {
	return m.cache.Get(channel, field)
}

func (m *EnergyMonitorRPC) Snapshot() map[int]map[string]any {
	return m.cache.Snapshot()
}

func statusEntries(data map[string]any) []map[string]any {
	list, _ := data["status"].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if e, ok := item.(map[string]any); ok {
			out = append(out, e)
		}
	}
	return out
}

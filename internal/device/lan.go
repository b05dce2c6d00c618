package device

import (
	"context"
	"maps"

	"refoss-lan/internal/transport"
)

// lanPart is one capability's slice of a legacy device: its poll stage and
// the cache it owns.
type lanPart interface {
	update(ctx context.Context) error
	value(channel int, field string) (any, bool)
	snapshot() map[int]map[string]any
}

// LANDevice is a legacy-protocol device whose behavior is fixed by its
// classification profile.
type LANDevice struct {
	*lanBase
	profile *Profile
	parts   []lanPart
}

func (d *LANDevice) Kind() Kind { return KindLAN }

// Profile returns the classification shared with same-generation devices.
func (d *LANDevice) Profile() *Profile { return d.profile }

func (d *LANDevice) Update(ctx context.Context) error {
	stages := make([]stage, len(d.parts))
	for i, p := range d.parts {
		stages[i] = p.update
	}
	return d.runUpdate(ctx, stages...)
}

func (d *LANDevice) Value(channel int, field string) (any, bool) {
	for _, p := range d.parts {
		if v, ok := p.value(channel, field); ok {
			return v, true
		}
	}
	return nil, false
}

func (d *LANDevice) Snapshot() map[int]map[string]any {
	out := make(map[int]map[string]any)
	for _, p := range d.parts {
		for ch, fields := range p.snapshot() {
			if out[ch] == nil {
				out[ch] = make(map[string]any, len(fields))
			}
			maps.Copy(out[ch], fields)
		}
	}
	return out
}

// lanSwitchDevice is a LANDevice granted a toggle capability.
type lanSwitchDevice struct {
	*LANDevice
	*toggleController
}

// newLANDevice assembles the variant for a profile. The profile must grant
// at least one capability.
func newLANDevice(base *lanBase, profile *Profile) Controller {
	d := &LANDevice{lanBase: base, profile: profile}
	caps := profile.Capabilities

	var toggle *toggleController
	switch {
	case caps.Has(CapToggleX):
		toggle = newToggleController(d.lanBase, true)
	case caps.Has(CapToggle):
		toggle = newToggleController(d.lanBase, false)
	}
	if toggle != nil {
		d.parts = append(d.parts, toggle)
	}

	switch {
	case caps.Has(CapElectricityX):
		d.parts = append(d.parts, newElectricityController(d.lanBase, true))
	case caps.Has(CapElectricity):
		d.parts = append(d.parts, newElectricityController(d.lanBase, false))
	}

	if toggle != nil {
		return &lanSwitchDevice{LANDevice: d, toggleController: toggle}
	}
	return d
}

// electricityController polls the energy-monitor namespaces.
type electricityController struct {
	dev      *lanBase
	extended bool
	cache    *StatusCache
	check    fieldCheck
}

func newElectricityController(dev *lanBase, extended bool) *electricityController {
	ns := transport.NamespaceControlElectricity
	if extended {
		ns = transport.NamespaceControlElectricityX
	}
	return &electricityController{
		dev:      dev,
		extended: extended,
		cache:    newStatusCache(),
		check:    fieldCheck{source: ns, idKey: "channel", expected: []string{"factor", "mConsume"}},
	}
}

func (e *electricityController) update(ctx context.Context) error {
	ns := transport.NamespaceControlElectricity
	req := map[string]any{}
	if e.extended {
		ns = transport.NamespaceControlElectricityX
		req = map[string]any{"electricity": map[string]any{"channel": AllChannels}}
	}

	res, err := e.dev.Execute(ctx, "GET", ns, req)
	if err != nil {
		return err
	}
	payload, _ := res["payload"].(map[string]any)

	var records []any
	switch v := payload["electricity"].(type) {
	case []any:
		records = v
	case map[string]any:
		records = []any{v}
	case nil:
		e.dev.logger.Debug("response has no electricity attribute", "payload", payload)
		return nil
	default:
		e.dev.logger.Debug("unexpected electricity attribute", "value", v)
		return nil
	}

	for _, r := range records {
		rec, ok := r.(map[string]any)
		if !ok {
			continue
		}
		ch, ok := toInt(rec["channel"])
		if !ok {
			if e.extended {
				e.dev.logger.Debug("electricity record without channel", "record", rec)
				continue
			}
			ch = 0
		}
		e.cache.Replace(ch, rec)
	}
	if len(records) > 0 {
		if first, ok := records[0].(map[string]any); ok {
			e.check.observe(e.dev.logger, first)
		}
	}
	return nil
}

func (e *electricityController) value(channel int, field string) (any, bool) {
	return e.cache.Get(channel, field)
}

func (e *electricityController) snapshot() map[int]map[string]any {
	return e.cache.Snapshot()
}

// toggleController reads and drives relays through Toggle or ToggleX.
type toggleController struct {
	dev      *lanBase
	extended bool
	cache    *StatusCache
}

func newToggleController(dev *lanBase, extended bool) *toggleController {
	return &toggleController{dev: dev, extended: extended, cache: newStatusCache()}
}

func (t *toggleController) update(ctx context.Context) error {
	res, err := t.dev.Execute(ctx, "GET", transport.NamespaceSystemAll, map[string]any{})
	if err != nil {
		return err
	}
	payload, _ := res["payload"].(map[string]any)
	all, _ := payload["all"].(map[string]any)

	if !t.extended {
		control, _ := all["control"].(map[string]any)
		if st, ok := control["toggle"].(map[string]any); ok {
			t.cache.Replace(0, st)
		}
		return nil
	}

	digest, _ := all["digest"].(map[string]any)
	list, _ := digest["togglex"].([]any)
	for _, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ch, ok := toInt(rec["channel"])
		if !ok {
			continue
		}
		t.cache.Replace(ch, rec)
	}
	return nil
}

func (t *toggleController) value(channel int, field string) (any, bool) {
	return t.cache.Get(channel, field)
}

func (t *toggleController) snapshot() map[int]map[string]any {
	return t.cache.Snapshot()
}

func (t *toggleController) IsOn(channel int) (on, known bool) {
	v, ok := t.cache.Get(channel, "onoff")
	if !ok {
		return false, false
	}
	n, ok := toInt(v)
	if !ok {
		b, isBool := v.(bool)
		return b, isBool
	}
	return n != 0, true
}

func (t *toggleController) TurnOn(ctx context.Context, channel int) error {
	return t.set(ctx, channel, true)
}

func (t *toggleController) TurnOff(ctx context.Context, channel int) error {
	return t.set(ctx, channel, false)
}

// Toggle inverts the cached state; an unknown state is turned on.
func (t *toggleController) Toggle(ctx context.Context, channel int) error {
	on, _ := t.IsOn(channel)
	return t.set(ctx, channel, !on)
}

func (t *toggleController) set(ctx context.Context, channel int, on bool) error {
	onoff := 0
	if on {
		onoff = 1
	}
	ns := transport.NamespaceControlToggle
	req := map[string]any{"toggle": map[string]any{"onoff": onoff}}
	if t.extended {
		ns = transport.NamespaceControlToggleX
		req = map[string]any{"togglex": map[string]any{"channel": channel, "onoff": onoff}}
	}

	if _, err := t.dev.Execute(ctx, "SET", ns, req); err != nil {
		if transport.IsTimeout(err) {
			t.dev.logger.Debug("toggle timed out, next poll reconciles", "channel", channel)
			return nil
		}
		return err
	}
	t.cache.Set(channel, "onoff", onoff)
	return nil
}

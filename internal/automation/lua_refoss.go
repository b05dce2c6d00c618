//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/device"
	"refoss-lan/internal/sensor"
)

// registerRefossModule registers the `refoss` global table in a Lua state.
func registerRefossModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":         func(L *lua.LState) int { return refossOn(L, vm) },
		"turn_on":    func(L *lua.LState) int { return refossSwitch(L, vm, e, coordinator.ActionOn) },
		"turn_off":   func(L *lua.LState) int { return refossSwitch(L, vm, e, coordinator.ActionOff) },
		"toggle":     func(L *lua.LState) int { return refossSwitch(L, vm, e, coordinator.ActionToggle) },
		"is_on":      func(L *lua.LState) int { return refossIsOn(L, e) },
		"get_value":  func(L *lua.LState) int { return refossGetValue(L, e) },
		"get_sensor": func(L *lua.LState) int { return refossGetSensor(L, e) },
		"after":      func(L *lua.LState) int { return refossAfter(L, vm, e) },
		"log":        func(L *lua.LState) int { return refossLog(L, e) },
		"devices":    func(L *lua.LState) int { return refossDevices(L, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("refoss", mod)
}

// refoss.on(event_type, [uuid | {uuid=..., channel=...}], callback)
func refossOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1), channel: -1}

	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case lua.LString:
		h.uuid = string(arg)
		h.fn = L.CheckFunction(3)
	case *lua.LTable:
		if v := arg.RawGetString("uuid"); v != lua.LNil {
			h.uuid = v.String()
		}
		if v, ok := arg.RawGetString("channel").(lua.LNumber); ok {
			h.channel = int(v)
		}
		h.fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "expected uuid, filter table or function")
		return 0
	}

	if err := vm.addHandler(h); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// refoss.turn_on/turn_off/toggle(uuid_or_name, channel) returns true on
// success, or false and an error message.
func refossSwitch(L *lua.LState, vm *scriptVM, e *Engine, action string) int {
	target := L.CheckString(1)
	channel := L.CheckInt(2)

	uuid, ok := resolveDevice(e, target)
	if !ok {
		e.logger.Warn("device not found", "target", target)
		L.Push(lua.LFalse)
		L.Push(lua.LString("device not found: " + target))
		return 2
	}

	ctx, cancel := context.WithTimeout(vm.ctx, controlTimeout)
	defer cancel()
	if err := e.devices.SetSwitch(ctx, uuid, channel, action); err != nil {
		e.logger.Error("script switch command", "uuid", uuid, "channel", channel, "action", action, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// refoss.is_on(uuid_or_name, channel) returns true, false or nil when the
// state is not known.
func refossIsOn(L *lua.LState, e *Engine) int {
	ctrl := checkController(L, e)
	channel := L.CheckInt(2)
	if ctrl == nil {
		L.Push(lua.LNil)
		return 1
	}
	sw, ok := ctrl.(device.Switch)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	on, known := sw.IsOn(channel)
	if !known {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LBool(on))
	return 1
}

// refoss.get_value(uuid_or_name, channel, field) returns the raw cached value.
func refossGetValue(L *lua.LState, e *Engine) int {
	ctrl := checkController(L, e)
	channel := L.CheckInt(2)
	field := L.CheckString(3)
	if ctrl == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, ok := ctrl.Value(channel, field)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v))
	return 1
}

// refoss.get_sensor(uuid_or_name, channel, key) returns a converted sensor
// reading, e.g. power in W.
func refossGetSensor(L *lua.LState, e *Engine) int {
	ctrl := checkController(L, e)
	channel := L.CheckInt(2)
	key := L.CheckString(3)
	if ctrl == nil {
		L.Push(lua.LNil)
		return 1
	}
	typ, ok := sensor.TypeFor(ctrl)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	for _, d := range sensor.Descriptions[typ] {
		if d.Key != key {
			continue
		}
		if v, ok := sensor.Value(ctrl, channel, d); ok {
			L.Push(lua.LNumber(v))
			return 1
		}
		break
	}
	L.Push(lua.LNil)
	return 1
}

// refoss.after(seconds, callback) runs callback later on the script's VM.
func refossAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		queued := vm.enqueue(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		})
		if !queued && vm.ctx.Err() == nil {
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// refoss.log(msg)
func refossLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}

// refoss.devices() returns a list of {uuid, name, model, kind, channels, ready}.
func refossDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, dev := range e.devices.List() {
		d := L.NewTable()
		d.RawSetString("uuid", lua.LString(dev.UUID))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("kind", lua.LString(dev.Kind))
		d.RawSetString("ready", lua.LBool(dev.Ready))
		d.RawSetString("switch", lua.LBool(dev.Switch))
		d.RawSetString("channels", goToLua(L, dev.Channels))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// checkController resolves argument 1 to a live controller, or nil.
func checkController(L *lua.LState, e *Engine) device.Controller {
	target := L.CheckString(1)
	uuid, ok := resolveDevice(e, target)
	if !ok {
		return nil
	}
	ctrl, err := e.devices.Controller(uuid)
	if err != nil {
		e.logger.Debug("controller unavailable", "uuid", uuid, "err", err)
		return nil
	}
	return ctrl
}

// resolveDevice finds a device by uuid or, case-insensitively, by name.
func resolveDevice(e *Engine, target string) (string, bool) {
	devices := e.devices.List()
	for _, dev := range devices {
		if dev.UUID == target {
			return dev.UUID, true
		}
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.Name, target) {
			return dev.UUID, true
		}
	}
	return "", false
}

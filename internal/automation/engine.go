//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"refoss-lan/internal/coordinator"
	"refoss-lan/internal/device"
	"refoss-lan/internal/sensor"
)

const (
	runTimeout     = 5 * time.Second
	controlTimeout = 10 * time.Second
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// deviceAPI is the part of the device manager scripts can reach.
type deviceAPI interface {
	List() []coordinator.DeviceInfo
	Controller(uuid string) (device.Controller, error)
	SetSwitch(ctx context.Context, uuid string, channel int, action string) error
}

// Engine manages Lua VMs and dispatches EventBus events to scripts.
type Engine struct {
	devices deviceAPI
	events  *coordinator.EventBus
	manager *Manager
	logger  *slog.Logger

	systemCfg SystemConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(coord *coordinator.Coordinator, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig) *Engine {
	return newEngine(coord.Devices(), coord.Events(), mgr, logger, sysCfg)
}

func newEngine(devices deviceAPI, events *coordinator.EventBus, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig) *Engine {
	return &Engine{
		devices:   devices,
		events:    events,
		manager:   mgr,
		logger:    logger.With("component", "automation"),
		systemCfg: sysCfg,
		vms:       make(map[string]*scriptVM),
	}
}

// Start subscribes to the EventBus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.events.OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from EventBus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether a script currently has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code once in a throwaway VM and returns its log
// output. Every handler the code registers is called once with a synthetic
// event, so a rule can be tried without waiting for its trigger.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := newScriptVM(ctx, cancel)
	defer vm.state.Close()
	L := vm.state
	e.registerModules(L, vm)

	var (
		logMu sync.Mutex
		logs  []string
	)
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}
	overrideFunc(L, "refoss", "log", func(L *lua.LState) int {
		msg := L.CheckString(1)
		capture(msg)
		e.logger.Info("script run log", "msg", msg)
		return 0
	})
	overrideFunc(L, "system", "log", func(L *lua.LState) int {
		capture("[" + L.CheckString(1) + "] " + L.CheckString(2))
		return 0
	})

	result := func(err error) *RunResult {
		res := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			res.Error = err.Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				res.Error = fmt.Sprintf("timeout (%s)", runTimeout)
			}
			e.logger.Warn("script run failed", "err", res.Error)
		}
		return res
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}
	handlers := vm.snapshotHandlers()
	for _, h := range handlers {
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, trialEvent(L, h)); err != nil {
			return result(err)
		}
	}
	e.logger.Debug("script run complete", "handlers", len(handlers), "logs", len(logs))
	return result(nil)
}

// trialEvent is the argument RunLuaCode passes to each handler: the
// handler's own filter values with the switch reported on.
func trialEvent(L *lua.LState, h luaEventHandler) *lua.LTable {
	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(h.eventType))
	if h.uuid != "" {
		ev.RawSetString("uuid", lua.LString(h.uuid))
	}
	if h.channel >= 0 {
		ev.RawSetString("channel", lua.LNumber(h.channel))
	}
	ev.RawSetString("on", lua.LTrue)
	return ev
}

func overrideFunc(L *lua.LState, module, name string, fn lua.LGFunction) {
	if tbl, ok := L.GetGlobal(module).(*lua.LTable); ok {
		tbl.RawSetString(name, L.NewFunction(fn))
	}
}

func (e *Engine) registerModules(L *lua.LState, vm *scriptVM) {
	registerRefossModule(L, vm, e)
	registerSystemModule(L, e)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// startScript runs the script's top level, which registers its handlers,
// and then hands the VM to its own goroutine.
func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := newScriptVM(ctx, cancel)
	e.registerModules(vm.state, vm)

	if err := vm.state.DoString(s.LuaCode); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go vm.loop()
	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues event on every running VM with a matching handler.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			if !vm.enqueue(func(L *lua.LState) { e.callHandler(L, fn, event) }) {
				if vm.ctx.Err() != nil {
					break
				}
				e.logger.Warn("script queue full, dropping event", "type", event.Type, "uuid", event.UUID())
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event coordinator.Event) bool {
	if h.eventType != event.Type && h.eventType != "*" {
		return false
	}
	if h.uuid != "" && event.UUID() != h.uuid {
		return false
	}
	if h.channel >= 0 {
		if ch, ok := event.Data["channel"].(int); ok && ch != h.channel {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event coordinator.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(event.Type))
	ev.RawSetString("time", lua.LNumber(event.Time.Unix()))
	for k, v := range event.Data {
		ev.RawSetString(k, goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []int:
		t := L.NewTable()
		for i, n := range val {
			t.RawSetInt(i+1, lua.LNumber(n))
		}
		return t
	case map[int]bool:
		// Keyed by channel number, so channel 0 stays addressable.
		t := L.NewTable()
		for ch, on := range val {
			t.RawSet(lua.LNumber(ch), lua.LBool(on))
		}
		return t
	case []sensor.Reading:
		t := L.NewTable()
		for i, r := range val {
			rt := L.NewTable()
			rt.RawSetString("channel", lua.LNumber(r.Channel))
			rt.RawSetString("channel_name", lua.LString(r.ChannelName))
			rt.RawSetString("key", lua.LString(r.Key))
			rt.RawSetString("value", lua.LNumber(r.Value))
			rt.RawSetString("unit", lua.LString(r.Unit))
			t.RawSetInt(i+1, rt)
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

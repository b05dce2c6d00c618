//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	vmQueueSize          = 64
)

// luaEventHandler is a callback registered by refoss.on.
type luaEventHandler struct {
	eventType string // "*" matches every type
	uuid      string // empty = any device
	channel   int    // -1 = any channel
	fn        *lua.LFunction
}

// scriptVM owns one Lua state. After start, only the loop goroutine
// touches state; everything else goes through enqueue.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaEventHandler
}

// newScriptVM creates a sandboxed state bound to ctx. cancel stops the VM.
func newScriptVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	return &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), vmQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (vm *scriptVM) addHandler(h luaEventHandler) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		return fmt.Errorf("too many handlers (max %d)", maxHandlersPerScript)
	}
	vm.handlers = append(vm.handlers, h)
	return nil
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// enqueue schedules fn on the VM goroutine. It reports false if the VM is
// stopped or its queue is full.
func (vm *scriptVM) enqueue(fn func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return false
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

// loop runs queued commands until the VM is cancelled, then closes the state.
func (vm *scriptVM) loop() {
	defer vm.state.Close()
	for {
		select {
		case <-vm.ctx.Done():
			return
		case fn := <-vm.commands:
			fn(vm.state)
		}
	}
}

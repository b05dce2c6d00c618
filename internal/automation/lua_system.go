//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 << 10
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // allowed absolute command paths
	ExecTimeout   time.Duration // per-command limit
}

// now is replaced in tests.
var now = time.Now

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"datetime":     systemDatetime,
		"time_between": systemTimeBetween,
		"in_window":    systemInWindow,
		"log":          func(L *lua.LState) int { return systemLog(L, e) },
		"exec":         func(L *lua.LState) int { return systemExec(L, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("system", mod)
}

// system.datetime(component) returns a date/time component.
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	t := now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(t.Hour()))
	case "minute":
		L.Push(lua.LNumber(t.Minute()))
	case "second":
		L.Push(lua.LNumber(t.Second()))
	case "weekday":
		L.Push(lua.LNumber(t.Weekday()))
	case "day":
		L.Push(lua.LNumber(t.Day()))
	case "month":
		L.Push(lua.LNumber(t.Month()))
	case "year":
		L.Push(lua.LNumber(t.Year()))
	case "timestamp":
		L.Push(lua.LNumber(t.Unix()))
	case "time_str":
		L.Push(lua.LString(t.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(t.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// inRange reports whether x lies in [from, to), wrapping past the end of
// the day when from > to.
func inRange(x, from, to int) bool {
	if from <= to {
		return x >= from && x < to
	}
	return x >= from || x < to
}

// system.time_between(from_hour, to_hour)
func systemTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(inRange(now().Hour(), from, to)))
	return 1
}

// system.in_window("22:30", "06:00") is the minute-precision variant of
// time_between, for tariff windows.
func systemInWindow(L *lua.LState) int {
	from, err := parseClock(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	to, err := parseClock(L.CheckString(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	t := now()
	L.Push(lua.LBool(inRange(t.Hour()*60+t.Minute(), from, to)))
	return 1
}

// parseClock converts HH:MM to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.New("expected HH:MM")
	}
	return t.Hour()*60 + t.Minute(), nil
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// system.exec(cmd) runs an allowlisted command and returns its stdout, or
// an empty string when blocked or failed.
func systemExec(L *lua.LState, e *Engine) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	if !filepath.IsAbs(binary) || !slices.Contains(e.systemCfg.ExecAllowlist, binary) {
		e.logger.Warn("exec blocked", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("exec timeout", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}

	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	L.Push(lua.LString(string(stdout)))
	return 1
}

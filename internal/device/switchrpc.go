package device

import (
	"context"

	"refoss-lan/internal/transport"
)

// SwitchRPC polls every relay channel with its own Switch.Status.Get call.
type SwitchRPC struct {
	*rpcBase
	cache *StatusCache
}

func newSwitchRPC(base *rpcBase) *SwitchRPC {
	return &SwitchRPC{rpcBase: base, cache: newStatusCache()}
}

func (s *SwitchRPC) Kind() Kind { return KindSwitchRPC }

func (s *SwitchRPC) Update(ctx context.Context) error {
	return s.runUpdate(ctx, s.pollChannels)
}

// pollChannels queries channels sequentially. A failing channel is skipped;
// a timeout aborts the rest of the cycle.
func (s *SwitchRPC) pollChannels(ctx context.Context) error {
	for _, ch := range s.Channels() {
		res, err := s.Call(ctx, MethodSwitchStatusGet, map[string]any{"id": ch})
		if err != nil {
			if transport.IsTimeout(err) {
				return err
			}
			s.logger.Debug("switch status poll failed", "channel", ch, "err", err)
			continue
		}
		s.cache.Replace(ch, transport.Result(res))
	}
	return nil
}

func (s *SwitchRPC) Value(channel int, field string) (any, bool) {
	return s.cache.Get(channel, field)
}

func (s *SwitchRPC) Snapshot() map[int]map[string]any {
	return s.cache.Snapshot()
}

func (s *SwitchRPC) IsOn(channel int) (on, known bool) {
	v, ok := s.cache.Get(channel, "output")
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (s *SwitchRPC) TurnOn(ctx context.Context, channel int) error {
	return s.action(ctx, channel, "on")
}

func (s *SwitchRPC) TurnOff(ctx context.Context, channel int) error {
	return s.action(ctx, channel, "off")
}

func (s *SwitchRPC) Toggle(ctx context.Context, channel int) error {
	return s.action(ctx, channel, "toggle")
}

// action sends Switch.Action.Set. The device answers with the prior state,
// from which the new output is written to the cache right away.
func (s *SwitchRPC) action(ctx context.Context, channel int, action string) error {
	res, err := s.Call(ctx, MethodSwitchActionSet, map[string]any{"id": channel, "action": action})
	if err != nil {
		if transport.IsTimeout(err) {
			s.logger.Debug("switch action timed out, next poll reconciles", "channel", channel, "action", action)
			return nil
		}
		return err
	}

	wasOn, ok := transport.Result(res)["was_on"].(bool)
	if !ok {
		return nil
	}
	var out bool
	switch action {
	case "on":
		out = true
	case "off":
		out = false
	case "toggle":
		out = !wasOn
	}
	s.cache.Set(channel, "output", out)
	return nil
}

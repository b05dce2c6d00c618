package device

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"refoss-lan/internal/transport"
)

// AllChannels asks a device for every channel in one request.
const AllChannels = 65535

// RPC method names.
const (
	MethodDeviceInfoGet   = "Refoss.DeviceInfo.Get"
	MethodMethodsList     = "Refoss.Methods.List"
	MethodConfigGet       = "Refoss.Config.Get"
	MethodEmStatusGet     = "Em.Status.Get"
	MethodSwitchStatusGet = "Switch.Status.Get"
	MethodSwitchActionSet = "Switch.Action.Set"
)

const probeTimeout = 5 * time.Second

// energyMonitorModels are assumed to speak Em.* when Methods.List fails.
var energyMonitorModels = map[string]bool{
	"em06p": true,
	"em16p": true,
	"em01p": true,
}

type buildOptions struct {
	timeout time.Duration
}

// Option tunes a builder.
type Option func(*buildOptions)

// WithTimeout sets the per-call timeout of the built controller.
func WithTimeout(d time.Duration) Option {
	return func(o *buildOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func applyOptions(def time.Duration, opts []Option) buildOptions {
	o := buildOptions{timeout: def}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ProbeRPC asks host for its RPC device info. ok is false when the host does
// not speak the RPC protocol; that is never an error.
func ProbeRPC(ctx context.Context, caller RPCCaller, host string, logger *slog.Logger) (Identity, bool) {
	res, err := caller.Call(ctx, MethodDeviceInfoGet, nil, probeTimeout)
	if err != nil {
		logger.Debug("rpc probe failed", "host", host, "err", err)
		return Identity{}, false
	}
	info := transport.Result(res)
	model, _ := info["model"].(string)
	if model == "" {
		return Identity{}, false
	}

	name := stringField(info, "name")
	if name == "" {
		name = model
	}
	return Identity{
		UUID:     stringField(info, "dev_id"),
		Name:     name,
		Model:    strings.ToLower(model),
		Firmware: stringField(info, "fw_ver"),
		Hardware: stringField(info, "hw_ver"),
		Host:     host,
		Port:     "80",
		MAC:      NormalizeMAC(stringField(info, "mac")),
		Protocol: ProtocolRPC,
		Channels: []int{1},
	}, true
}

// ProbeLAN reads the identity of a legacy device from Appliance.System.All.
func ProbeLAN(ctx context.Context, exec Executor, host string) (Identity, error) {
	res, err := exec.Execute(ctx, "", "GET", transport.NamespaceSystemAll, map[string]any{}, probeTimeout)
	if err != nil {
		return Identity{}, fmt.Errorf("probe %s: %w", host, err)
	}
	payload, _ := res["payload"].(map[string]any)
	all, _ := payload["all"].(map[string]any)
	system, _ := all["system"].(map[string]any)
	hw, _ := system["hardware"].(map[string]any)
	fw, _ := system["firmware"].(map[string]any)
	if hw == nil || stringField(hw, "uuid") == "" {
		return Identity{}, fmt.Errorf("probe %s: %w: no hardware section", host, ErrInvalidMessage)
	}

	id := Identity{
		UUID:     stringField(hw, "uuid"),
		Model:    stringField(hw, "type"),
		Hardware: stringField(hw, "version"),
		Firmware: stringField(fw, "version"),
		Host:     host,
		Port:     "80",
		MAC:      NormalizeMAC(stringField(hw, "macAddress")),
		SubType:  stringField(hw, "subType"),
		Protocol: ProtocolLAN,
	}
	id.Name = id.Model

	digest, _ := all["digest"].(map[string]any)
	if list, ok := digest["togglex"].([]any); ok {
		id.Channels, _ = channelsFromList(list, nil)
	}
	return id, nil
}

// BuildLAN fetches the device abilities, classifies them and returns a
// controller after one successful update.
func BuildLAN(ctx context.Context, id Identity, exec Executor, classifier *Classifier, logger *slog.Logger, opts ...Option) (Controller, error) {
	o := applyOptions(defaultLANTimeout, opts)
	base := newLANBase(id, exec, o.timeout, logger)

	res, err := base.Execute(ctx, "GET", transport.NamespaceSystemAbility, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("get abilities of %s: %w", id.Host, err)
	}
	payload, _ := res["payload"].(map[string]any)
	abilities, ok := payload["ability"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("get abilities of %s: %w", id.Host, ErrInvalidMessage)
	}

	profile := classifier.Resolve(id.Model, id.Hardware, id.Firmware, abilities)
	if profile.Capabilities == 0 {
		return nil, fmt.Errorf("%w: no known abilities at %s", ErrUnsupportedDevice, id.Host)
	}

	ctrl := newLANDevice(base, profile)
	if err := ctrl.Update(ctx); err != nil {
		return nil, fmt.Errorf("initial update of %s: %w", id.Host, err)
	}

	if len(id.Channels) == 0 {
		chs := snapshotChannels(ctrl.Snapshot())
		if len(chs) == 0 {
			chs = []int{0}
		}
		base.setChannels(chs)
	}
	return ctrl, nil
}

// BuildRPC discovers what an RPC device supports, picks the energy-monitor
// or switch controller, and returns it after one successful update.
func BuildRPC(ctx context.Context, id Identity, caller RPCCaller, logger *slog.Logger, opts ...Option) (Controller, error) {
	o := applyOptions(defaultRPCTimeout, opts)
	base := newRPCBase(id, caller, o.timeout, logger)
	log := base.logger

	methods := map[string]bool{}
	if res, err := base.Call(ctx, MethodMethodsList, nil); err != nil {
		log.Debug("methods list unavailable", "err", err)
	} else {
		list, _ := transport.Result(res)["methods"].([]any)
		for _, m := range list {
			if s, ok := m.(string); ok {
				methods[s] = true
			}
		}
	}
	if len(methods) == 0 {
		if energyMonitorModels[strings.ToLower(id.Model)] {
			methods[MethodEmStatusGet] = true
		} else {
			methods[MethodSwitchStatusGet] = true
		}
	}

	var ctrl Controller
	switch {
	case methods[MethodEmStatusGet]:
		if chs := discoverEmChannels(ctx, base); len(chs) > 0 {
			base.setChannels(chs)
		}
		ctrl = newEnergyMonitorRPC(base)
	case methods[MethodSwitchStatusGet]:
		if chs := discoverSwitchChannels(ctx, base); len(chs) > 0 {
			base.setChannels(chs)
		}
		ctrl = newSwitchRPC(base)
	default:
		return nil, fmt.Errorf("%w: no Switch or Em methods found at %s", ErrUnsupportedDevice, id.Host)
	}

	if err := ctrl.Update(ctx); err != nil {
		return nil, fmt.Errorf("initial update of %s: %w", id.Host, err)
	}
	return ctrl, nil
}

func discoverEmChannels(ctx context.Context, b *rpcBase) []int {
	res, err := b.Call(ctx, MethodEmStatusGet, map[string]any{"id": AllChannels})
	if err != nil {
		b.logger.Debug("could not determine em channels", "err", err)
		return nil
	}
	var chs []int
	for _, e := range statusEntries(transport.Result(res)) {
		if ch, ok := toInt(e["id"]); ok {
			chs = append(chs, ch)
		}
	}
	return chs
}

func discoverSwitchChannels(ctx context.Context, b *rpcBase) []int {
	res, err := b.Call(ctx, MethodConfigGet, nil)
	if err != nil {
		b.logger.Debug("could not determine switch channels", "err", err)
		return nil
	}
	var chs []int
	for key := range transport.Result(res) {
		idx, ok := strings.CutPrefix(key, "switch:")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			continue
		}
		chs = append(chs, n)
	}
	slices.Sort(chs)
	return chs
}

func snapshotChannels(snap map[int]map[string]any) []int {
	chs := make([]int, 0, len(snap))
	for ch := range snap {
		chs = append(chs, ch)
	}
	slices.Sort(chs)
	return chs
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

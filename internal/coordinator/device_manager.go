package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"refoss-lan/internal/device"
	"refoss-lan/internal/sensor"
	"refoss-lan/internal/store"
)

var (
	// ErrNotReady is returned for a configured device whose controller
	// could not be built yet.
	ErrNotReady = errors.New("device not ready")
	// ErrNotSwitch is returned for relay commands on a meter.
	ErrNotSwitch = errors.New("device has no switch")
	// ErrAlreadyExists is returned when adding a device twice.
	ErrAlreadyExists = errors.New("device already exists")
	// ErrUnknownChannel is returned for a channel the device does not have.
	ErrUnknownChannel = errors.New("unknown channel")
)

// lastSeenInterval is the minimum gap between persisted last_seen stamps.
const lastSeenInterval = time.Minute

// Switch actions.
const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionToggle = "toggle"
)

type managedDevice struct {
	record *store.Device
	ctrl   device.Controller
	poller *Poller
	cancel context.CancelFunc
	err    error
	fatal  bool
}

// DeviceManager handles device lifecycle: setup from stored records, adding
// by address, polling, control and removal.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]*managedDevice
	wg      sync.WaitGroup
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:   coord,
		logger:  coord.logger.With("component", "device_manager"),
		devices: make(map[string]*managedDevice),
	}
}

// LoadAll sets up every stored device. Failures are kept for RetryPending.
func (dm *DeviceManager) LoadAll(ctx context.Context) error {
	records, err := dm.coord.Store().ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, rec := range records {
		if rec.Unsupported {
			dm.track(rec, &managedDevice{record: rec, err: device.ErrUnsupportedDevice, fatal: true})
			continue
		}
		if err := dm.setup(ctx, rec); err != nil {
			dm.logger.Warn("device setup failed", "uuid", rec.UUID, "host", rec.Host, "err", err)
		}
	}
	return nil
}

// RetryPending retries setup of devices that failed with a recoverable error.
func (dm *DeviceManager) RetryPending(ctx context.Context) {
	dm.mu.RLock()
	var pending []*store.Device
	for _, md := range dm.devices {
		if md.ctrl == nil && !md.fatal {
			pending = append(pending, md.record)
		}
	}
	dm.mu.RUnlock()

	for _, rec := range pending {
		if err := dm.setup(ctx, rec); err != nil {
			dm.logger.Debug("retry setup failed", "uuid", rec.UUID, "err", err)
		}
	}
}

func (dm *DeviceManager) track(rec *store.Device, md *managedDevice) {
	dm.mu.Lock()
	dm.devices[rec.UUID] = md
	dm.mu.Unlock()
}

// current re-reads a record that a setup started from. Remove and Rename
// write the store while holding dm.mu, so a caller holding dm.mu sees the
// latest name and never a removed device. ok is false after removal.
func (dm *DeviceManager) current(rec *store.Device) (*store.Device, bool) {
	cur, err := dm.coord.Store().GetDevice(rec.UUID)
	if err != nil {
		return nil, false
	}
	cp := *rec
	cp.Name = cur.Name
	return &cp, true
}

// setup builds the controller for a stored record and starts polling it.
func (dm *DeviceManager) setup(ctx context.Context, rec *store.Device) error {
	ctrl, err := dm.build(ctx, rec)
	if err != nil {
		fatal := errors.Is(err, device.ErrUnsupportedDevice)
		dm.mu.Lock()
		cur, kept := dm.current(rec)
		if kept {
			dm.devices[rec.UUID] = &managedDevice{record: cur, err: err, fatal: fatal}
		}
		dm.mu.Unlock()
		if !kept {
			dm.logger.Debug("device removed during setup", "uuid", rec.UUID)
			return err
		}
		if fatal {
			if uerr := dm.coord.Store().UpdateDevice(rec.UUID, func(d *store.Device) error {
				d.Unsupported = true
				return nil
			}); uerr != nil {
				dm.logger.Error("mark device unsupported", "uuid", rec.UUID, "err", uerr)
			}
		}
		dm.coord.Events().Emit(deviceEvent(EventSetupFailed, rec.UUID, map[string]any{
			"host":  rec.Host,
			"error": err.Error(),
			"fatal": fatal,
		}))
		return err
	}

	if chs := ctrl.Channels(); !slices.Equal(chs, dm.storedChannels(rec)) {
		rec = dm.saveChannels(rec, ctrl.Identity())
	}
	if !dm.start(rec, ctrl) {
		dm.logger.Debug("device removed during setup", "uuid", rec.UUID)
	}
	return nil
}

func (dm *DeviceManager) build(ctx context.Context, rec *store.Device) (device.Controller, error) {
	id, err := identityFromRecord(rec, dm.logger)
	if err != nil {
		return nil, err
	}
	return dm.buildIdentity(ctx, id)
}

func (dm *DeviceManager) buildIdentity(ctx context.Context, id device.Identity) (device.Controller, error) {
	cfg := dm.coord.Config()
	switch id.Protocol {
	case device.ProtocolRPC:
		return device.BuildRPC(ctx, id, dm.coord.dialer.RPC(id.Host), dm.coord.logger, device.WithTimeout(cfg.RPCTimeout))
	default:
		return device.BuildLAN(ctx, id, dm.coord.dialer.LAN(id.Host), dm.coord.classifier, dm.coord.logger, device.WithTimeout(cfg.LANTimeout))
	}
}

func (dm *DeviceManager) storedChannels(rec *store.Device) []int {
	chs, _ := device.ParseChannels(rec.Channels, dm.logger)
	return chs
}

func (dm *DeviceManager) saveChannels(rec *store.Device, id device.Identity) *store.Device {
	updated := recordFromIdentity(id)
	err := dm.coord.Store().UpdateDevice(rec.UUID, func(d *store.Device) error {
		d.Channels = updated.Channels
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("save discovered channels", "uuid", rec.UUID, "err", err)
		}
		return rec
	}
	cp := *rec
	cp.Channels = updated.Channels
	return &cp
}

// start wires the controller's post-update hooks and launches its poller.
// It returns false, and drops ctrl, when the record was removed meanwhile.
func (dm *DeviceManager) start(rec *store.Device, ctrl device.Controller) bool {
	cfg := dm.coord.Config()
	uuid := rec.UUID

	var seen seenThrottle
	ctrl.AfterUpdate(func(ctx context.Context) error {
		dm.emitUpdated(ctrl)
		return nil
	})
	ctrl.AfterUpdate(func(ctx context.Context) error {
		if seen.due(time.Now()) {
			dm.touch(uuid)
		}
		return nil
	})

	pollCtx, cancel := context.WithCancel(dm.coord.Context())
	poller := newPoller(ctrl, cfg.PollInterval, cfg.MaxErrors, dm.coord.Events(), dm.coord.logger)

	dm.mu.Lock()
	cur, ok := dm.current(rec)
	if !ok {
		dm.mu.Unlock()
		cancel()
		return false
	}
	rec = cur
	ctrl.SetName(displayName(rec.Name, rec.Model))
	if old, ok := dm.devices[uuid]; ok && old.cancel != nil {
		old.cancel()
	}
	dm.devices[uuid] = &managedDevice{record: rec, ctrl: ctrl, poller: poller, cancel: cancel}
	dm.mu.Unlock()

	dm.logger.Info("device ready", "uuid", uuid, "name", rec.Name, "host", rec.Host,
		"kind", ctrl.Kind().String(), "channels", ctrl.Channels())

	// The builder already ran the first update.
	dm.emitUpdated(ctrl)

	dm.wg.Add(1)
	go func() {
		defer dm.wg.Done()
		poller.Run(pollCtx)
	}()
	return true
}

// seenThrottle spaces out last_seen writes so a healthy device does not
// cost a store transaction on every poll.
type seenThrottle struct {
	mu   sync.Mutex
	last time.Time
}

func (s *seenThrottle) due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.IsZero() && now.Sub(s.last) < lastSeenInterval {
		return false
	}
	s.last = now
	return true
}

func (dm *DeviceManager) touch(uuid string) {
	err := dm.coord.Store().UpdateDevice(uuid, func(d *store.Device) error {
		d.LastSeen = time.Now()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		dm.logger.Error("save device last_seen", "uuid", uuid, "err", err)
	}
}

func (dm *DeviceManager) emitUpdated(ctrl device.Controller) {
	id := ctrl.Identity()
	dm.coord.Events().Emit(deviceEvent(EventDeviceUpdated, id.UUID, map[string]any{
		"name":     id.Name,
		"model":    id.Model,
		"readings": sensor.Readings(ctrl),
		"states":   switchStates(ctrl),
	}))
}

func switchStates(ctrl device.Controller) map[int]bool {
	sw, ok := ctrl.(device.Switch)
	if !ok {
		return nil
	}
	out := make(map[int]bool)
	for _, ch := range ctrl.Channels() {
		if on, known := sw.IsOn(ch); known {
			out[ch] = on
		}
	}
	return out
}

// Probe identifies the device at host, trying the RPC protocol first.
func (dm *DeviceManager) Probe(ctx context.Context, host string) (device.Identity, error) {
	if id, ok := device.ProbeRPC(ctx, dm.coord.dialer.RPC(host), host, dm.logger); ok {
		return id, nil
	}
	id, err := device.ProbeLAN(ctx, dm.coord.dialer.LAN(host), host)
	if err != nil {
		return device.Identity{}, err
	}
	return id, nil
}

// Add probes host, builds its controller, persists the record and starts
// polling.
func (dm *DeviceManager) Add(ctx context.Context, host string) (*store.Device, error) {
	id, err := dm.Probe(ctx, host)
	if err != nil {
		return nil, err
	}
	if id.UUID == "" {
		return nil, fmt.Errorf("device at %s reported no id: %w", host, device.ErrInvalidMessage)
	}
	if _, err := dm.coord.Store().GetDevice(id.UUID); err == nil {
		return nil, fmt.Errorf("%s: %w", id.UUID, ErrAlreadyExists)
	}

	ctrl, err := dm.buildIdentity(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := recordFromIdentity(ctrl.Identity())
	rec.AddedAt = time.Now()
	rec.LastSeen = rec.AddedAt
	if err := dm.coord.Store().SaveDevice(rec); err != nil {
		return nil, fmt.Errorf("save device: %w", err)
	}

	dm.logger.Info("device added", "uuid", rec.UUID, "host", host, "protocol", rec.Protocol)
	dm.coord.Events().Emit(deviceEvent(EventDeviceAdded, rec.UUID, map[string]any{
		"name":     rec.Name,
		"model":    rec.Model,
		"host":     rec.Host,
		"protocol": rec.Protocol,
	}))
	if !dm.start(rec, ctrl) {
		return nil, fmt.Errorf("device %s removed while adding: %w", rec.UUID, store.ErrNotFound)
	}
	return rec, nil
}

// Remove stops polling a device and deletes its record.
func (dm *DeviceManager) Remove(uuid string) error {
	if _, err := dm.coord.Store().GetDevice(uuid); err != nil {
		return err
	}

	dm.mu.Lock()
	if err := dm.coord.Store().DeleteDevice(uuid); err != nil {
		dm.mu.Unlock()
		return fmt.Errorf("delete device: %w", err)
	}
	if md, ok := dm.devices[uuid]; ok {
		if md.cancel != nil {
			md.cancel()
		}
		delete(dm.devices, uuid)
	}
	dm.mu.Unlock()

	dm.logger.Info("device removed", "uuid", uuid)
	dm.coord.Events().Emit(deviceEvent(EventDeviceRemoved, uuid, nil))
	return nil
}

// Rename sets the display name of a device. An empty name falls back to the
// model. A running controller carries the new name from its next update.
func (dm *DeviceManager) Rename(uuid, name string) error {
	name = strings.TrimSpace(name)

	dm.mu.Lock()
	err := dm.coord.Store().UpdateDevice(uuid, func(d *store.Device) error {
		d.Name = name
		return nil
	})
	if err != nil {
		dm.mu.Unlock()
		return err
	}
	shown := name
	if md, ok := dm.devices[uuid]; ok {
		cp := *md.record
		cp.Name = name
		md.record = &cp
		shown = displayName(name, cp.Model)
		if md.ctrl != nil {
			md.ctrl.SetName(shown)
		}
	}
	dm.mu.Unlock()

	dm.logger.Info("device renamed", "uuid", uuid, "name", name)
	dm.coord.Events().Emit(deviceEvent(EventDeviceRenamed, uuid, map[string]any{"name": shown}))
	return nil
}

// StopAll cancels every poller and waits for them to exit.
func (dm *DeviceManager) StopAll() {
	dm.mu.Lock()
	for _, md := range dm.devices {
		if md.cancel != nil {
			md.cancel()
		}
	}
	dm.mu.Unlock()
	dm.wg.Wait()
}

// Controller returns the live controller of a device.
func (dm *DeviceManager) Controller(uuid string) (device.Controller, error) {
	dm.mu.RLock()
	md, ok := dm.devices[uuid]
	dm.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %s: %w", uuid, store.ErrNotFound)
	}
	if md.ctrl == nil {
		return nil, fmt.Errorf("device %s: %w: %v", uuid, ErrNotReady, md.err)
	}
	return md.ctrl, nil
}

// Refresh polls a device immediately.
func (dm *DeviceManager) Refresh(ctx context.Context, uuid string) error {
	dm.mu.RLock()
	md, ok := dm.devices[uuid]
	dm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("device %s: %w", uuid, store.ErrNotFound)
	}
	if md.poller == nil {
		return fmt.Errorf("device %s: %w", uuid, ErrNotReady)
	}
	return md.poller.Poll(ctx)
}

// SetSwitch drives one relay channel. action is on, off or toggle.
func (dm *DeviceManager) SetSwitch(ctx context.Context, uuid string, channel int, action string) error {
	ctrl, err := dm.Controller(uuid)
	if err != nil {
		return err
	}
	sw, ok := ctrl.(device.Switch)
	if !ok {
		return fmt.Errorf("device %s: %w", uuid, ErrNotSwitch)
	}
	if !slices.Contains(ctrl.Channels(), channel) {
		return fmt.Errorf("device %s channel %d: %w", uuid, channel, ErrUnknownChannel)
	}

	switch action {
	case ActionOn:
		err = sw.TurnOn(ctx, channel)
	case ActionOff:
		err = sw.TurnOff(ctx, channel)
	case ActionToggle:
		err = sw.Toggle(ctx, channel)
	default:
		return fmt.Errorf("unknown switch action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s channel %d: %w", action, channel, err)
	}

	on, known := sw.IsOn(channel)
	dm.logger.Info("switch", "uuid", uuid, "channel", channel, "action", action, "on", on)
	dm.coord.Events().Emit(deviceEvent(EventSwitchState, uuid, map[string]any{
		"channel": channel,
		"on":      on,
		"known":   known,
	}))
	return nil
}

func (dm *DeviceManager) TurnOn(ctx context.Context, uuid string, channel int) error {
	return dm.SetSwitch(ctx, uuid, channel, ActionOn)
}

func (dm *DeviceManager) TurnOff(ctx context.Context, uuid string, channel int) error {
	return dm.SetSwitch(ctx, uuid, channel, ActionOff)
}

func (dm *DeviceManager) Toggle(ctx context.Context, uuid string, channel int) error {
	return dm.SetSwitch(ctx, uuid, channel, ActionToggle)
}

// DeviceInfo is the presentation view of one configured device.
type DeviceInfo struct {
	UUID       string           `json:"uuid"`
	Name       string           `json:"name"`
	Model      string           `json:"model"`
	Host       string           `json:"host"`
	MAC        string           `json:"mac,omitempty"`
	Firmware   string           `json:"firmware,omitempty"`
	Protocol   string           `json:"protocol"`
	Kind       string           `json:"kind,omitempty"`
	Channels   []int            `json:"channels"`
	Ready      bool             `json:"ready"`
	Switch     bool             `json:"switch"`
	SensorType string           `json:"sensor_type,omitempty"`
	SetupError string           `json:"setup_error,omitempty"`
	Poll       PollState        `json:"poll"`
	LastUpdate time.Time        `json:"last_update"`
	States     map[int]bool     `json:"states,omitempty"`
	Readings   []sensor.Reading `json:"readings,omitempty"`
}

func (md *managedDevice) info() DeviceInfo {
	rec := md.record
	proto := rec.Protocol
	if proto == "" {
		proto = string(device.ProtocolLAN)
	}
	info := DeviceInfo{
		UUID:     rec.UUID,
		Name:     rec.Name,
		Model:    rec.Model,
		Host:     rec.Host,
		MAC:      rec.MAC,
		Firmware: rec.Firmware,
		Protocol: proto,
	}
	if md.err != nil {
		info.SetupError = md.err.Error()
	}
	if md.ctrl == nil {
		info.Channels = []int{}
		return info
	}
	_, info.Switch = md.ctrl.(device.Switch)
	info.Ready = true
	info.Kind = md.ctrl.Kind().String()
	if typ, ok := sensor.TypeFor(md.ctrl); ok {
		info.SensorType = string(typ)
	}
	info.Channels = md.ctrl.Channels()
	info.LastUpdate = md.ctrl.LastUpdate()
	info.States = switchStates(md.ctrl)
	info.Readings = sensor.Readings(md.ctrl)
	if md.poller != nil {
		info.Poll = md.poller.State()
	}
	return info
}

// List returns every configured device sorted by name.
func (dm *DeviceManager) List() []DeviceInfo {
	dm.mu.RLock()
	out := make([]DeviceInfo, 0, len(dm.devices))
	for _, md := range dm.devices {
		out = append(out, md.info())
	}
	dm.mu.RUnlock()
	slices.SortFunc(out, func(a, b DeviceInfo) int {
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		if a.UUID < b.UUID {
			return -1
		}
		if a.UUID > b.UUID {
			return 1
		}
		return 0
	})
	return out
}

// Get returns one configured device.
func (dm *DeviceManager) Get(uuid string) (DeviceInfo, error) {
	dm.mu.RLock()
	md, ok := dm.devices[uuid]
	dm.mu.RUnlock()
	if !ok {
		return DeviceInfo{}, fmt.Errorf("device %s: %w", uuid, store.ErrNotFound)
	}
	return md.info(), nil
}

// Diagnostics returns the identity and raw per-channel caches of a device.
func (dm *DeviceManager) Diagnostics(uuid string) (map[string]any, error) {
	ctrl, err := dm.Controller(uuid)
	if err != nil {
		return nil, err
	}
	id := ctrl.Identity()
	diag := map[string]any{
		"device_info": map[string]any{
			"device_type":      id.Model,
			"inner_ip":         id.Host,
			"mac":              id.MAC,
			"firmware_version": id.Firmware,
			"hardware_version": id.Hardware,
			"channels":         id.Channels,
			"protocol":         string(id.Protocol),
			"kind":             ctrl.Kind().String(),
		},
		"raw_data": ctrl.Snapshot(),
	}
	if p, ok := ctrl.(interface{ Profile() *device.Profile }); ok {
		diag["profile"] = map[string]any{
			"key":             p.Profile().Key,
			"components":      p.Profile().Components,
			"cached_profiles": dm.coord.classifier.Len(),
		}
	}
	return diag, nil
}

package bluetooth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/usenocturne/panlink/ws"
)

// Broadcaster receives device events; *ws.WebSocketHub satisfies it.
type Broadcaster interface {
	Broadcast(event ws.Event)
}

type Options struct {
	Log     logrus.FieldLogger
	Events  Broadcaster
	Links   Links
	PanRole string
}

// BluetoothManager keeps one Device per peripheral across listings and
// turns BlueZ signals and link removals into device state and events.
type BluetoothManager struct {
	transport Transport
	adapter   *Adapter
	events    Broadcaster
	links     Links
	log       logrus.FieldLogger

	// mu guards the registry only, never device state.
	mu      sync.Mutex
	devices map[dbus.ObjectPath]*Device
}

func NewBluetoothManager(ctx context.Context, transport Transport, opts Options) (*BluetoothManager, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	adapter, err := DiscoverAdapter(ctx, transport, log)
	if err != nil {
		return nil, fmt.Errorf("failed to find bluetooth adapter: %w", err)
	}
	adapter.WithPanRole(opts.PanRole)

	if err := adapter.SetPowered(ctx, true); err != nil {
		return nil, fmt.Errorf("failed to power on adapter: %w", err)
	}

	return &BluetoothManager{
		transport: transport,
		adapter:   adapter,
		events:    opts.Events,
		links:     opts.Links,
		log:       log,
		devices:   make(map[dbus.ObjectPath]*Device),
	}, nil
}

func (m *BluetoothManager) Adapter() *Adapter {
	return m.adapter
}

func (m *BluetoothManager) broadcast(eventType string, payload interface{}) {
	if m.events == nil {
		return
	}
	m.events.Broadcast(ws.Event{Type: eventType, Payload: payload})
}

// Devices re-lists the adapter's peripherals. Devices already known keep
// their instance (and PAN status) and take the freshly decoded properties.
func (m *BluetoothManager) Devices(ctx context.Context) ([]*Device, error) {
	listed, err := m.adapter.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	next := make(map[dbus.ObjectPath]*Device, len(listed))
	for p, fresh := range listed {
		if existing, ok := m.devices[p]; ok {
			existing.setProperties(fresh.Properties())
			next[p] = existing
			continue
		}
		next[p] = fresh
	}
	m.devices = next
	m.mu.Unlock()

	devices := make([]*Device, 0, len(next))
	for _, d := range next {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path() < devices[j].Path() })
	return devices, nil
}

func (m *BluetoothManager) cached(p dbus.ObjectPath) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[p]
	return d, ok
}

func (m *BluetoothManager) snapshot() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	return devices
}

// Device returns the device for address, listing the adapter again if it
// is not known yet.
func (m *BluetoothManager) Device(ctx context.Context, address string) (*Device, error) {
	p := m.adapter.DevicePath(address)
	if d, ok := m.cached(p); ok {
		return d, nil
	}
	if _, err := m.Devices(ctx); err != nil {
		return nil, err
	}
	if d, ok := m.cached(p); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%s: %w", address, ErrDeviceNotFound)
}

func (m *BluetoothManager) RefreshDevice(ctx context.Context, address string) (DeviceProperties, error) {
	d, err := m.Device(ctx, address)
	if err != nil {
		return DeviceProperties{}, err
	}
	if err := <-d.Refresh(ctx); err != nil {
		return DeviceProperties{}, err
	}
	d.UpdateRSSI(ctx)

	m.broadcast(ws.EventDeviceRefreshed, ws.DeviceRefreshedPayload{Address: address})
	return d.Properties(), nil
}

// ConnectNetwork trusts a paired device if needed, connects its PAN profile
// and waits for the result.
func (m *BluetoothManager) ConnectNetwork(ctx context.Context, address string) (PanStatus, error) {
	d, err := m.Device(ctx, address)
	if err != nil {
		return PanStatus{}, err
	}

	if props := d.Properties(); props.Paired && !props.Trusted {
		if err := d.SetTrusted(ctx, true); err != nil {
			return PanStatus{}, fmt.Errorf("failed to set device as trusted: %w", err)
		}
	}

	if err := <-d.ConnectPan(ctx); err != nil {
		return d.PanStatus(), fmt.Errorf("failed to connect network: %w", err)
	}

	status := d.PanStatus()
	if m.links != nil {
		up, err := m.links.InterfaceUp(status.Interface)
		if err != nil || !up {
			m.log.WithError(err).WithField("iface", status.Interface).Warn("PAN interface is not up")
		}
	}

	m.broadcast(ws.EventNetworkConnected, ws.NetworkConnectedPayload{
		Address:   address,
		Interface: status.Interface,
	})
	return status, nil
}

func (m *BluetoothManager) DisconnectNetwork(ctx context.Context, address string) error {
	d, err := m.Device(ctx, address)
	if err != nil {
		return err
	}

	prev := d.PanStatus()
	if err := <-d.DisconnectPan(ctx); err != nil {
		return fmt.Errorf("failed to disconnect network: %w", err)
	}

	m.broadcast(ws.EventNetworkDisconnected, ws.NetworkDisconnectedPayload{
		Address:   address,
		Interface: prev.Interface,
	})
	return nil
}

func (m *BluetoothManager) NetworkStatus(ctx context.Context, address string) (PanStatus, error) {
	d, err := m.Device(ctx, address)
	if err != nil {
		return PanStatus{}, err
	}
	return d.RefreshPanStatus(ctx)
}

// HandleSignal processes a PropertiesChanged signal from BlueZ.
func (m *BluetoothManager) HandleSignal(ctx context.Context, signal *dbus.Signal) {
	if signal == nil || signal.Name != DBUS_PROPERTIES_CHANGED_SIGNAL || len(signal.Body) < 2 {
		return
	}
	iface, ok := signal.Body[0].(string)
	if !ok {
		return
	}
	changes, ok := signal.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch iface {
	case BLUEZ_DEVICE_INTERFACE:
		connected, ok := changes["Connected"]
		if !ok {
			return
		}
		if c, ok := connected.Value().(bool); ok && !c {
			address := m.adapter.AddressFromPath(signal.Path)
			m.log.WithField("path", signal.Path).Info("Device disconnected")
			m.broadcast(ws.EventDeviceDisconnected, ws.DeviceDisconnectedPayload{Address: address})
		}

	case BLUEZ_NETWORK_INTERFACE:
		d, ok := m.cached(signal.Path)
		if !ok {
			return
		}
		prev := d.PanStatus()
		status, err := d.RefreshPanStatus(ctx)
		if err != nil {
			m.log.WithError(err).WithField("path", signal.Path).Warn("Failed to resync PAN status")
			return
		}
		if status == prev {
			return
		}

		address := m.adapter.AddressFromPath(signal.Path)
		if status.State == PanConnected {
			m.broadcast(ws.EventNetworkConnected, ws.NetworkConnectedPayload{Address: address, Interface: status.Interface})
		} else {
			m.broadcast(ws.EventNetworkDisconnected, ws.NetworkDisconnectedPayload{Address: address, Interface: prev.Interface})
		}
	}
}

// HandleLinkRemoved marks every device bound to name as disconnected.
func (m *BluetoothManager) HandleLinkRemoved(name string) {
	matched := false
	for _, d := range m.snapshot() {
		if !d.swapPanStatus(Connected(name), Disconnected()) {
			continue
		}
		matched = true
		m.log.WithField("iface", name).WithField("path", d.Path()).Info("PAN interface removed")
		m.broadcast(ws.EventNetworkDisconnected, ws.NetworkDisconnectedPayload{
			Address:   m.adapter.AddressFromPath(d.Path()),
			Interface: name,
		})
	}

	if !matched && strings.HasPrefix(name, PAN_INTERFACE_PREFIX) {
		m.log.WithField("iface", name).Info("PAN interface removed")
		m.broadcast(ws.EventNetworkDisconnected, ws.NetworkDisconnectedPayload{Interface: name})
	}
}

// Run feeds BlueZ signals and link removals into the manager until ctx is done.
func (m *BluetoothManager) Run(ctx context.Context) error {
	signals, err := m.transport.Signals(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch bluez signals: %w", err)
	}

	var removed <-chan string
	if m.links != nil {
		removed, err = m.links.Removed(ctx)
		if err != nil {
			m.log.WithError(err).Warn("Failed to subscribe to link updates")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case signal, ok := <-signals:
			if !ok {
				return nil
			}
			m.HandleSignal(ctx, signal)
		case name, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			m.HandleLinkRemoved(name)
		}
	}
}

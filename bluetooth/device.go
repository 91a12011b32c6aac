package bluetooth

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Device is one BlueZ peripheral. Its property snapshot and PAN status are
// guarded independently; no lock is held while a bus call is in flight.
type Device struct {
	path      dbus.ObjectPath
	transport Transport
	log       logrus.FieldLogger
	panRole   string

	propsMu sync.RWMutex
	props   DeviceProperties

	panMu sync.RWMutex
	pan   PanStatus
}

// NewDevice returns a device with empty properties and a disconnected PAN session.
func NewDevice(transport Transport, path dbus.ObjectPath, log logrus.FieldLogger) *Device {
	return newDevice(transport, path, DeviceProperties{}, log, DEFAULT_PAN_ROLE)
}

func newDevice(transport Transport, path dbus.ObjectPath, props DeviceProperties, log logrus.FieldLogger, panRole string) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if panRole == "" {
		panRole = DEFAULT_PAN_ROLE
	}
	return &Device{
		path:      path,
		transport: transport,
		log:       log.WithField("path", path),
		panRole:   panRole,
		props:     props,
		pan:       Disconnected(),
	}
}

func (d *Device) Path() dbus.ObjectPath {
	return d.path
}

// Properties returns a copy of the current snapshot.
func (d *Device) Properties() DeviceProperties {
	d.propsMu.RLock()
	defer d.propsMu.RUnlock()
	return d.props.clone()
}

func (d *Device) PanStatus() PanStatus {
	d.panMu.RLock()
	defer d.panMu.RUnlock()
	return d.pan
}

func (d *Device) setProperties(props DeviceProperties) {
	d.propsMu.Lock()
	d.props = props
	d.propsMu.Unlock()
}

func (d *Device) setPanStatus(status PanStatus) {
	d.panMu.Lock()
	d.pan = status
	d.panMu.Unlock()
}

// swapPanStatus installs next only if the current status is still expected.
func (d *Device) swapPanStatus(expected, next PanStatus) bool {
	d.panMu.Lock()
	defer d.panMu.Unlock()
	if d.pan != expected {
		return false
	}
	d.pan = next
	return true
}

// Refresh fetches all Device1 properties and replaces the cached snapshot.
// The returned channel yields exactly one result and is then closed. On
// failure the previous snapshot is kept.
func (d *Device) Refresh(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- d.refresh(ctx)
	}()
	return done
}

func (d *Device) refresh(ctx context.Context) error {
	body, err := d.transport.Call(ctx, d.path, DBUS_PROPERTIES_INTERFACE+".GetAll", BLUEZ_DEVICE_INTERFACE)
	if err != nil {
		return err
	}

	raw := make(map[string]dbus.Variant)
	if err := dbus.Store(body, &raw); err != nil {
		return transportError("GetAll", d.path, err)
	}

	props, err := DecodeDeviceProperties(raw)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", d.path, err)
	}

	d.setProperties(props)
	return nil
}

// UpdateRSSI reads the RSSI property and updates only that field. Failures
// are logged and the cached value is left alone.
func (d *Device) UpdateRSSI(ctx context.Context) {
	v, err := d.transport.GetProperty(ctx, d.path, BLUEZ_DEVICE_INTERFACE, "RSSI")
	if err != nil {
		d.log.WithError(err).Warn("Failed to read RSSI")
		return
	}

	n, ok := integerBits(unwrapVariant(v.Value()))
	if !ok {
		d.log.WithError(&DecodeError{Key: "RSSI", Want: "integer", Got: v.Value()}).Warn("Failed to read RSSI")
		return
	}

	d.propsMu.Lock()
	d.props.RSSI = int16(n)
	d.propsMu.Unlock()
}

// SetTrusted sets the Device1 Trusted flag. The cached snapshot picks the
// change up on the next Refresh.
func (d *Device) SetTrusted(ctx context.Context, trusted bool) error {
	return d.transport.SetProperty(ctx, d.path, BLUEZ_DEVICE_INTERFACE, "Trusted", trusted)
}

// ConnectPan moves the device to PanConnecting before returning and then
// asks BlueZ to connect the network profile. On success the status becomes
// PanConnected with the interface BlueZ reports. On failure it falls back to
// PanDisconnected unless another update has replaced PanConnecting meanwhile.
func (d *Device) ConnectPan(ctx context.Context) <-chan error {
	d.setPanStatus(Connecting())

	done := make(chan error, 1)
	go func() {
		defer close(done)

		iface, err := d.connectPan(ctx)
		if err != nil {
			d.swapPanStatus(Connecting(), Disconnected())
			done <- err
			return
		}

		d.setPanStatus(Connected(iface))
		d.log.WithField("iface", iface).Info("PAN connected")
		done <- nil
	}()
	return done
}

func (d *Device) connectPan(ctx context.Context) (string, error) {
	body, err := d.transport.Call(ctx, d.path, BLUEZ_NETWORK_INTERFACE+".Connect", d.panRole)
	if err != nil {
		return "", err
	}

	var iface string
	if err := dbus.Store(body, &iface); err != nil {
		return "", transportError(BLUEZ_NETWORK_INTERFACE+".Connect", d.path, err)
	}
	return iface, nil
}

// DisconnectPan asks BlueZ to tear down the network profile regardless of
// the cached status, and marks the device disconnected on success.
func (d *Device) DisconnectPan(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)

		if _, err := d.transport.Call(ctx, d.path, BLUEZ_NETWORK_INTERFACE+".Disconnect"); err != nil {
			done <- err
			return
		}

		d.setPanStatus(Disconnected())
		d.log.Info("PAN disconnected")
		done <- nil
	}()
	return done
}

// RefreshPanStatus reads the Network1 state from BlueZ, installs it and
// returns it.
func (d *Device) RefreshPanStatus(ctx context.Context) (PanStatus, error) {
	v, err := d.transport.GetProperty(ctx, d.path, BLUEZ_NETWORK_INTERFACE, "Connected")
	if err != nil {
		return PanStatus{}, err
	}
	connected, ok := unwrapVariant(v.Value()).(bool)
	if !ok {
		return PanStatus{}, &DecodeError{Key: "Connected", Want: "bool", Got: v.Value()}
	}

	status := Disconnected()
	if connected {
		v, err := d.transport.GetProperty(ctx, d.path, BLUEZ_NETWORK_INTERFACE, "Interface")
		if err != nil {
			return PanStatus{}, err
		}
		iface, ok := unwrapVariant(v.Value()).(string)
		if !ok {
			return PanStatus{}, &DecodeError{Key: "Interface", Want: "string", Got: v.Value()}
		}
		status = Connected(iface)
	}

	d.setPanStatus(status)
	return status, nil
}

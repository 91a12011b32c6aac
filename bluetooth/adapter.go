package bluetooth

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Adapter is the local controller that exposes LEAdvertisingManager1.
type Adapter struct {
	path      dbus.ObjectPath
	transport Transport
	log       logrus.FieldLogger
	panRole   string
}

// DiscoverAdapter scans the BlueZ object tree for the adapter that supports
// LE advertising. It returns ErrAdapterNotFound when there is none.
func DiscoverAdapter(ctx context.Context, transport Transport, log logrus.FieldLogger) (*Adapter, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	objects, err := transport.ManagedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}

	var candidates []string
	for p, interfaces := range objects {
		if _, ok := interfaces[BLUEZ_LE_ADVERTISING_MANAGER]; ok {
			candidates = append(candidates, string(p))
		}
	}
	if len(candidates) == 0 {
		return nil, ErrAdapterNotFound
	}
	sort.Strings(candidates)

	adapterPath := dbus.ObjectPath(candidates[0])
	log.WithField("path", adapterPath).Info("Found adapter")

	return &Adapter{
		path:      adapterPath,
		transport: transport,
		log:       log.WithField("adapter", adapterPath),
		panRole:   DEFAULT_PAN_ROLE,
	}, nil
}

// WithPanRole sets the Network1 role used by devices listed from this adapter.
func (a *Adapter) WithPanRole(role string) *Adapter {
	if role != "" {
		a.panRole = role
	}
	return a
}

func (a *Adapter) Path() dbus.ObjectPath {
	return a.path
}

func (a *Adapter) SetPowered(ctx context.Context, on bool) error {
	return a.transport.SetProperty(ctx, a.path, BLUEZ_ADAPTER_INTERFACE, "Powered", on)
}

func (a *Adapter) IsPowered(ctx context.Context) (bool, error) {
	v, err := a.transport.GetProperty(ctx, a.path, BLUEZ_ADAPTER_INTERFACE, "Powered")
	if err != nil {
		return false, err
	}
	powered, ok := unwrapVariant(v.Value()).(bool)
	if !ok {
		return false, &DecodeError{Key: "Powered", Want: "bool", Got: v.Value()}
	}
	return powered, nil
}

// SetDiscoverable toggles both Discoverable and Pairable.
func (a *Adapter) SetDiscoverable(ctx context.Context, on bool) error {
	if err := a.transport.SetProperty(ctx, a.path, BLUEZ_ADAPTER_INTERFACE, "Discoverable", on); err != nil {
		return err
	}
	return a.transport.SetProperty(ctx, a.path, BLUEZ_ADAPTER_INTERFACE, "Pairable", on)
}

// ListDevices enumerates the Device1 objects directly below the adapter.
// Objects whose properties fail to decode are logged and skipped. The
// result is a snapshot; nothing is cached between calls.
func (a *Adapter) ListDevices(ctx context.Context) (map[dbus.ObjectPath]*Device, error) {
	objects, err := a.transport.ManagedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}

	devices := make(map[dbus.ObjectPath]*Device)
	for p, interfaces := range objects {
		if !a.isChild(p) {
			continue
		}
		raw, ok := interfaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}

		props, err := DecodeDeviceProperties(raw)
		if err != nil {
			a.log.WithError(err).WithField("path", p).Warn("Skipping device with malformed properties")
			continue
		}

		devices[p] = newDevice(a.transport, p, props, a.log, a.panRole)
	}

	return devices, nil
}

func (a *Adapter) isChild(p dbus.ObjectPath) bool {
	return p.IsValid() && path.Dir(string(p)) == string(a.path)
}

// DevicePath returns the object path BlueZ uses for address under this adapter.
func (a *Adapter) DevicePath(address string) dbus.ObjectPath {
	return formatDevicePath(a.path, address)
}

// AddressFromPath turns .../dev_AA_BB_CC_DD_EE_FF into AA:BB:CC:DD:EE:FF.
func (a *Adapter) AddressFromPath(p dbus.ObjectPath) string {
	address := strings.TrimPrefix(string(p), string(a.path)+"/"+DEVICE_PATH_PREFIX)
	return strings.ReplaceAll(address, "_", ":")
}

func formatDevicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	formattedAddress := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("%s/%s%s", adapter, DEVICE_PATH_PREFIX, formattedAddress))
}

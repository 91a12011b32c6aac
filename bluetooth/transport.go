package bluetooth

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// ManagedObjects is the reply of org.freedesktop.DBus.ObjectManager.GetManagedObjects:
// object path -> interface -> property -> value.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Transport is the bus collaborator the adapter and devices talk through.
type Transport interface {
	ManagedObjects(ctx context.Context) (ManagedObjects, error)
	GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)
	SetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string, value interface{}) error
	// Call invokes method (fully qualified, e.g. "org.bluez.Network1.Connect")
	// on path and returns the reply body.
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error)
	// Signals delivers PropertiesChanged signals emitted below BLUEZ_OBJECT_PATH
	// until ctx is done.
	Signals(ctx context.Context) (<-chan *dbus.Signal, error)
}

// DBusTransport implements Transport on a godbus connection to BlueZ.
type DBusTransport struct {
	conn    *dbus.Conn
	timeout time.Duration
}

// NewDBusTransport wraps conn. Every call is bounded by timeout on top of
// the caller's context; zero disables the extra deadline.
func NewDBusTransport(conn *dbus.Conn, timeout time.Duration) *DBusTransport {
	return &DBusTransport{conn: conn, timeout: timeout}
}

// SystemBusTransport connects to the system bus.
func SystemBusTransport(timeout time.Duration) (*DBusTransport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return NewDBusTransport(conn, timeout), nil
}

func (t *DBusTransport) Close() error {
	return t.conn.Close()
}

func (t *DBusTransport) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout)
}

func (t *DBusTransport) ManagedObjects(ctx context.Context) (ManagedObjects, error) {
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	objects := make(ManagedObjects)
	obj := t.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.CallWithContext(ctx, DBUS_OBJECT_MANAGER_INTERFACE+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, transportError("GetManagedObjects", "/", err)
	}
	return objects, nil
}

func (t *DBusTransport) GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	var v dbus.Variant
	obj := t.conn.Object(BLUEZ_BUS_NAME, path)
	if err := obj.CallWithContext(ctx, DBUS_PROPERTIES_INTERFACE+".Get", 0, iface, name).Store(&v); err != nil {
		return dbus.Variant{}, transportError("get "+iface+"."+name, path, err)
	}
	return v, nil
}

func (t *DBusTransport) SetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string, value interface{}) error {
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	obj := t.conn.Object(BLUEZ_BUS_NAME, path)
	err := obj.CallWithContext(ctx, DBUS_PROPERTIES_INTERFACE+".Set", 0, iface, name, dbus.MakeVariant(value)).Err
	return transportError("set "+iface+"."+name, path, err)
}

func (t *DBusTransport) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	call := t.conn.Object(BLUEZ_BUS_NAME, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, transportError(method, path, call.Err)
	}
	return call.Body, nil
}

func (t *DBusTransport) Signals(ctx context.Context) (<-chan *dbus.Signal, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(DBUS_PROPERTIES_INTERFACE),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(BLUEZ_OBJECT_PATH),
	}
	if err := t.conn.AddMatchSignalContext(ctx, opts...); err != nil {
		return nil, transportError("AddMatch", BLUEZ_OBJECT_PATH, err)
	}

	raw := make(chan *dbus.Signal, 10)
	t.conn.Signal(raw)

	out := make(chan *dbus.Signal)
	go func() {
		defer close(out)
		defer func() {
			t.conn.RemoveSignal(raw)
			_ = t.conn.RemoveMatchSignal(opts...)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-raw:
				if !ok {
					return
				}
				if sig.Name != DBUS_PROPERTIES_CHANGED_SIGNAL {
					continue
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

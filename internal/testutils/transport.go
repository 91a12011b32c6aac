// Package testutils provides in-memory stand-ins for the bus, netlink and
// the event hub.
package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/usenocturne/panlink/bluetooth"
)

const (
	AdapterPath = dbus.ObjectPath("/org/bluez/hci0")
	DevicePath  = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	DeviceAddr  = "AA:BB:CC:DD:EE:FF"
)

var errNoSuchProperty = errors.New("org.freedesktop.DBus.Error.InvalidArgs: No such property")

type SetCall struct {
	Path  dbus.ObjectPath
	Iface string
	Name  string
	Value interface{}
}

type MethodCall struct {
	Path   dbus.ObjectPath
	Method string
	Args   []interface{}
}

// CallFunc answers a method call. Returning (nil, nil) falls through to the
// default behaviour.
type CallFunc func(ctx context.Context, call MethodCall) ([]interface{}, error)

// FakeTransport is an in-memory bluetooth.Transport. Properties.GetAll is
// answered from the managed objects unless OnCall handles it.
type FakeTransport struct {
	mu         sync.Mutex
	objects    bluetooth.ManagedObjects
	objectsErr error
	properties map[string]dbus.Variant
	getErr     error
	setErr     error
	onCall     CallFunc
	sets       []SetCall
	calls      []MethodCall
	signals    chan *dbus.Signal
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		objects:    make(bluetooth.ManagedObjects),
		properties: make(map[string]dbus.Variant),
		signals:    make(chan *dbus.Signal, 16),
	}
}

func propertyKey(path dbus.ObjectPath, iface, name string) string {
	return string(path) + "|" + iface + "." + name
}

// Variants wraps plain values the way godbus hands them out.
func Variants(values map[string]interface{}) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(values))
	for k, v := range values {
		out[k] = dbus.MakeVariant(v)
	}
	return out
}

// AdapterObject is the interface set BlueZ exports for an LE capable adapter.
func AdapterObject() map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		bluetooth.BLUEZ_ADAPTER_INTERFACE:      Variants(map[string]interface{}{"Powered": false}),
		bluetooth.BLUEZ_LE_ADVERTISING_MANAGER: {},
	}
}

func (f *FakeTransport) AddObject(path dbus.ObjectPath, interfaces map[string]map[string]dbus.Variant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = interfaces
}

func (f *FakeTransport) RemoveObject(path dbus.ObjectPath) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
}

// AddDevice exports a Device1 object with the given properties.
func (f *FakeTransport) AddDevice(path dbus.ObjectPath, props map[string]interface{}) {
	f.AddObject(path, map[string]map[string]dbus.Variant{
		bluetooth.BLUEZ_DEVICE_INTERFACE: Variants(props),
	})
}

func (f *FakeTransport) FailObjects(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objectsErr = err
}

func (f *FakeTransport) FailGet(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

func (f *FakeTransport) FailSet(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setErr = err
}

// Put stores a property returned by GetProperty.
func (f *FakeTransport) Put(path dbus.ObjectPath, iface, name string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.properties[propertyKey(path, iface, name)] = dbus.MakeVariant(value)
}

func (f *FakeTransport) HandleCalls(fn CallFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

func (f *FakeTransport) Sets() []SetCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SetCall(nil), f.sets...)
}

func (f *FakeTransport) Calls() []MethodCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MethodCall(nil), f.calls...)
}

// Emit queues a signal for Signals subscribers.
func (f *FakeTransport) Emit(signal *dbus.Signal) {
	f.signals <- signal
}

func (f *FakeTransport) ManagedObjects(ctx context.Context) (bluetooth.ManagedObjects, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objectsErr != nil {
		return nil, &bluetooth.TransportError{Op: "GetManagedObjects", Path: "/", Err: f.objectsErr}
	}
	out := make(bluetooth.ManagedObjects, len(f.objects))
	for p, interfaces := range f.objects {
		out[p] = interfaces
	}
	return out, nil
}

func (f *FakeTransport) GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := "get " + iface + "." + name
	if f.getErr != nil {
		return dbus.Variant{}, &bluetooth.TransportError{Op: op, Path: path, Err: f.getErr}
	}
	v, ok := f.properties[propertyKey(path, iface, name)]
	if !ok {
		return dbus.Variant{}, &bluetooth.TransportError{Op: op, Path: path, Err: errNoSuchProperty}
	}
	return v, nil
}

func (f *FakeTransport) SetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return &bluetooth.TransportError{Op: "set " + iface + "." + name, Path: path, Err: f.setErr}
	}
	f.sets = append(f.sets, SetCall{Path: path, Iface: iface, Name: name, Value: value})
	f.properties[propertyKey(path, iface, name)] = dbus.MakeVariant(value)
	return nil
}

func (f *FakeTransport) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	call := MethodCall{Path: path, Method: method, Args: args}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	fn := f.onCall
	f.mu.Unlock()

	if fn != nil {
		body, err := fn(ctx, call)
		if body != nil || err != nil {
			return body, err
		}
	}

	if method == bluetooth.DBUS_PROPERTIES_INTERFACE+".GetAll" && len(args) == 1 {
		iface, _ := args[0].(string)
		f.mu.Lock()
		defer f.mu.Unlock()
		props, ok := f.objects[path][iface]
		if !ok {
			return nil, &bluetooth.TransportError{Op: method, Path: path, Err: errors.New("org.freedesktop.DBus.Error.UnknownObject")}
		}
		return []interface{}{props}, nil
	}

	return nil, nil
}

func (f *FakeTransport) Signals(ctx context.Context) (<-chan *dbus.Signal, error) {
	return f.signals, nil
}

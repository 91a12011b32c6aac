package bluetooth_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenocturne/panlink/bluetooth"
	"github.com/usenocturne/panlink/internal/testutils"
)

const (
	getAllMethod     = bluetooth.DBUS_PROPERTIES_INTERFACE + ".GetAll"
	panConnect       = bluetooth.BLUEZ_NETWORK_INTERFACE + ".Connect"
	panDisconnect    = bluetooth.BLUEZ_NETWORK_INTERFACE + ".Disconnect"
	networkInterface = bluetooth.BLUEZ_NETWORK_INTERFACE
)

func newTestDevice(t *testing.T) (*testutils.FakeTransport, *bluetooth.Device, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	fake := testutils.NewFakeTransport()
	return fake, bluetooth.NewDevice(fake, testutils.DevicePath, logger), hook
}

func TestNewDevice(t *testing.T) {
	_, d, _ := newTestDevice(t)

	assert.Equal(t, testutils.DevicePath, d.Path())
	assert.Equal(t, bluetooth.DeviceProperties{}, d.Properties())
	assert.Equal(t, bluetooth.Disconnected(), d.PanStatus())
}

func TestDevice_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces the whole snapshot", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)

		fake.AddDevice(testutils.DevicePath, map[string]interface{}{"Name": "old", "Alias": "alias"})
		require.NoError(t, <-d.Refresh(ctx))
		assert.Equal(t, bluetooth.DeviceProperties{Name: "old", Alias: "alias"}, d.Properties())

		fake.AddDevice(testutils.DevicePath, map[string]interface{}{"Name": "new"})
		require.NoError(t, <-d.Refresh(ctx))
		assert.Equal(t, bluetooth.DeviceProperties{Name: "new"}, d.Properties())

		calls := fake.Calls()
		require.NotEmpty(t, calls)
		assert.Equal(t, getAllMethod, calls[0].Method)
		assert.Equal(t, []interface{}{bluetooth.BLUEZ_DEVICE_INTERFACE}, calls[0].Args)
	})

	t.Run("keeps snapshot on transport error", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		fake.AddDevice(testutils.DevicePath, map[string]interface{}{"Name": "kept"})
		require.NoError(t, <-d.Refresh(ctx))

		fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
			return nil, &bluetooth.TransportError{Op: call.Method, Path: call.Path, Err: errors.New("timeout")}
		})

		done := d.Refresh(ctx)
		err := <-done
		var transportErr *bluetooth.TransportError
		require.True(t, errors.As(err, &transportErr))

		_, open := <-done
		assert.False(t, open, "result channel is closed after one value")
		assert.Equal(t, "kept", d.Properties().Name)
	})

	t.Run("keeps snapshot on decode error", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		fake.AddDevice(testutils.DevicePath, map[string]interface{}{"Name": "kept"})
		require.NoError(t, <-d.Refresh(ctx))

		fake.AddDevice(testutils.DevicePath, map[string]interface{}{"Name": "new", "UUIDs": []string{"bad"}})
		err := <-d.Refresh(ctx)
		var decodeErr *bluetooth.DecodeError
		require.True(t, errors.As(err, &decodeErr))
		assert.Equal(t, "UUIDs", decodeErr.Key)
		assert.Equal(t, "kept", d.Properties().Name)
	})
}

func TestDevice_Refresh_ConcurrentReaders(t *testing.T) {
	fake, d, _ := newTestDevice(t)

	snapshots := []map[string]interface{}{
		{"Name": "a", "Alias": "a", "Address": "a", "Icon": "a", "RSSI": int16(-1)},
		{"Name": "b", "Alias": "b", "Address": "b", "Icon": "b", "RSSI": int16(-2)},
	}
	var n atomic.Int64
	fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
		if call.Method != getAllMethod {
			return nil, nil
		}
		snap := snapshots[n.Add(1)%2]
		return []interface{}{testutils.Variants(snap)}, nil
	})

	expectedRSSI := map[string]int16{"": 0, "a": -1, "b": -2}
	var (
		torn    atomic.Int64
		stop    = make(chan struct{})
		readers sync.WaitGroup
		writers sync.WaitGroup
	)

	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p := d.Properties()
				if p.Alias != p.Name || p.Address != p.Name || p.Icon != p.Name || p.RSSI != expectedRSSI[p.Name] {
					torn.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, <-d.Refresh(context.Background()))
			}
		}()
	}

	writers.Wait()
	close(stop)
	readers.Wait()

	assert.Zero(t, torn.Load(), "readers observed a mixed snapshot")
	assert.Contains(t, []string{"a", "b"}, d.Properties().Name)
}

func TestDevice_UpdateRSSI(t *testing.T) {
	ctx := context.Background()

	t.Run("updates only rssi", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		fake.AddDevice(testutils.DevicePath, map[string]interface{}{"Name": "x", "RSSI": int16(-70)})
		require.NoError(t, <-d.Refresh(ctx))

		fake.Put(testutils.DevicePath, bluetooth.BLUEZ_DEVICE_INTERFACE, "RSSI", int16(-30))
		d.UpdateRSSI(ctx)

		assert.Equal(t, bluetooth.DeviceProperties{Name: "x", RSSI: -30}, d.Properties())
	})

	t.Run("logs and keeps value on failure", func(t *testing.T) {
		fake, d, hook := newTestDevice(t)
		fake.AddDevice(testutils.DevicePath, map[string]interface{}{"RSSI": int16(-70)})
		require.NoError(t, <-d.Refresh(ctx))

		fake.FailGet(errors.New("timeout"))
		d.UpdateRSSI(ctx)

		assert.Equal(t, int16(-70), d.Properties().RSSI)
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	})

	t.Run("logs and keeps value on wrong type", func(t *testing.T) {
		fake, d, hook := newTestDevice(t)
		fake.Put(testutils.DevicePath, bluetooth.BLUEZ_DEVICE_INTERFACE, "RSSI", "loud")
		d.UpdateRSSI(ctx)

		assert.Zero(t, d.Properties().RSSI)
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	})
}

func TestDevice_SetTrusted(t *testing.T) {
	fake, d, _ := newTestDevice(t)

	require.NoError(t, d.SetTrusted(context.Background(), true))
	assert.Equal(t, []testutils.SetCall{{
		Path:  testutils.DevicePath,
		Iface: bluetooth.BLUEZ_DEVICE_INTERFACE,
		Name:  "Trusted",
		Value: true,
	}}, fake.Sets())
}

func TestDevice_ConnectPan(t *testing.T) {
	fake, d, _ := newTestDevice(t)

	release := make(chan struct{})
	fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
		if call.Method != panConnect {
			return nil, nil
		}
		<-release
		return []interface{}{"bnep0"}, nil
	})

	done := d.ConnectPan(context.Background())
	assert.Equal(t, bluetooth.Connecting(), d.PanStatus(), "connecting before the reply arrives")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, bluetooth.Connected("bnep0"), d.PanStatus())

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, testutils.DevicePath, calls[0].Path)
	assert.Equal(t, panConnect, calls[0].Method)
	assert.Equal(t, []interface{}{"nap"}, calls[0].Args)
}

func TestDevice_ConnectPan_Failure(t *testing.T) {
	t.Run("reverts to disconnected", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
			return nil, &bluetooth.TransportError{Op: call.Method, Err: errors.New("org.bluez.Error.Failed")}
		})

		err := <-d.ConnectPan(context.Background())
		var transportErr *bluetooth.TransportError
		require.True(t, errors.As(err, &transportErr))
		assert.Equal(t, bluetooth.Disconnected(), d.PanStatus())
	})

	t.Run("keeps a status installed meanwhile", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		fake.Put(testutils.DevicePath, networkInterface, "Connected", true)
		fake.Put(testutils.DevicePath, networkInterface, "Interface", "bnep1")
		fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
			if _, err := d.RefreshPanStatus(ctx); err != nil {
				return nil, err
			}
			return nil, errors.New("org.bluez.Error.AlreadyConnected")
		})

		require.Error(t, <-d.ConnectPan(context.Background()))
		assert.Equal(t, bluetooth.Connected("bnep1"), d.PanStatus())
	})

	t.Run("canceled context", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := d.ConnectPan(ctx)
		assert.Equal(t, bluetooth.Connecting(), d.PanStatus())
		cancel()

		assert.ErrorIs(t, <-done, context.Canceled)
		assert.Equal(t, bluetooth.Disconnected(), d.PanStatus())
	})

	t.Run("reply without interface", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
			return []interface{}{true}, nil
		})

		require.Error(t, <-d.ConnectPan(context.Background()))
		assert.Equal(t, bluetooth.Disconnected(), d.PanStatus())
	})
}

func TestDevice_DisconnectPan(t *testing.T) {
	ctx := context.Background()

	t.Run("from disconnected", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)

		require.NoError(t, <-d.DisconnectPan(ctx))
		assert.Equal(t, bluetooth.Disconnected(), d.PanStatus())

		calls := fake.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, panDisconnect, calls[0].Method)
	})

	t.Run("from connected", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
			if call.Method == panConnect {
				return []interface{}{"bnep0"}, nil
			}
			return nil, nil
		})
		require.NoError(t, <-d.ConnectPan(ctx))
		require.Equal(t, bluetooth.Connected("bnep0"), d.PanStatus())

		require.NoError(t, <-d.DisconnectPan(ctx))
		assert.Equal(t, bluetooth.Disconnected(), d.PanStatus())
	})

	t.Run("from connecting", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		release := make(chan struct{})
		fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
			if call.Method == panConnect {
				<-release
				return nil, errors.New("org.bluez.Error.Failed")
			}
			return nil, nil
		})

		connecting := d.ConnectPan(ctx)
		require.Equal(t, bluetooth.Connecting(), d.PanStatus())

		require.NoError(t, <-d.DisconnectPan(ctx))
		assert.Equal(t, bluetooth.Disconnected(), d.PanStatus())

		close(release)
		require.Error(t, <-connecting)
		assert.Equal(t, bluetooth.Disconnected(), d.PanStatus())
	})

	t.Run("failure leaves status", func(t *testing.T) {
		fake, d, _ := newTestDevice(t)
		fake.HandleCalls(func(ctx context.Context, call testutils.MethodCall) ([]interface{}, error) {
			if call.Method == panConnect {
				return []interface{}{"bnep0"}, nil
			}
			return nil, errors.New("org.bluez.Error.NotConnected")
		})
		require.NoError(t, <-d.ConnectPan(ctx))

		require.Error(t, <-d.DisconnectPan(ctx))
		assert.Equal(t, bluetooth.Connected("bnep0"), d.PanStatus())
	})
}

func TestDevice_RefreshPanStatus(t *testing.T) {
	ctx := context.Background()
	fake, d, _ := newTestDevice(t)

	fake.Put(testutils.DevicePath, networkInterface, "Connected", true)
	fake.Put(testutils.DevicePath, networkInterface, "Interface", "bnep0")

	status, err := d.RefreshPanStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, bluetooth.Connected("bnep0"), status)
	assert.Equal(t, status, d.PanStatus())

	fake.Put(testutils.DevicePath, networkInterface, "Connected", false)
	status, err = d.RefreshPanStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, bluetooth.Disconnected(), status)
	assert.Equal(t, status, d.PanStatus())

	fake.Put(testutils.DevicePath, networkInterface, "Connected", "yes")
	_, err = d.RefreshPanStatus(ctx)
	var decodeErr *bluetooth.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, bluetooth.Disconnected(), d.PanStatus())

	fake.FailGet(errors.New("timeout"))
	_, err = d.RefreshPanStatus(ctx)
	var transportErr *bluetooth.TransportError
	require.True(t, errors.As(err, &transportErr))
}

func TestDevice_PropertiesIsACopy(t *testing.T) {
	fake, d, _ := newTestDevice(t)
	fake.AddDevice(testutils.DevicePath, map[string]interface{}{
		"UUIDs":            []string{heartRateUUID},
		"ManufacturerData": map[uint16][]byte{0x004C: {1, 2}},
	})
	require.NoError(t, <-d.Refresh(context.Background()))

	p := d.Properties()
	p.UUIDs[0] = uuid.Nil
	p.ManufacturerData.Data[0] = 0xFF

	fresh := d.Properties()
	assert.Equal(t, uuid.MustParse(heartRateUUID), fresh.UUIDs[0])
	assert.Equal(t, []byte{1, 2}, fresh.ManufacturerData.Data)
}

func TestPanStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", bluetooth.Disconnected().String())
	assert.Equal(t, "connecting", bluetooth.Connecting().String())
	assert.Equal(t, "connected(bnep0)", bluetooth.Connected("bnep0").String())
}

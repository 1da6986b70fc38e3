package proxy

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/user/companion-proxy/bluetooth"
)

var (
	testCompanion = &bluetooth.BluetoothDevice{Name: "Pixel", Address: "AA:BB:CC:DD:EE:01"}
	testStranger  = &bluetooth.BluetoothDevice{Name: "Other", Address: "AA:BB:CC:DD:EE:02"}
)

type recordingListener struct {
	updates []ProxyConfig
}

func (l *recordingListener) OnProxyConfigUpdate(psmValue, channelChangeID, minPingIntervalSeconds int32) {
	l.updates = append(l.updates, ProxyConfig{
		PsmValue:               psmValue,
		ChannelChangeID:        channelChangeID,
		MinPingIntervalSeconds: minPingIntervalSeconds,
	})
}

func newStartedProxy(t *testing.T) (*GattServer, *bluetooth.SimManager, *recordingListener) {
	t.Helper()
	m := bluetooth.NewSimManager("proxy-test")
	g := NewGattServer("proxy-test", m)
	l := &recordingListener{}
	g.SetListener(l)
	g.SetCompanionDevice(testCompanion)
	if !g.Start() {
		t.Fatal("Start failed")
	}
	return g, m, l
}

func writeConfig(t *testing.T, m *bluetooth.SimManager, device *bluetooth.BluetoothDevice, requestID int, value []byte, responseNeeded bool) {
	t.Helper()
	if err := m.Server().WriteCharacteristic(device, requestID, ProxyServiceUUID, ConfigCharacteristic, value, responseNeeded); err != nil {
		t.Fatalf("WriteCharacteristic failed: %v", err)
	}
}

func writeSubscription(t *testing.T, m *bluetooth.SimManager, device *bluetooth.BluetoothDevice, requestID int, value []byte) {
	t.Helper()
	if err := m.Server().WriteDescriptor(device, requestID, ProxyServiceUUID, PingCharacteristic, PingDescriptor, value, true); err != nil {
		t.Fatalf("WriteDescriptor failed: %v", err)
	}
}

func expectResponse(t *testing.T, m *bluetooth.SimManager, requestID int, status int) bluetooth.Response {
	t.Helper()
	resp, ok := m.Server().LastResponse()
	if !ok {
		t.Fatalf("Expected a response to request %d", requestID)
	}
	if resp.RequestID != requestID || resp.Status != status {
		t.Fatalf("Expected response {req=%d status=%d}, got %+v", requestID, status, resp)
	}
	return resp
}

func TestConfigWriteFromCompanion(t *testing.T) {
	_, m, l := newStartedProxy(t)

	payload, err := ProxyConfig{PsmValue: 192, ChannelChangeID: 1234, MinPingIntervalSeconds: 10}.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	writeConfig(t, m, testCompanion, 1, payload, true)

	if len(l.updates) != 1 {
		t.Fatalf("Expected 1 config update, got %d", len(l.updates))
	}
	want := ProxyConfig{PsmValue: 192, ChannelChangeID: 1234, MinPingIntervalSeconds: 10}
	if l.updates[0] != want {
		t.Errorf("Expected %+v, got %+v", want, l.updates[0])
	}

	resp := expectResponse(t, m, 1, bluetooth.GATT_SUCCESS)
	if resp.Value != nil {
		t.Errorf("Expected nil response payload, got %v", resp.Value)
	}
}

func TestConfigWriteWithoutResponse(t *testing.T) {
	_, m, l := newStartedProxy(t)

	payload, _ := ProxyConfig{PsmValue: 1}.Marshal()
	writeConfig(t, m, testCompanion, 1, payload, false)
	writeConfig(t, m, testCompanion, 2, []byte{0xFF}, false)

	if len(l.updates) != 1 {
		t.Errorf("Expected 1 config update, got %d", len(l.updates))
	}
	if n := len(m.Server().Responses()); n != 0 {
		t.Errorf("Expected no responses, got %d", n)
	}
}

func TestConfigWriteRejected(t *testing.T) {
	valid, _ := ProxyConfig{PsmValue: 192, ChannelChangeID: 1, MinPingIntervalSeconds: 10}.Marshal()

	tests := []struct {
		name           string
		device         *bluetooth.BluetoothDevice
		characteristic bool // write the ping characteristic instead of config
		value          []byte
	}{
		{name: "unauthorized device", device: testStranger, value: valid},
		{name: "wrong characteristic", device: testCompanion, characteristic: true, value: valid},
		{name: "nil payload", device: testCompanion, value: nil},
		{name: "empty payload", device: testCompanion, value: []byte{}},
		{name: "truncated varint", device: testCompanion, value: []byte{0x08, 0xFF}},
		{name: "garbage", device: testCompanion, value: []byte{0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, m, l := newStartedProxy(t)

			charUUID := ConfigCharacteristic
			if tt.characteristic {
				charUUID = PingCharacteristic
			}
			if err := m.Server().WriteCharacteristic(tt.device, 5, ProxyServiceUUID, charUUID, tt.value, true); err != nil {
				t.Fatalf("WriteCharacteristic failed: %v", err)
			}

			if len(l.updates) != 0 {
				t.Errorf("Expected no listener calls, got %d", len(l.updates))
			}
			resp := expectResponse(t, m, 5, bluetooth.GATT_FAILURE)
			if resp.Value != nil {
				t.Errorf("Expected nil failure payload, got %v", resp.Value)
			}
		})
	}
}

func TestRequestsRejectedWithoutCompanion(t *testing.T) {
	m := bluetooth.NewSimManager("proxy-test")
	g := NewGattServer("proxy-test", m)
	l := &recordingListener{}
	g.SetListener(l)
	if !g.Start() {
		t.Fatal("Start failed")
	}

	payload, _ := ProxyConfig{PsmValue: 192}.Marshal()
	writeConfig(t, m, testCompanion, 1, payload, true)
	expectResponse(t, m, 1, bluetooth.GATT_FAILURE)

	writeSubscription(t, m, testCompanion, 2, bluetooth.EnableNotificationValue())
	expectResponse(t, m, 2, bluetooth.GATT_FAILURE)

	if len(l.updates) != 0 || g.IsSubscribed() {
		t.Errorf("Expected no state change, updates=%d subscribed=%v", len(l.updates), g.IsSubscribed())
	}
}

func TestConfigWriteWithoutListener(t *testing.T) {
	m := bluetooth.NewSimManager("proxy-test")
	g := NewGattServer("proxy-test", m)
	g.SetCompanionDevice(testCompanion)
	if !g.Start() {
		t.Fatal("Start failed")
	}

	payload, _ := ProxyConfig{PsmValue: 192}.Marshal()
	writeConfig(t, m, testCompanion, 1, payload, true)
	expectResponse(t, m, 1, bluetooth.GATT_FAILURE)
}

func TestSubscriptionDescriptorWrite(t *testing.T) {
	tests := []struct {
		name       string
		device     *bluetooth.BluetoothDevice
		value      []byte
		status     int
		subscribed bool
	}{
		{name: "enable", device: testCompanion, value: bluetooth.EnableNotificationValue(), status: bluetooth.GATT_SUCCESS, subscribed: true},
		{name: "indication", device: testCompanion, value: bluetooth.EnableIndicationValue(), status: bluetooth.GATT_FAILURE},
		{name: "short", device: testCompanion, value: []byte{0x01}, status: bluetooth.GATT_FAILURE},
		{name: "long", device: testCompanion, value: []byte{0x01, 0x00, 0x00}, status: bluetooth.GATT_FAILURE},
		{name: "reserved bits", device: testCompanion, value: []byte{0x01, 0x10}, status: bluetooth.GATT_FAILURE},
		{name: "nil", device: testCompanion, value: nil, status: bluetooth.GATT_FAILURE},
		{name: "unauthorized", device: testStranger, value: bluetooth.EnableNotificationValue(), status: bluetooth.GATT_FAILURE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, m, _ := newStartedProxy(t)

			writeSubscription(t, m, tt.device, 3, tt.value)

			expectResponse(t, m, 3, tt.status)
			if g.IsSubscribed() != tt.subscribed {
				t.Errorf("Expected subscribed=%v, got %v", tt.subscribed, g.IsSubscribed())
			}
		})
	}
}

func TestUnrecognizedValueKeepsSubscription(t *testing.T) {
	g, m, _ := newStartedProxy(t)

	writeSubscription(t, m, testCompanion, 1, bluetooth.EnableNotificationValue())
	writeSubscription(t, m, testCompanion, 2, []byte{0x07, 0x07})
	expectResponse(t, m, 2, bluetooth.GATT_FAILURE)
	if !g.IsSubscribed() {
		t.Error("Expected subscription to survive an unrecognized value")
	}

	writeSubscription(t, m, testCompanion, 3, bluetooth.DisableNotificationValue())
	expectResponse(t, m, 3, bluetooth.GATT_SUCCESS)
	if g.IsSubscribed() {
		t.Error("Expected disable to unsubscribe")
	}
}

func TestSubscriptionDescriptorRead(t *testing.T) {
	_, m, _ := newStartedProxy(t)

	read := func(device *bluetooth.BluetoothDevice, requestID int) {
		t.Helper()
		if err := m.Server().ReadDescriptor(device, requestID, ProxyServiceUUID, PingCharacteristic, PingDescriptor); err != nil {
			t.Fatalf("ReadDescriptor failed: %v", err)
		}
	}

	read(testCompanion, 1)
	resp := expectResponse(t, m, 1, bluetooth.GATT_SUCCESS)
	if !bytes.Equal(resp.Value, bluetooth.DisableNotificationValue()) {
		t.Errorf("Expected disable value, got %v", resp.Value)
	}

	writeSubscription(t, m, testCompanion, 2, bluetooth.EnableNotificationValue())

	read(testCompanion, 3)
	resp = expectResponse(t, m, 3, bluetooth.GATT_SUCCESS)
	if !bytes.Equal(resp.Value, bluetooth.EnableNotificationValue()) {
		t.Errorf("Expected enable value, got %v", resp.Value)
	}

	read(testStranger, 4)
	resp = expectResponse(t, m, 4, bluetooth.GATT_FAILURE)
	if resp.Value != nil {
		t.Errorf("Expected nil failure payload, got %v", resp.Value)
	}
}

func TestUnexpectedDescriptorRejected(t *testing.T) {
	tests := []struct {
		name       string
		descriptor func(g *GattServer, m *bluetooth.SimManager) *bluetooth.BluetoothGattDescriptor
	}{
		{
			name: "cccd on config characteristic",
			descriptor: func(g *GattServer, m *bluetooth.SimManager) *bluetooth.BluetoothGattDescriptor {
				config := m.Server().GetService(ProxyServiceUUID).GetCharacteristic(ConfigCharacteristic)
				return &bluetooth.BluetoothGattDescriptor{UUID: PingDescriptor, Characteristic: config}
			},
		},
		{
			name: "unknown descriptor on ping characteristic",
			descriptor: func(g *GattServer, m *bluetooth.SimManager) *bluetooth.BluetoothGattDescriptor {
				ping := m.Server().GetService(ProxyServiceUUID).GetCharacteristic(PingCharacteristic)
				return &bluetooth.BluetoothGattDescriptor{UUID: uuid.New(), Characteristic: ping}
			},
		},
		{
			name: "detached cccd",
			descriptor: func(g *GattServer, m *bluetooth.SimManager) *bluetooth.BluetoothGattDescriptor {
				return bluetooth.NewBluetoothGattDescriptor(PingDescriptor, bluetooth.PERMISSION_WRITE)
			},
		},
		{
			name: "nil",
			descriptor: func(g *GattServer, m *bluetooth.SimManager) *bluetooth.BluetoothGattDescriptor {
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, m, _ := newStartedProxy(t)
			writeSubscription(t, m, testCompanion, 1, bluetooth.EnableNotificationValue())
			desc := tt.descriptor(g, m)

			g.handleDescriptorWrite(testCompanion, 2, desc, true, bluetooth.DisableNotificationValue())
			resp := expectResponse(t, m, 2, bluetooth.GATT_FAILURE)
			if resp.Value != nil {
				t.Errorf("Expected nil payload on write failure, got %v", resp.Value)
			}
			if !g.IsSubscribed() {
				t.Error("Expected subscription unchanged after rejected write")
			}

			g.handleDescriptorRead(testCompanion, 3, desc)
			resp = expectResponse(t, m, 3, bluetooth.GATT_FAILURE)
			if resp.Value != nil {
				t.Errorf("Expected nil payload on read failure, got %v", resp.Value)
			}
			if !g.IsSubscribed() {
				t.Error("Expected subscription unchanged after rejected read")
			}
		})
	}
}

func TestCharacteristicReadFails(t *testing.T) {
	_, m, _ := newStartedProxy(t)

	if err := m.Server().ReadCharacteristic(testCompanion, 1, ProxyServiceUUID, ConfigCharacteristic); err != nil {
		t.Fatalf("ReadCharacteristic failed: %v", err)
	}
	expectResponse(t, m, 1, bluetooth.GATT_FAILURE)
}

func TestSendPingSucceeds(t *testing.T) {
	g, m, _ := newStartedProxy(t)
	writeSubscription(t, m, testCompanion, 1, bluetooth.EnableNotificationValue())

	if !g.SendPing() {
		t.Fatal("Expected SendPing to succeed")
	}

	notifications := m.Server().Notifications()
	if len(notifications) != 1 {
		t.Fatalf("Expected exactly one notify, got %d", len(notifications))
	}
	n := notifications[0]
	if n.Device != testCompanion.Address || n.Characteristic != PingCharacteristic || n.Confirm || len(n.Value) != 0 {
		t.Errorf("Unexpected notification %+v", n)
	}
}

func TestSendPingPreconditions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, g *GattServer, m *bluetooth.SimManager)
	}{
		{
			name:  "stopped",
			setup: func(t *testing.T, g *GattServer, m *bluetooth.SimManager) { g.Stop() },
		},
		{
			name:  "no companion",
			setup: func(t *testing.T, g *GattServer, m *bluetooth.SimManager) { g.SetCompanionDevice(nil) },
		},
		{
			name:  "characteristic missing",
			setup: func(t *testing.T, g *GattServer, m *bluetooth.SimManager) { m.Server().ClearServices() },
		},
		{
			name: "not subscribed",
			setup: func(t *testing.T, g *GattServer, m *bluetooth.SimManager) {
				writeSubscription(t, m, testCompanion, 9, bluetooth.DisableNotificationValue())
			},
		},
		{
			name:  "notify rejected",
			setup: func(t *testing.T, g *GattServer, m *bluetooth.SimManager) { m.Server().SetFailNotify(true) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, m, _ := newStartedProxy(t)
			writeSubscription(t, m, testCompanion, 1, bluetooth.EnableNotificationValue())

			tt.setup(t, g, m)

			if g.SendPing() {
				t.Error("Expected SendPing to fail")
			}
			if n := len(m.Server().Notifications()); n != 0 {
				t.Errorf("Expected no notify calls, got %d", n)
			}
		})
	}
}

func TestStartIsIdempotent(t *testing.T) {
	g, m, _ := newStartedProxy(t)

	if !g.Start() {
		t.Fatal("Expected second Start to succeed")
	}
	if m.OpenCount() != 1 {
		t.Errorf("Expected one server, got %d", m.OpenCount())
	}

	g.Stop()
	g.Stop()
	if g.IsStarted() {
		t.Error("Expected stopped server")
	}
}

func TestStopResetsSubscription(t *testing.T) {
	g, m, _ := newStartedProxy(t)
	writeSubscription(t, m, testCompanion, 1, bluetooth.EnableNotificationValue())
	first := m.Server()

	g.Stop()
	if !first.IsClosed() || len(first.Services()) != 0 {
		t.Error("Expected Stop to clear services and close the server")
	}

	if !g.Start() {
		t.Fatal("Restart failed")
	}
	if g.IsSubscribed() {
		t.Error("Expected subscription to be reset by Stop")
	}
	if g.SendPing() {
		t.Error("Expected SendPing to fail until the companion resubscribes")
	}
}

// addFailManager opens sim servers that refuse services
type addFailManager struct {
	*bluetooth.SimManager
}

func (m addFailManager) OpenGattServer(cb bluetooth.BluetoothGattServerCallback) (bluetooth.GattServer, error) {
	server, err := m.SimManager.OpenGattServer(cb)
	if err != nil {
		return nil, err
	}
	server.(*bluetooth.SimGattServer).SetFailAddService(true)
	return server, nil
}

func TestStartFailures(t *testing.T) {
	t.Run("open fails", func(t *testing.T) {
		m := bluetooth.NewSimManager("proxy-test")
		m.SetFailOpen(true)
		g := NewGattServer("proxy-test", m)

		if g.Start() {
			t.Fatal("Expected Start to fail")
		}
		if g.IsStarted() {
			t.Error("Expected server to stay stopped")
		}
	})

	t.Run("add service fails", func(t *testing.T) {
		m := bluetooth.NewSimManager("proxy-test")
		g := NewGattServer("proxy-test", addFailManager{m})

		if g.Start() {
			t.Fatal("Expected Start to fail")
		}
		if g.IsStarted() {
			t.Error("Expected server to stay stopped")
		}
		if !m.Server().IsClosed() {
			t.Error("Expected the half-opened server to be closed")
		}
	})
}

func TestResponseDroppedAfterStop(t *testing.T) {
	g, m, l := newStartedProxy(t)
	old := m.Server()
	config := old.GetService(ProxyServiceUUID).GetCharacteristic(ConfigCharacteristic)
	desc := old.GetService(ProxyServiceUUID).GetCharacteristic(PingCharacteristic).GetDescriptor(PingDescriptor)

	g.Stop()

	// Requests already in flight when the server went away
	payload, _ := ProxyConfig{PsmValue: 192}.Marshal()
	g.handleConfigWrite(testCompanion, 1, config, true, payload)
	g.handleDescriptorWrite(testCompanion, 2, desc, true, bluetooth.EnableNotificationValue())

	if n := len(old.Responses()); n != 0 {
		t.Errorf("Expected responses to be dropped, got %d", n)
	}
	if len(l.updates) != 1 {
		t.Errorf("Expected the decoded config to still reach the listener, got %d", len(l.updates))
	}
	if g.IsSubscribed() {
		t.Error("Expected subscription change to fail while stopped")
	}
}

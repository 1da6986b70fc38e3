package bluetooth

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startBridge(t *testing.T, cb BluetoothGattServerCallback) (*SimManager, string) {
	t.Helper()
	m := NewSimManager("bridge-test")
	bridge := NewBridge(m)

	server, err := m.OpenGattServer(cb)
	if err != nil {
		t.Fatalf("OpenGattServer failed: %v", err)
	}
	if !server.AddService(newTestService()) {
		t.Fatal("AddService failed")
	}

	ts := httptest.NewServer(bridge)
	t.Cleanup(ts.Close)
	return m, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func nextFrame(t *testing.T, c *BridgeClient) Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		if !ok {
			t.Fatal("Bridge connection closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for bridge frame")
	}
	return Frame{}
}

func TestBridgeWriteRoundTrip(t *testing.T) {
	connected := make(chan string, 1)
	var m *SimManager
	cb := &testServerCallback{
		onConnectionStateChange: func(d *BluetoothDevice, status int, newState int) {
			if newState == STATE_CONNECTED {
				connected <- d.Address
			}
		},
		onCharacteristicWriteRequest: func(d *BluetoothDevice, requestId int, char *BluetoothGattCharacteristic, responseNeeded bool, value []byte) {
			m.Server().SendResponse(d, requestId, GATT_SUCCESS, 0, nil)
		},
	}
	m, url := startBridge(t, cb)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialBridge(ctx, url, BluetoothDevice{Name: "watch", Address: "11:22:33:44:55:66"})
	if err != nil {
		t.Fatalf("DialBridge failed: %v", err)
	}
	defer client.Close()

	select {
	case addr := <-connected:
		if addr != "11:22:33:44:55:66" {
			t.Errorf("Unexpected connected device %s", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connection callback")
	}

	id, err := client.WriteCharacteristic(testServiceUUID, testWriteUUID, []byte{0x01}, true)
	if err != nil {
		t.Fatalf("WriteCharacteristic failed: %v", err)
	}

	f := nextFrame(t, client)
	if f.Op != OpResponse || f.RequestID != id || f.Status != GATT_SUCCESS {
		t.Errorf("Unexpected frame %+v", f)
	}
}

func TestBridgeForwardsNotifications(t *testing.T) {
	connected := make(chan struct{}, 1)
	m, url := startBridge(t, &testServerCallback{
		onConnectionStateChange: func(d *BluetoothDevice, status int, newState int) {
			if newState == STATE_CONNECTED {
				connected <- struct{}{}
			}
		},
	})

	device := BluetoothDevice{Address: "11:22:33:44:55:66"}
	client, err := DialBridge(context.Background(), url, device)
	if err != nil {
		t.Fatalf("DialBridge failed: %v", err)
	}
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connection callback")
	}

	server := m.Server()
	char := server.GetService(testServiceUUID).GetCharacteristic(testNotifyUUID)
	if !server.NotifyCharacteristicChanged(&device, char, false, []byte{}) {
		t.Fatal("Expected notify to be accepted")
	}

	f := nextFrame(t, client)
	if f.Op != OpNotify || f.Service != testServiceUUID || f.Characteristic != testNotifyUUID {
		t.Errorf("Unexpected frame %+v", f)
	}
}

func TestBridgeReportsUnknownAttribute(t *testing.T) {
	_, url := startBridge(t, &testServerCallback{})

	client, err := DialBridge(context.Background(), url, BluetoothDevice{Address: "11:22:33:44:55:66"})
	if err != nil {
		t.Fatalf("DialBridge failed: %v", err)
	}
	defer client.Close()

	id, err := client.ReadDescriptor(testServiceUUID, testWriteUUID, ClientCharacteristicConfigUUID)
	if err != nil {
		t.Fatalf("ReadDescriptor failed: %v", err)
	}

	f := nextFrame(t, client)
	if f.Op != OpError || f.RequestID != id || f.Error == "" {
		t.Errorf("Expected error frame for request %d, got %+v", id, f)
	}
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/user/companion-proxy/bluetooth"
	"github.com/user/companion-proxy/config"
	"github.com/user/companion-proxy/proxy"
)

var testCompanion = &bluetooth.BluetoothDevice{Name: "Pixel", Address: "AA:BB:CC:DD:EE:01"}

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	cfg := config.Default()
	cfg.CompanionAddress = testCompanion.Address
	cfg.CompanionName = testCompanion.Name
	cfg.InterfaceName = "bt-pan0"
	cfg.MTU = 1280

	d, err := newDaemon("", cfg)
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}
	t.Cleanup(d.sessions.Close)

	d.gatt.SetCompanionDevice(testCompanion)
	d.gatt.SetListener(proxy.ConfigListenerFunc(d.onProxyConfigUpdate))
	if !d.gatt.Start() {
		t.Fatal("Start failed")
	}
	t.Cleanup(d.gatt.Stop)
	return d
}

func sendConfig(t *testing.T, d *daemon, minPingSeconds int32) {
	t.Helper()
	payload, err := proxy.ProxyConfig{PsmValue: 192, ChannelChangeID: 1, MinPingIntervalSeconds: minPingSeconds}.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	err = d.manager.Server().WriteCharacteristic(testCompanion, 1, proxy.ProxyServiceUUID, proxy.ConfigCharacteristic, payload, true)
	if err != nil {
		t.Fatalf("WriteCharacteristic failed: %v", err)
	}
	d.sessions.Sync()
}

func TestConfigUpdateStartsSession(t *testing.T) {
	d := newTestDaemon(t)
	sendConfig(t, d, 10)

	if got := d.pinger.MinPingInterval(); got != 10*time.Second {
		t.Errorf("Expected pinger armed at 10s, got %v", got)
	}

	agents := d.arbiter.Agents()
	if len(agents) != 1 {
		t.Fatalf("Expected one agent, got %d", len(agents))
	}
	lp := agents[0].LinkProperties()
	if lp.InterfaceName != "bt-pan0" || lp.MTU != 1280 {
		t.Errorf("Unexpected link properties %+v", lp)
	}
	if !agents[0].Connected() {
		t.Error("Expected agent marked connected")
	}
}

func TestUnwantedAgentRestartsWhileActive(t *testing.T) {
	d := newTestDaemon(t)
	sendConfig(t, d, 10)

	first := d.arbiter.Agents()[0]
	if !d.arbiter.Revoke(first.ID()) {
		t.Fatal("Revoke failed")
	}
	// revoke -> listener -> restart are each posted in turn
	d.sessions.Sync()
	d.sessions.Sync()
	d.sessions.Sync()

	if len(d.arbiter.Agents()) != 2 {
		t.Fatalf("Expected a replacement agent, got %d", len(d.arbiter.Agents()))
	}
	if d.sessions.CurrentNetID() != d.arbiter.Agents()[1].ID() {
		t.Errorf("Expected current network %d, got %d", d.arbiter.Agents()[1].ID(), d.sessions.CurrentNetID())
	}
}

func TestUnwantedAgentIgnoredWhenInactive(t *testing.T) {
	d := newTestDaemon(t)
	sendConfig(t, d, 10)

	d.active.Store(false)
	d.arbiter.Revoke(d.arbiter.Agents()[0].ID())
	d.sessions.Sync()
	d.sessions.Sync()
	d.sessions.Sync()

	if len(d.arbiter.Agents()) != 1 {
		t.Errorf("Expected no replacement agent, got %d", len(d.arbiter.Agents()))
	}
}

func TestApplyConfigSwitchesCompanion(t *testing.T) {
	d := newTestDaemon(t)

	next := d.config()
	next.CompanionAddress = "AA:BB:CC:DD:EE:09"
	next.NetworkScore = 80
	d.applyConfig(next)
	d.sessions.Sync()

	if d.sessions.NetworkScore() != 80 {
		t.Errorf("Expected score 80, got %d", d.sessions.NetworkScore())
	}

	// The old companion is now a stranger
	payload, _ := proxy.ProxyConfig{PsmValue: 192, ChannelChangeID: 1, MinPingIntervalSeconds: 10}.Marshal()
	d.manager.Server().WriteCharacteristic(testCompanion, 7, proxy.ProxyServiceUUID, proxy.ConfigCharacteristic, payload, true)
	resp, ok := d.manager.Server().LastResponse()
	if !ok || resp.RequestID != 7 || resp.Status != bluetooth.GATT_FAILURE {
		t.Errorf("Expected failure response for old companion, got %+v", resp)
	}
	if d.active.Load() {
		t.Error("Expected no session for old companion")
	}
}

func TestPingerArmedByFirstConfig(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		d.wg.Wait()
	})
	d.bind(ctx)

	err := d.manager.Server().WriteDescriptor(testCompanion, 1, proxy.ProxyServiceUUID, proxy.PingCharacteristic, proxy.PingDescriptor,
		bluetooth.EnableNotificationValue(), true)
	if err != nil {
		t.Fatalf("WriteDescriptor failed: %v", err)
	}
	if d.isPingerRunning() {
		t.Fatal("Expected pinger idle before any config")
	}

	sendConfig(t, d, 10)
	sendConfig(t, d, 10)
	if !d.isPingerRunning() {
		t.Fatal("Expected pinger armed after config")
	}

	deadline := time.After(3 * time.Second)
	for len(d.manager.Server().Notifications()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for a ping")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestPingerNotArmedOutsideRun(t *testing.T) {
	d := newTestDaemon(t)
	sendConfig(t, d, 10)
	if d.isPingerRunning() {
		t.Error("Expected pinger idle without a run context")
	}
}

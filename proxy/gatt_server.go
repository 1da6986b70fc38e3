package proxy

import (
	"fmt"
	"sync"

	"github.com/user/companion-proxy/bluetooth"
	"github.com/user/companion-proxy/logger"
)

// ConfigListener receives configuration accepted from the companion
type ConfigListener interface {
	OnProxyConfigUpdate(psmValue, channelChangeID, minPingIntervalSeconds int32)
}

// ConfigListenerFunc adapts a function to ConfigListener
type ConfigListenerFunc func(psmValue, channelChangeID, minPingIntervalSeconds int32)

func (f ConfigListenerFunc) OnProxyConfigUpdate(psmValue, channelChangeID, minPingIntervalSeconds int32) {
	f(psmValue, channelChangeID, minPingIntervalSeconds)
}

type serverState int

const (
	serverClosed serverState = iota
	serverOpen
)

func (s serverState) String() string {
	if s == serverOpen {
		return "open"
	}
	return "closed"
}

// GattServer is the proxy peripheral: it owns the GATT server lifecycle, accepts
// the companion's config writes and ping subscription, and sends pings.
//
// Inbound requests arrive from the transport one at a time. The mutex only
// guards against Start/Stop/SendPing being called from other goroutines.
type GattServer struct {
	manager bluetooth.Manager
	tag     string

	mu         sync.Mutex
	state      serverState
	server     bluetooth.GattServer // nil unless state == serverOpen
	companion  *bluetooth.BluetoothDevice
	listener   ConfigListener
	subscribed bool
}

// NewGattServer creates a stopped proxy server; name only prefixes log lines
func NewGattServer(name string, manager bluetooth.Manager) *GattServer {
	return &GattServer{
		manager: manager,
		tag:     fmt.Sprintf("%s Proxy", shortName(name)),
	}
}

func shortName(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// SetCompanionDevice sets the only device allowed to talk to the proxy service
func (g *GattServer) SetCompanionDevice(device *bluetooth.BluetoothDevice) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if device == nil {
		g.companion = nil
		logger.Info(g.tag, "Companion device cleared")
		return
	}
	d := *device
	g.companion = &d
	logger.Info(g.tag, "Companion device set to %s", d.Address)
}

// SetListener installs the receiver of config updates
func (g *GattServer) SetListener(listener ConfigListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listener = listener
}

// Start opens the GATT server and registers the proxy service. Returns true if
// the server is open afterwards.
func (g *GattServer) Start() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == serverOpen {
		logger.Debug(g.tag, "GATT server already started")
		return true
	}

	server, err := g.manager.OpenGattServer(&proxyServerCallback{proxy: g})
	if err != nil {
		logger.Error(g.tag, "❌ Unable to open GATT server: %v", err)
		return false
	}

	service, err := newProxyService()
	if err != nil {
		logger.Error(g.tag, "❌ Unable to build proxy service: %v", err)
		server.Close()
		return false
	}

	if !server.AddService(service) {
		logger.Error(g.tag, "❌ Unable to add proxy service")
		server.Close()
		return false
	}

	g.server = server
	g.state = serverOpen
	logger.Info(g.tag, "✅ GATT server started")
	return true
}

// Stop clears services and closes the server. The ping subscription is dropped.
func (g *GattServer) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == serverClosed {
		return
	}

	g.server.ClearServices()
	g.server.Close()
	g.server = nil
	g.state = serverClosed
	g.subscribed = false
	logger.Info(g.tag, "GATT server stopped")
}

// IsStarted reports whether the server is open
func (g *GattServer) IsStarted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == serverOpen
}

// IsSubscribed reports whether the companion enabled ping notifications
func (g *GattServer) IsSubscribed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == serverOpen && g.subscribed
}

// SendPing notifies the companion on the ping characteristic with an empty payload.
// Returns whether the transport queued the notification.
func (g *GattServer) SendPing() bool {
	g.mu.Lock()
	state, server, companion, subscribed := g.state, g.server, g.companion, g.subscribed
	g.mu.Unlock()

	if state != serverOpen {
		logger.Warn(g.tag, "Unable to send ping: GATT server not started")
		return false
	}
	if companion == nil {
		logger.Warn(g.tag, "Unable to send ping: no companion device")
		return false
	}

	service := server.GetService(ProxyServiceUUID)
	if service == nil {
		logger.Warn(g.tag, "Unable to send ping: proxy service not registered")
		return false
	}
	char := service.GetCharacteristic(PingCharacteristic)
	if char == nil {
		logger.Warn(g.tag, "Unable to send ping: ping characteristic not found")
		return false
	}

	if !subscribed {
		logger.Debug(g.tag, "Unable to send ping: companion not subscribed")
		return false
	}

	if !server.NotifyCharacteristicChanged(companion, char, false, []byte{}) {
		logger.Warn(g.tag, "Unable to send ping: notify rejected")
		return false
	}

	logger.Trace(g.tag, "📤 Ping sent to %s", companion.Address)
	return true
}

func newProxyService() (*bluetooth.BluetoothGattService, error) {
	service := bluetooth.NewBluetoothGattService(ProxyServiceUUID, bluetooth.SERVICE_TYPE_PRIMARY)

	config := bluetooth.NewBluetoothGattCharacteristic(ConfigCharacteristic, bluetooth.PROPERTY_WRITE, bluetooth.PERMISSION_WRITE)
	if !service.AddCharacteristic(config) {
		return nil, fmt.Errorf("add characteristic %s", ConfigCharacteristic)
	}

	ping := bluetooth.NewBluetoothGattCharacteristic(PingCharacteristic, bluetooth.PROPERTY_NOTIFY, 0)
	if !ping.AddDescriptor(bluetooth.NewBluetoothGattDescriptor(PingDescriptor, bluetooth.PERMISSION_READ|bluetooth.PERMISSION_WRITE)) {
		return nil, fmt.Errorf("add descriptor %s", PingDescriptor)
	}
	if !service.AddCharacteristic(ping) {
		return nil, fmt.Errorf("add characteristic %s", PingCharacteristic)
	}

	return service, nil
}

func (g *GattServer) isCompanion(device *bluetooth.BluetoothDevice) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return device != nil && g.companion != nil && device.Address == g.companion.Address
}

// respond answers a request if the peer asked for a response and the server is still open
func (g *GattServer) respond(device *bluetooth.BluetoothDevice, requestId int, responseNeeded bool, status int, value []byte) {
	if !responseNeeded {
		return
	}

	g.mu.Lock()
	server := g.server
	g.mu.Unlock()

	if server == nil {
		logger.Debug(g.tag, "Dropping response for request %d: GATT server stopped", requestId)
		return
	}
	if !server.SendResponse(device, requestId, status, 0, value) {
		logger.Warn(g.tag, "Failed to send response for request %d", requestId)
	}
}

func (g *GattServer) fail(device *bluetooth.BluetoothDevice, requestId int, responseNeeded bool) {
	g.respond(device, requestId, responseNeeded, bluetooth.GATT_FAILURE, nil)
}

func (g *GattServer) handleConfigWrite(device *bluetooth.BluetoothDevice, requestId int, characteristic *bluetooth.BluetoothGattCharacteristic, responseNeeded bool, value []byte) {
	if !g.isCompanion(device) {
		logger.Warn(g.tag, "🚫 Rejecting write from unauthorized device %s", addressOf(device))
		g.fail(device, requestId, responseNeeded)
		return
	}
	if characteristic == nil || characteristic.UUID != ConfigCharacteristic {
		logger.Warn(g.tag, "Rejecting write to unexpected characteristic")
		g.fail(device, requestId, responseNeeded)
		return
	}

	cfg, err := DecodeProxyConfig(value)
	if err != nil {
		logger.Warn(g.tag, "Rejecting config write: %v", err)
		g.fail(device, requestId, responseNeeded)
		return
	}

	g.mu.Lock()
	listener := g.listener
	g.mu.Unlock()
	if listener == nil {
		logger.Error(g.tag, "No config listener installed, dropping config")
		g.fail(device, requestId, responseNeeded)
		return
	}

	logger.DebugJSON(g.tag, "📥 Config from companion", cfg.Message())
	listener.OnProxyConfigUpdate(cfg.PsmValue, cfg.ChannelChangeID, cfg.MinPingIntervalSeconds)
	g.respond(device, requestId, responseNeeded, bluetooth.GATT_SUCCESS, nil)
}

func isPingDescriptor(descriptor *bluetooth.BluetoothGattDescriptor) bool {
	return descriptor != nil &&
		descriptor.UUID == PingDescriptor &&
		descriptor.Characteristic != nil &&
		descriptor.Characteristic.UUID == PingCharacteristic
}

func (g *GattServer) handleDescriptorWrite(device *bluetooth.BluetoothDevice, requestId int, descriptor *bluetooth.BluetoothGattDescriptor, responseNeeded bool, value []byte) {
	if !g.isCompanion(device) {
		logger.Warn(g.tag, "🚫 Rejecting descriptor write from unauthorized device %s", addressOf(device))
		g.fail(device, requestId, responseNeeded)
		return
	}
	if !isPingDescriptor(descriptor) {
		logger.Warn(g.tag, "Rejecting write to unexpected descriptor")
		g.fail(device, requestId, responseNeeded)
		return
	}

	cccd, err := bluetooth.ParseCCCDValue(value)
	if err != nil {
		logger.Warn(g.tag, "Rejecting subscription write: %v", err)
		g.fail(device, requestId, responseNeeded)
		return
	}

	// Only plain enable/disable notifications; indications and reserved bits are refused
	var subscribe bool
	switch cccd {
	case bluetooth.CCCDNotificationsEnabled:
		subscribe = true
	case bluetooth.CCCDNotificationsDisabled:
		subscribe = false
	default:
		logger.Warn(g.tag, "Rejecting unrecognized subscription value 0x%04X", uint16(cccd))
		g.fail(device, requestId, responseNeeded)
		return
	}

	g.mu.Lock()
	if g.state != serverOpen {
		g.mu.Unlock()
		logger.Warn(g.tag, "Ignoring subscription change: GATT server not started")
		g.fail(device, requestId, responseNeeded)
		return
	}
	g.subscribed = subscribe
	g.mu.Unlock()

	if subscribe {
		logger.Info(g.tag, "🔔 Companion subscribed to pings")
	} else {
		logger.Info(g.tag, "🔕 Companion unsubscribed from pings")
	}
	g.respond(device, requestId, responseNeeded, bluetooth.GATT_SUCCESS, nil)
}

func (g *GattServer) handleDescriptorRead(device *bluetooth.BluetoothDevice, requestId int, descriptor *bluetooth.BluetoothGattDescriptor) {
	if !g.isCompanion(device) {
		logger.Warn(g.tag, "🚫 Rejecting descriptor read from unauthorized device %s", addressOf(device))
		g.fail(device, requestId, true)
		return
	}
	if !isPingDescriptor(descriptor) {
		logger.Warn(g.tag, "Rejecting read of unexpected descriptor")
		g.fail(device, requestId, true)
		return
	}

	value := bluetooth.DisableNotificationValue()
	if g.IsSubscribed() {
		value = bluetooth.EnableNotificationValue()
	}
	g.respond(device, requestId, true, bluetooth.GATT_SUCCESS, value)
}

func addressOf(device *bluetooth.BluetoothDevice) string {
	if device == nil {
		return "(nil)"
	}
	return device.Address
}

// proxyServerCallback adapts transport callbacks onto the GattServer
type proxyServerCallback struct {
	proxy *GattServer
}

func (c *proxyServerCallback) OnConnectionStateChange(device *bluetooth.BluetoothDevice, status int, newState int) {
	switch newState {
	case bluetooth.STATE_CONNECTED:
		logger.Debug(c.proxy.tag, "📡 Device %s connected (status=%d)", addressOf(device), status)
	case bluetooth.STATE_DISCONNECTED:
		logger.Debug(c.proxy.tag, "📡 Device %s disconnected (status=%d)", addressOf(device), status)
	default:
		logger.Trace(c.proxy.tag, "Device %s state %d (status=%d)", addressOf(device), newState, status)
	}
}

func (c *proxyServerCallback) OnCharacteristicReadRequest(device *bluetooth.BluetoothDevice, requestId int, offset int, characteristic *bluetooth.BluetoothGattCharacteristic) {
	// Neither proxy characteristic is readable
	c.proxy.fail(device, requestId, true)
}

func (c *proxyServerCallback) OnCharacteristicWriteRequest(device *bluetooth.BluetoothDevice, requestId int, characteristic *bluetooth.BluetoothGattCharacteristic, preparedWrite bool, responseNeeded bool, offset int, value []byte) {
	c.proxy.handleConfigWrite(device, requestId, characteristic, responseNeeded, value)
}

func (c *proxyServerCallback) OnDescriptorReadRequest(device *bluetooth.BluetoothDevice, requestId int, offset int, descriptor *bluetooth.BluetoothGattDescriptor) {
	c.proxy.handleDescriptorRead(device, requestId, descriptor)
}

func (c *proxyServerCallback) OnDescriptorWriteRequest(device *bluetooth.BluetoothDevice, requestId int, descriptor *bluetooth.BluetoothGattDescriptor, preparedWrite bool, responseNeeded bool, offset int, value []byte) {
	c.proxy.handleDescriptorWrite(device, requestId, descriptor, responseNeeded, value)
}

func (c *proxyServerCallback) OnNotificationSent(device *bluetooth.BluetoothDevice, status int) {
	if status != bluetooth.GATT_SUCCESS {
		logger.Warn(c.proxy.tag, "Notification to %s failed (status=%d)", addressOf(device), status)
		return
	}
	logger.Trace(c.proxy.tag, "Notification to %s delivered", addressOf(device))
}

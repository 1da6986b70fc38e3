package bluetooth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/user/companion-proxy/logger"
)

var (
	ErrServerClosed     = errors.New("bluetooth: gatt server closed")
	ErrOpenFailed       = errors.New("bluetooth: unable to open gatt server")
	ErrUnknownAttribute = errors.New("bluetooth: unknown attribute")
)

// Response records a SendResponse call
type Response struct {
	Device    string `json:"device"`
	RequestID int    `json:"request_id"`
	Status    int    `json:"status"`
	Offset    int    `json:"offset"`
	Value     []byte `json:"value,omitempty"`
}

// Notification records a NotifyCharacteristicChanged call
type Notification struct {
	Device         string    `json:"device"`
	Service        uuid.UUID `json:"service"`
	Characteristic uuid.UUID `json:"characteristic"`
	Confirm        bool      `json:"confirm"`
	Value          []byte    `json:"value"`
}

// SimHooks observe traffic leaving a SimGattServer towards remote devices
type SimHooks struct {
	OnResponse func(Response)
	OnNotify   func(Notification)
}

// SimManager is an in-memory Manager. Servers it opens keep every response and
// notification so callers can inspect what would have gone over the air.
type SimManager struct {
	name     string
	mu       sync.Mutex
	failOpen bool
	hooks    SimHooks
	servers  []*SimGattServer
}

// NewSimManager creates a simulated Bluetooth manager
func NewSimManager(name string) *SimManager {
	return &SimManager{name: name}
}

// SetFailOpen makes subsequent OpenGattServer calls fail
func (m *SimManager) SetFailOpen(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpen = fail
}

// SetHooks installs traffic hooks on the current and all future servers
func (m *SimManager) SetHooks(hooks SimHooks) {
	m.mu.Lock()
	m.hooks = hooks
	servers := append([]*SimGattServer(nil), m.servers...)
	m.mu.Unlock()

	for _, s := range servers {
		s.setHooks(hooks)
	}
}

// OpenGattServer matches bluetoothManager.openGattServer(context, callback)
func (m *SimManager) OpenGattServer(callback BluetoothGattServerCallback) (GattServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failOpen {
		return nil, ErrOpenFailed
	}
	if callback == nil {
		return nil, fmt.Errorf("bluetooth: nil server callback: %w", ErrOpenFailed)
	}

	s := &SimGattServer{
		name:      m.name,
		callback:  callback,
		hooks:     m.hooks,
		connected: make(map[string]*BluetoothDevice),
	}
	m.servers = append(m.servers, s)
	logger.Trace(fmt.Sprintf("%s Sim", shortID(m.name)), "Opened GATT server #%d", len(m.servers))
	return s, nil
}

// Server returns the most recently opened server, or nil
func (m *SimManager) Server() *SimGattServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.servers) == 0 {
		return nil
	}
	return m.servers[len(m.servers)-1]
}

// OpenCount returns how many servers were opened
func (m *SimManager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servers)
}

// SimGattServer is an in-memory GattServer driven by simulated remote centrals
type SimGattServer struct {
	name string

	mu             sync.Mutex
	callback       BluetoothGattServerCallback
	services       []*BluetoothGattService
	closed         bool
	failAddService bool
	failNotify     bool
	responses      []Response
	notifications  []Notification
	hooks          SimHooks
	connected      map[string]*BluetoothDevice

	// dispatch serializes callback delivery, like the real stack's binder thread
	dispatch sync.Mutex
}

func (s *SimGattServer) tag() string {
	return fmt.Sprintf("%s Sim", shortID(s.name))
}

func (s *SimGattServer) setHooks(hooks SimHooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = hooks
}

// SetFailAddService makes AddService return false
func (s *SimGattServer) SetFailAddService(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAddService = fail
}

// SetFailNotify makes NotifyCharacteristicChanged return false
func (s *SimGattServer) SetFailNotify(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNotify = fail
}

// AddService matches gattServer.addService(service)
func (s *SimGattServer) AddService(service *BluetoothGattService) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.failAddService || service == nil {
		return false
	}
	for _, svc := range s.services {
		if svc.UUID == service.UUID {
			return false
		}
	}
	s.services = append(s.services, service)
	logger.Trace(s.tag(), "📋 Added service %s (%d characteristics)", service.UUID, len(service.Characteristics))
	return true
}

// ClearServices matches gattServer.clearServices()
func (s *SimGattServer) ClearServices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = nil
}

// Close matches gattServer.close()
func (s *SimGattServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.services = nil
	s.connected = make(map[string]*BluetoothDevice)
}

// IsClosed reports whether Close was called
func (s *SimGattServer) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// GetService matches gattServer.getService(uuid)
func (s *SimGattServer) GetService(id uuid.UUID) *BluetoothGattService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findServiceLocked(id)
}

func (s *SimGattServer) findServiceLocked(id uuid.UUID) *BluetoothGattService {
	for _, svc := range s.services {
		if svc.UUID == id {
			return svc
		}
	}
	return nil
}

// Services returns the registered services
func (s *SimGattServer) Services() []*BluetoothGattService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*BluetoothGattService(nil), s.services...)
}

// SendResponse matches gattServer.sendResponse(device, requestId, status, offset, value)
func (s *SimGattServer) SendResponse(device *BluetoothDevice, requestId int, status int, offset int, value []byte) bool {
	s.mu.Lock()
	if s.closed || device == nil {
		s.mu.Unlock()
		return false
	}
	resp := Response{
		Device:    device.Address,
		RequestID: requestId,
		Status:    status,
		Offset:    offset,
		Value:     cloneBytes(value),
	}
	s.responses = append(s.responses, resp)
	hook := s.hooks.OnResponse
	s.mu.Unlock()

	logger.Trace(s.tag(), "📨 Sent response to device %s (reqId=%d, status=%d)", shortID(device.Address), requestId, status)
	if hook != nil {
		hook(resp)
	}
	return true
}

// NotifyCharacteristicChanged matches gattServer.notifyCharacteristicChanged(device, characteristic, confirm, value)
func (s *SimGattServer) NotifyCharacteristicChanged(device *BluetoothDevice, characteristic *BluetoothGattCharacteristic, confirm bool, value []byte) bool {
	if device == nil || characteristic == nil {
		return false
	}

	s.mu.Lock()
	if s.closed || s.failNotify {
		s.mu.Unlock()
		return false
	}

	var serviceUUID uuid.UUID
	found := false
	for _, service := range s.services {
		if service.GetCharacteristic(characteristic.UUID) != nil {
			serviceUUID = service.UUID
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		logger.Trace(s.tag(), "⚠️  Characteristic %s not found in any service", characteristic.UUID)
		return false
	}

	n := Notification{
		Device:         device.Address,
		Service:        serviceUUID,
		Characteristic: characteristic.UUID,
		Confirm:        confirm,
		Value:          cloneBytes(value),
	}
	s.notifications = append(s.notifications, n)
	hook := s.hooks.OnNotify
	cb := s.callback
	s.mu.Unlock()

	logger.Trace(s.tag(), "📤 Sent notification to device %s (%d bytes)", shortID(device.Address), len(value))
	if hook != nil {
		hook(n)
	}
	go s.deliver(cb, func(cb BluetoothGattServerCallback) {
		cb.OnNotificationSent(device, GATT_SUCCESS)
	})
	return true
}

// Responses returns every response sent so far
func (s *SimGattServer) Responses() []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Response(nil), s.responses...)
}

// LastResponse returns the most recent response
func (s *SimGattServer) LastResponse() (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return Response{}, false
	}
	return s.responses[len(s.responses)-1], true
}

// Notifications returns every notification sent so far
func (s *SimGattServer) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}

// ============================================================================
// Remote central simulation
// ============================================================================

func (s *SimGattServer) deliver(cb BluetoothGattServerCallback, fn func(BluetoothGattServerCallback)) {
	if cb == nil {
		return
	}
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	fn(cb)
}

// Connect simulates a remote central connecting
func (s *SimGattServer) Connect(device *BluetoothDevice) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.connected[device.Address] = device
	cb := s.callback
	s.mu.Unlock()

	s.deliver(cb, func(cb BluetoothGattServerCallback) {
		cb.OnConnectionStateChange(device, GATT_SUCCESS, STATE_CONNECTED)
	})
	return nil
}

// Disconnect simulates a remote central going away
func (s *SimGattServer) Disconnect(device *BluetoothDevice) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	delete(s.connected, device.Address)
	cb := s.callback
	s.mu.Unlock()

	s.deliver(cb, func(cb BluetoothGattServerCallback) {
		cb.OnConnectionStateChange(device, GATT_SUCCESS, STATE_DISCONNECTED)
	})
	return nil
}

func (s *SimGattServer) lookupCharacteristic(serviceUUID, charUUID uuid.UUID) (*BluetoothGattCharacteristic, BluetoothGattServerCallback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrServerClosed
	}
	service := s.findServiceLocked(serviceUUID)
	if service == nil {
		return nil, nil, fmt.Errorf("service %s: %w", serviceUUID, ErrUnknownAttribute)
	}
	char := service.GetCharacteristic(charUUID)
	if char == nil {
		return nil, nil, fmt.Errorf("characteristic %s: %w", charUUID, ErrUnknownAttribute)
	}
	return char, s.callback, nil
}

func (s *SimGattServer) lookupDescriptor(serviceUUID, charUUID, descUUID uuid.UUID) (*BluetoothGattDescriptor, BluetoothGattServerCallback, error) {
	char, cb, err := s.lookupCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, nil, err
	}
	desc := char.GetDescriptor(descUUID)
	if desc == nil {
		return nil, nil, fmt.Errorf("descriptor %s: %w", descUUID, ErrUnknownAttribute)
	}
	return desc, cb, nil
}

// WriteCharacteristic simulates a remote characteristic write request
func (s *SimGattServer) WriteCharacteristic(device *BluetoothDevice, requestID int, serviceUUID, charUUID uuid.UUID, value []byte, responseNeeded bool) error {
	char, cb, err := s.lookupCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	s.deliver(cb, func(cb BluetoothGattServerCallback) {
		cb.OnCharacteristicWriteRequest(device, requestID, char, false, responseNeeded, 0, cloneBytes(value))
	})
	return nil
}

// ReadCharacteristic simulates a remote characteristic read request
func (s *SimGattServer) ReadCharacteristic(device *BluetoothDevice, requestID int, serviceUUID, charUUID uuid.UUID) error {
	char, cb, err := s.lookupCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	s.deliver(cb, func(cb BluetoothGattServerCallback) {
		cb.OnCharacteristicReadRequest(device, requestID, 0, char)
	})
	return nil
}

// WriteDescriptor simulates a remote descriptor write request
func (s *SimGattServer) WriteDescriptor(device *BluetoothDevice, requestID int, serviceUUID, charUUID, descUUID uuid.UUID, value []byte, responseNeeded bool) error {
	desc, cb, err := s.lookupDescriptor(serviceUUID, charUUID, descUUID)
	if err != nil {
		return err
	}
	s.deliver(cb, func(cb BluetoothGattServerCallback) {
		cb.OnDescriptorWriteRequest(device, requestID, desc, false, responseNeeded, 0, cloneBytes(value))
	})
	return nil
}

// ReadDescriptor simulates a remote descriptor read request
func (s *SimGattServer) ReadDescriptor(device *BluetoothDevice, requestID int, serviceUUID, charUUID, descUUID uuid.UUID) error {
	desc, cb, err := s.lookupDescriptor(serviceUUID, charUUID, descUUID)
	if err != nil {
		return err
	}
	s.deliver(cb, func(cb BluetoothGattServerCallback) {
		cb.OnDescriptorReadRequest(device, requestID, 0, desc)
	})
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	if s == "" {
		return "(empty)"
	}
	return s
}

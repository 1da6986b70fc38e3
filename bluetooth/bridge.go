package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/user/companion-proxy/logger"
)

// Bridge frame operations
const (
	OpConnect             = "connect"
	OpWriteCharacteristic = "write_characteristic"
	OpReadCharacteristic  = "read_characteristic"
	OpWriteDescriptor     = "write_descriptor"
	OpReadDescriptor      = "read_descriptor"
	OpResponse            = "response"
	OpNotify              = "notify"
	OpError               = "error"
)

// Frame is the JSON message exchanged over the bridge websocket
type Frame struct {
	Op             string    `json:"op"`
	Device         string    `json:"device,omitempty"`
	Name           string    `json:"name,omitempty"`
	RequestID      int       `json:"request_id,omitempty"`
	Service        uuid.UUID `json:"service"`
	Characteristic uuid.UUID `json:"characteristic"`
	Descriptor     uuid.UUID `json:"descriptor"`
	ResponseNeeded bool      `json:"response_needed,omitempty"`
	Status         int       `json:"status,omitempty"`
	Value          []byte    `json:"value,omitempty"`
	Error          string    `json:"error,omitempty"`
}

var errNoServer = errors.New("bluetooth: no gatt server open")

// Bridge exposes a SimManager's servers to remote simulated centrals over websockets.
// Each websocket is one remote device; the first frame must be OpConnect.
type Bridge struct {
	manager  *SimManager
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*bridgePeer // device address -> peer
}

type bridgePeer struct {
	device  *BluetoothDevice
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *bridgePeer) send(f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(f)
}

// NewBridge wires the bridge into the manager's traffic hooks
func NewBridge(manager *SimManager) *Bridge {
	b := &Bridge{
		manager: manager,
		peers:   make(map[string]*bridgePeer),
	}
	manager.SetHooks(SimHooks{
		OnResponse: b.forwardResponse,
		OnNotify:   b.forwardNotification,
	})
	return b
}

func (b *Bridge) peer(address string) *bridgePeer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[address]
}

func (b *Bridge) forwardResponse(resp Response) {
	p := b.peer(resp.Device)
	if p == nil {
		logger.Trace("Bridge", "Dropping response for unbridged device %s", shortID(resp.Device))
		return
	}
	err := p.send(Frame{
		Op:        OpResponse,
		Device:    resp.Device,
		RequestID: resp.RequestID,
		Status:    resp.Status,
		Value:     resp.Value,
	})
	if err != nil {
		logger.Warn("Bridge", "Failed to forward response to %s: %v", shortID(resp.Device), err)
	}
}

func (b *Bridge) forwardNotification(n Notification) {
	p := b.peer(n.Device)
	if p == nil {
		logger.Trace("Bridge", "Dropping notification for unbridged device %s", shortID(n.Device))
		return
	}
	err := p.send(Frame{
		Op:             OpNotify,
		Device:         n.Device,
		Service:        n.Service,
		Characteristic: n.Characteristic,
		Value:          n.Value,
	})
	if err != nil {
		logger.Warn("Bridge", "Failed to forward notification to %s: %v", shortID(n.Device), err)
	}
}

// ServeHTTP upgrades the request and serves one remote device until it disconnects
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Bridge", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		logger.Warn("Bridge", "Failed to read connect frame: %v", err)
		return
	}
	if hello.Op != OpConnect || hello.Device == "" {
		conn.WriteJSON(Frame{Op: OpError, Error: "first frame must be connect with a device address"})
		return
	}

	p := &bridgePeer{
		device: &BluetoothDevice{Name: hello.Name, Address: hello.Device},
		conn:   conn,
	}
	b.mu.Lock()
	b.peers[hello.Device] = p
	b.mu.Unlock()
	logger.Info("Bridge", "🔗 Remote device %s attached", shortID(hello.Device))

	defer func() {
		b.mu.Lock()
		if b.peers[hello.Device] == p {
			delete(b.peers, hello.Device)
		}
		b.mu.Unlock()
		if server := b.manager.Server(); server != nil {
			server.Disconnect(p.device)
		}
		logger.Info("Bridge", "Remote device %s detached", shortID(hello.Device))
	}()

	if server := b.manager.Server(); server != nil {
		if err := server.Connect(p.device); err != nil {
			p.send(Frame{Op: OpError, Error: err.Error()})
		}
	}

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Bridge", "Read from %s ended: %v", shortID(hello.Device), err)
			}
			return
		}
		if err := b.dispatch(p, f); err != nil {
			p.send(Frame{Op: OpError, RequestID: f.RequestID, Error: err.Error()})
		}
	}
}

func (b *Bridge) dispatch(p *bridgePeer, f Frame) error {
	server := b.manager.Server()
	if server == nil {
		return errNoServer
	}
	logger.TraceJSON("Bridge", fmt.Sprintf("⬇️ Frame from %s", shortID(p.device.Address)), f)

	switch f.Op {
	case OpWriteCharacteristic:
		return server.WriteCharacteristic(p.device, f.RequestID, f.Service, f.Characteristic, f.Value, f.ResponseNeeded)
	case OpReadCharacteristic:
		return server.ReadCharacteristic(p.device, f.RequestID, f.Service, f.Characteristic)
	case OpWriteDescriptor:
		return server.WriteDescriptor(p.device, f.RequestID, f.Service, f.Characteristic, f.Descriptor, f.Value, f.ResponseNeeded)
	case OpReadDescriptor:
		return server.ReadDescriptor(p.device, f.RequestID, f.Service, f.Characteristic, f.Descriptor)
	default:
		return fmt.Errorf("bluetooth: unsupported bridge op %q", f.Op)
	}
}

// BridgeClient plays the remote central side of a Bridge
type BridgeClient struct {
	device  BluetoothDevice
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int32
	frames  chan Frame
}

// DialBridge connects to a bridge endpoint as the given device
func DialBridge(ctx context.Context, url string, device BluetoothDevice) (*BridgeClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bluetooth: dial bridge: %w", err)
	}

	c := &BridgeClient{
		device: device,
		conn:   conn,
		frames: make(chan Frame, 64),
	}
	if err := c.send(Frame{Op: OpConnect, Device: device.Address, Name: device.Name}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluetooth: send connect frame: %w", err)
	}

	go c.readLoop()
	return c, nil
}

func (c *BridgeClient) readLoop() {
	defer close(c.frames)
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		c.frames <- f
	}
}

func (c *BridgeClient) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// Frames delivers responses, notifications and errors; closed when the connection ends
func (c *BridgeClient) Frames() <-chan Frame {
	return c.frames
}

// WriteCharacteristic sends a characteristic write and returns its request id
func (c *BridgeClient) WriteCharacteristic(service, characteristic uuid.UUID, value []byte, responseNeeded bool) (int, error) {
	id := int(c.nextID.Add(1))
	return id, c.send(Frame{
		Op:             OpWriteCharacteristic,
		RequestID:      id,
		Service:        service,
		Characteristic: characteristic,
		ResponseNeeded: responseNeeded,
		Value:          value,
	})
}

// WriteDescriptor sends a descriptor write and returns its request id
func (c *BridgeClient) WriteDescriptor(service, characteristic, descriptor uuid.UUID, value []byte, responseNeeded bool) (int, error) {
	id := int(c.nextID.Add(1))
	return id, c.send(Frame{
		Op:             OpWriteDescriptor,
		RequestID:      id,
		Service:        service,
		Characteristic: characteristic,
		Descriptor:     descriptor,
		ResponseNeeded: responseNeeded,
		Value:          value,
	})
}

// ReadDescriptor sends a descriptor read and returns its request id
func (c *BridgeClient) ReadDescriptor(service, characteristic, descriptor uuid.UUID) (int, error) {
	id := int(c.nextID.Add(1))
	return id, c.send(Frame{
		Op:             OpReadDescriptor,
		RequestID:      id,
		Service:        service,
		Characteristic: characteristic,
		Descriptor:     descriptor,
	})
}

// Close ends the session with a normal closure
func (c *BridgeClient) Close() error {
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

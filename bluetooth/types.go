package bluetooth

import (
	"github.com/google/uuid"
)

// Connection states reported through OnConnectionStateChange
const (
	STATE_DISCONNECTED  = 0
	STATE_CONNECTING    = 1
	STATE_CONNECTED     = 2
	STATE_DISCONNECTING = 3
)

// GATT status codes
const (
	GATT_SUCCESS = 0
	GATT_FAILURE = 257
)

// BluetoothGattCharacteristic properties
const (
	PROPERTY_READ              = 0x02
	PROPERTY_WRITE_NO_RESPONSE = 0x04
	PROPERTY_WRITE             = 0x08
	PROPERTY_NOTIFY            = 0x10
	PROPERTY_INDICATE          = 0x20
)

// BluetoothGattCharacteristic and BluetoothGattDescriptor permissions
const (
	PERMISSION_READ  = 0x01
	PERMISSION_WRITE = 0x10
)

// BluetoothGattService types
const (
	SERVICE_TYPE_PRIMARY   = 0
	SERVICE_TYPE_SECONDARY = 1
)

// BluetoothDevice identifies a remote device by its address
type BluetoothDevice struct {
	Name    string
	Address string
}

// BluetoothGattService matches Android's BluetoothGattService
type BluetoothGattService struct {
	UUID            uuid.UUID
	Type            int
	Characteristics []*BluetoothGattCharacteristic
}

// NewBluetoothGattService creates an empty service
func NewBluetoothGattService(id uuid.UUID, serviceType int) *BluetoothGattService {
	return &BluetoothGattService{
		UUID: id,
		Type: serviceType,
	}
}

// AddCharacteristic attaches a characteristic to the service.
// Returns false for nil or duplicate characteristics.
func (s *BluetoothGattService) AddCharacteristic(characteristic *BluetoothGattCharacteristic) bool {
	if characteristic == nil || s.GetCharacteristic(characteristic.UUID) != nil {
		return false
	}
	characteristic.Service = s
	s.Characteristics = append(s.Characteristics, characteristic)
	return true
}

// GetCharacteristic returns the characteristic with the given UUID, or nil
func (s *BluetoothGattService) GetCharacteristic(id uuid.UUID) *BluetoothGattCharacteristic {
	for _, char := range s.Characteristics {
		if char.UUID == id {
			return char
		}
	}
	return nil
}

// BluetoothGattCharacteristic matches Android's BluetoothGattCharacteristic
type BluetoothGattCharacteristic struct {
	UUID        uuid.UUID
	Properties  int
	Permissions int
	Value       []byte
	Descriptors []*BluetoothGattDescriptor
	Service     *BluetoothGattService
}

// NewBluetoothGattCharacteristic creates a characteristic with no descriptors
func NewBluetoothGattCharacteristic(id uuid.UUID, properties, permissions int) *BluetoothGattCharacteristic {
	return &BluetoothGattCharacteristic{
		UUID:        id,
		Properties:  properties,
		Permissions: permissions,
	}
}

// AddDescriptor attaches a descriptor to the characteristic.
// Returns false for nil or duplicate descriptors.
func (c *BluetoothGattCharacteristic) AddDescriptor(descriptor *BluetoothGattDescriptor) bool {
	if descriptor == nil || c.GetDescriptor(descriptor.UUID) != nil {
		return false
	}
	descriptor.Characteristic = c
	c.Descriptors = append(c.Descriptors, descriptor)
	return true
}

// GetDescriptor returns the descriptor with the given UUID, or nil
func (c *BluetoothGattCharacteristic) GetDescriptor(id uuid.UUID) *BluetoothGattDescriptor {
	for _, desc := range c.Descriptors {
		if desc.UUID == id {
			return desc
		}
	}
	return nil
}

// BluetoothGattDescriptor matches Android's BluetoothGattDescriptor
type BluetoothGattDescriptor struct {
	UUID           uuid.UUID
	Permissions    int
	Value          []byte
	Characteristic *BluetoothGattCharacteristic
}

// NewBluetoothGattDescriptor creates a descriptor
func NewBluetoothGattDescriptor(id uuid.UUID, permissions int) *BluetoothGattDescriptor {
	return &BluetoothGattDescriptor{
		UUID:        id,
		Permissions: permissions,
	}
}

package bluetooth

import (
	"github.com/google/uuid"
)

// BluetoothGattServerCallback matches Android's BluetoothGattServerCallback.
// The transport delivers these on its own goroutines but never concurrently.
type BluetoothGattServerCallback interface {
	OnConnectionStateChange(device *BluetoothDevice, status int, newState int)
	OnCharacteristicReadRequest(device *BluetoothDevice, requestId int, offset int, characteristic *BluetoothGattCharacteristic)
	OnCharacteristicWriteRequest(device *BluetoothDevice, requestId int, characteristic *BluetoothGattCharacteristic, preparedWrite bool, responseNeeded bool, offset int, value []byte)
	OnDescriptorReadRequest(device *BluetoothDevice, requestId int, offset int, descriptor *BluetoothGattDescriptor)
	OnDescriptorWriteRequest(device *BluetoothDevice, requestId int, descriptor *BluetoothGattDescriptor, preparedWrite bool, responseNeeded bool, offset int, value []byte)
	OnNotificationSent(device *BluetoothDevice, status int)
}

// GattServer is an open peripheral server.
// Calls are synchronous and non-blocking; boolean results report whether the
// transport accepted the request, not whether the peer received it.
type GattServer interface {
	// AddService registers a service definition
	AddService(service *BluetoothGattService) bool

	// ClearServices removes every registered service
	ClearServices()

	// Close shuts the server down; later calls fail
	Close()

	// GetService returns the registered service with the given UUID, or nil
	GetService(id uuid.UUID) *BluetoothGattService

	// SendResponse answers a pending read/write request
	SendResponse(device *BluetoothDevice, requestId int, status int, offset int, value []byte) bool

	// NotifyCharacteristicChanged queues a notification (confirm=false) or indication
	NotifyCharacteristicChanged(device *BluetoothDevice, characteristic *BluetoothGattCharacteristic, confirm bool, value []byte) bool
}

// Manager opens GATT servers, like Android's BluetoothManager.openGattServer
type Manager interface {
	OpenGattServer(callback BluetoothGattServerCallback) (GattServer, error)
}

package proxy

import (
	"github.com/google/uuid"
	"github.com/user/companion-proxy/bluetooth"
)

// Proxy GATT service layout
var (
	ProxyServiceUUID     = uuid.MustParse("5d7ad0e1-8c25-4f0c-9b57-4c3f7e2a1000")
	ConfigCharacteristic = uuid.MustParse("5d7ad0e1-8c25-4f0c-9b57-4c3f7e2a1001")
	PingCharacteristic   = uuid.MustParse("5d7ad0e1-8c25-4f0c-9b57-4c3f7e2a1002")

	// PingDescriptor is the subscription descriptor on the ping characteristic (standard CCCD)
	PingDescriptor = bluetooth.ClientCharacteristicConfigUUID
)

// LegacyRfcommUUID is advertised by companions that only speak the original RFCOMM proxy
var LegacyRfcommUUID = uuid.MustParse("fafbdd20-83f0-4389-addf-917ac9dae5b1")

// Protocol version codes, lowest is the legacy RFCOMM transport
const (
	VersionLegacyRfcomm = 1
	VersionL2cap        = 2
	VersionL2capGatt    = 3
)

package bluetooth

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// CCCDValue is the 16-bit Client Characteristic Configuration bitfield
type CCCDValue uint16

// Bits a client writes to enable/disable notifications and indications
const (
	CCCDNotificationsDisabled CCCDValue = 0x0000
	CCCDNotificationsEnabled  CCCDValue = 0x0001
	CCCDIndicationsEnabled    CCCDValue = 0x0002
)

// Notify reports whether the notification bit is set
func (v CCCDValue) Notify() bool { return v&CCCDNotificationsEnabled != 0 }

// Indicate reports whether the indication bit is set
func (v CCCDValue) Indicate() bool { return v&CCCDIndicationsEnabled != 0 }

// ClientCharacteristicConfigUUID is the 0x2902 descriptor expanded onto the Bluetooth base UUID
var ClientCharacteristicConfigUUID = uuid.MustParse("00002902-0000-1000-8000-00805f9b34fb")

// EnableNotificationValue returns the CCCD value enabling notifications ({0x01, 0x00})
func EnableNotificationValue() []byte {
	return EncodeCCCDValue(true, false)
}

// DisableNotificationValue returns the CCCD value disabling notifications ({0x00, 0x00})
func DisableNotificationValue() []byte {
	return EncodeCCCDValue(false, false)
}

// EnableIndicationValue returns the CCCD value enabling indications ({0x02, 0x00})
func EnableIndicationValue() []byte {
	return EncodeCCCDValue(false, true)
}

// EncodeCCCDValue converts subscription state to CCCD value bytes (little-endian)
func EncodeCCCDValue(notifyEnabled, indicateEnabled bool) []byte {
	var value CCCDValue
	if notifyEnabled {
		value |= CCCDNotificationsEnabled
	}
	if indicateEnabled {
		value |= CCCDIndicationsEnabled
	}
	return binary.LittleEndian.AppendUint16(make([]byte, 0, 2), uint16(value))
}

// ParseCCCDValue reads the little-endian bitfield written to a CCCD.
// Anything but exactly two bytes is an ATT invalid-length error.
func ParseCCCDValue(b []byte) (CCCDValue, error) {
	if len(b) != 2 {
		return 0, &AttError{Code: ATT_ERR_INVALID_ATTRIBUTE_VALUE_LENGTH, Description: fmt.Sprintf("CCCD value is %d bytes, want 2", len(b))}
	}
	return CCCDValue(binary.LittleEndian.Uint16(b)), nil
}

// ATT error codes surfaced by attribute parsing
const (
	ATT_ERR_INVALID_ATTRIBUTE_VALUE_LENGTH uint8 = 0x0D
)

// AttError is an ATT protocol error with its wire code
type AttError struct {
	Code        uint8
	Description string
}

func (e *AttError) Error() string {
	return fmt.Sprintf("att error 0x%02X: %s", e.Code, e.Description)
}

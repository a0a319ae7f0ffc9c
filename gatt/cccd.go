package gatt

import (
	"encoding/binary"
	"errors"
)

// CCCD (Client Characteristic Configuration Descriptor) values
const (
	CCCDNotificationsDisabled = 0x0000
	CCCDNotificationsEnabled  = 0x0001
	CCCDIndicationsEnabled    = 0x0002
)

// ErrInvalidCCCDLength is returned when a CCCD value is not exactly 2 bytes
var ErrInvalidCCCDLength = errors.New("invalid attribute value length")

// EncodeCCCDValue converts subscription flags to CCCD bytes (little-endian)
func EncodeCCCDValue(notifyEnabled, indicateEnabled bool) []byte {
	var value uint16
	if notifyEnabled {
		value |= CCCDNotificationsEnabled
	}
	if indicateEnabled {
		value |= CCCDIndicationsEnabled
	}

	cccdValue := make([]byte, 2)
	binary.LittleEndian.PutUint16(cccdValue, value)
	return cccdValue
}

// DecodeCCCDValue parses CCCD bytes into notification/indication flags
func DecodeCCCDValue(cccdValue []byte) (notifyEnabled, indicateEnabled bool, err error) {
	if len(cccdValue) != 2 {
		return false, false, ErrInvalidCCCDLength
	}

	value := binary.LittleEndian.Uint16(cccdValue)
	notifyEnabled = (value & CCCDNotificationsEnabled) != 0
	indicateEnabled = (value & CCCDIndicationsEnabled) != 0

	return notifyEnabled, indicateEnabled, nil
}

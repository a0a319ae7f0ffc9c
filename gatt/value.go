package gatt

import "encoding/base64"

// Characteristic values cross the transport boundary as base64 text.

// EncodeValue renders raw characteristic bytes the way the transport carries them
func EncodeValue(value []byte) string {
	return base64.StdEncoding.EncodeToString(value)
}

// DecodeValue turns transport text back into raw characteristic bytes
func DecodeValue(text string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(text)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

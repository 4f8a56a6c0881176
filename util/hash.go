package util

import (
	"crypto/sha256"
	"encoding/base64"
	"unsafe"
)

const HashSize = sha256.Size

func SHA256String(entity string) [HashSize]byte {
	return sha256.Sum256(unsafe.Slice(unsafe.StringData(entity), len(entity)))
}

// UnpaddedURLSafeSHA256 is the encoding used for reference hashes and
// content-derived event IDs.
func UnpaddedURLSafeSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

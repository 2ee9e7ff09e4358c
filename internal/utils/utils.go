package utils

import (
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// CalculateHash derives a version identifier from resource content: the
// CRC32 of the data as eight hex digits.
func CalculateHash(data []byte) string {
	return fmt.Sprintf("%08x", crc32.Checksum(data, crcTable))
}

// GenerateRandomID generates a random ID for subscriptions and peers
func GenerateRandomID() string {
	return uuid.NewString()
}

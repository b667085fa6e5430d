package fileio

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Checksum returns the hex blake3 digest of content.
func Checksum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

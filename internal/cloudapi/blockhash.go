package cloudapi

import (
	"crypto/sha256"
	"encoding/hex"
)

// blockSize is the cloud service's own content-hash block size: the
// payload is divided into 4-MB blocks, each block independently hashed,
// and the concatenation of those digests is hashed once more. This is
// distinct from the internal chain hash used for resume verification
// (internal/upload computes that one; this package never touches it).
const blockSize = 4 * 1024 * 1024

// ContentHash computes the cloud service's per-call content hash over
// data: SHA-256 of each 4-MB block concatenated, then SHA-256 of that
// concatenation, returned as lowercase hex.
func ContentHash(data []byte) string {
	var concatenated []byte
	for offset := 0; offset < len(data); offset += blockSize {
		end := offset + blockSize
		if end > len(data) {
			end = len(data)
		}
		sum := sha256.Sum256(data[offset:end])
		concatenated = append(concatenated, sum[:]...)
	}
	if len(data) == 0 {
		sum := sha256.Sum256(nil)
		concatenated = sum[:]
	}
	final := sha256.Sum256(concatenated)
	return hex.EncodeToString(final[:])
}

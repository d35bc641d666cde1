// Package seal computes and re-verifies the cryptographic digest over a
// deal's canonical serialization. The seal is evidence of integrity, not
// of identity.
package seal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Compute returns the lowercase hex SHA-256 of the canonical bytes.
func Compute(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the digest and compares it to the stored one.
// The comparison is exact-match over the full digest; the digest is not a
// secret, so timing safety is not required, but prefix matches must not
// pass.
func Verify(storedHex string, canonical []byte) bool {
	stored := strings.ToLower(strings.TrimSpace(storedHex))
	if len(stored) != sha256.Size*2 {
		return false
	}
	return stored == Compute(canonical)
}

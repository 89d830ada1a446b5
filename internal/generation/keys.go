package generation

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DeriveIdempotencyKey maps a job and operation name to a stable key,
// so re-delivery of the same completion or cancellation event is
// always safe.
func DeriveIdempotencyKey(jobID, operation string) string {
	sum := blake2b.Sum256([]byte(jobID + ":" + operation))
	return hex.EncodeToString(sum[:])
}

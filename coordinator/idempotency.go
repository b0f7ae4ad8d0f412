package coordinator

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// computeIdempotencyKey derives the at-most-once key for a Checkpoint RPC
// from the caller-supplied idempotency token, the instance id, and the
// checkpoint id being committed. Hashing these together (rather than
// trusting the raw token) means two different instances can never collide
// on the same stored key even if a client reuses tokens across instances.
//
// Mirrors graph.computeIdempotencyKey: SHA-256 over length-delimited
// fields, hex-encoded with a format-version prefix.
func computeIdempotencyKey(instanceID, checkpointID, token string) string {
	h := sha256.New()
	writeField(h, instanceID)
	writeField(h, checkpointID)
	writeField(h, token)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	lenBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(lenBytes, uint64(len(s)))
	_, _ = h.Write(lenBytes)
	_, _ = h.Write([]byte(s))
}

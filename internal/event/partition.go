package event

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// PartitionKey derives the broker partition key for a (tenant, exception)
// pair. All events for the same pair share a key, so the broker's
// in-partition ordering gives per-exception ordering for free.
func PartitionKey(tenantID, exceptionID string) string {
	if exceptionID == "" {
		return tenantID
	}
	return fmt.Sprintf("%s:%s", tenantID, exceptionID)
}

// PartitionNumber maps a (tenant, exception) pair onto one of n partitions.
// The mapping is stable across processes and restarts.
func PartitionNumber(tenantID, exceptionID string, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("partition count must be >= 1, got %d", n)
	}
	sum := sha256.Sum256([]byte(PartitionKey(tenantID, exceptionID)))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n)), nil
}

package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ComputeIdempotencyKey = sha256(job_id + scheduled_time_iso + request_json).
// Two dispatchers enqueueing the same fire of the same job produce the same
// key; the ledger's unique index on it rejects the duplicate.
func ComputeIdempotencyKey(jobID string, scheduled time.Time, req OutboundRequestSpec) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	payload := jobID + scheduled.UTC().Format(time.RFC3339Nano) + string(b)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}

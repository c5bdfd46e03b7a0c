package jobqueue

import "cyphertextkit/internal/wire"

// Job is the persisted record backing one scheduled Task invocation.
type Job struct {
	JobID        string
	MessageID    string // idempotency key; empty for tasks with no envelope
	TaskKindTag  string
	TaskPayload  []byte
	ScheduledAt  int64 // unix nanos
	AttemptCount int
	DelayedUntil *int64 // unix nanos; nil if immediately runnable
	IsBackground bool
}

func (j Job) delayedUntil(nowNanos int64) bool {
	return j.DelayedUntil != nil && *j.DelayedUntil > nowNanos
}

const (
	tagJobMessageID   byte = 'm'
	tagJobTaskPayload byte = 'p'
)

// encodeJobEnvelope packs the fields store.StoredJob has no dedicated
// column for (MessageID, the task's own encoded bytes) into its opaque
// Payload.
func encodeJobEnvelope(j Job) []byte {
	w := wire.NewWriter()
	w.PutBytes(tagJobMessageID, []byte(j.MessageID))
	w.PutBytes(tagJobTaskPayload, j.TaskPayload)
	return w.Bytes()
}

// decodeJobEnvelope reverses encodeJobEnvelope, returning a Job with only
// MessageID and TaskPayload populated; the caller fills in the remaining
// fields from the StoredJob's own columns.
func decodeJobEnvelope(data []byte) Job {
	fields, err := wire.Decode(data)
	if err != nil {
		return Job{}
	}
	var j Job
	if mid, ok := wire.Lookup(fields, tagJobMessageID); ok {
		j.MessageID = string(mid)
	}
	if payload, ok := wire.Lookup(fields, tagJobTaskPayload); ok {
		j.TaskPayload = payload
	}
	return j
}

package models

import "time"

// DeadLetter is an envelope that exhausted its retry budget. Multiple
// DeadLetter rows for the same envelope MessageID are acceptable — the
// archival move from a worker queue into the DLQ is best-effort and
// non-transactional.
type DeadLetter struct {
	OriginQueue  string
	Envelope     EventEnvelope
	LastError    string
	FailedAt     time.Time
	AttemptCount int
}

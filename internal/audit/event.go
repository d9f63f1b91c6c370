package audit

import "time"

// Outcome values recorded with every event.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is an immutable security/audit record. Events are write-once; nothing
// in the system updates or deletes them except the retention sweep.
type Event struct {
	ID         string
	OccurredAt time.Time
	Action     string
	ActorID    string
	TenantID   string
	TargetType string
	TargetID   string
	Outcome    string
	IPAddress  string
	UserAgent  string
	Details    map[string]any
	Tags       []string
}

// Failed reports whether the event records a failed outcome.
func (e Event) Failed() bool { return e.Outcome == OutcomeFailure }

package models

// TargetStatus represents the processing status of a target in the database
type TargetStatus string

const (
	TargetStatusUnset    TargetStatus = ""          // Zero value = unset/unknown
	TargetStatusPending  TargetStatus = "pending"   // Target queued but not processed
	TargetStatusDone     TargetStatus = "done"      // Target processed successfully
	TargetStatusFailed   TargetStatus = "failed"    // Target processing failed
	TargetStatusInvalid  TargetStatus = "invalid"   // Target URL malformed or out of scope
	TargetStatusNotFound TargetStatus = "not_found" // Target not in database
	TargetStatusDBError  TargetStatus = "db_error"  // Database error occurred
)

// String implements fmt.Stringer for logging
func (s TargetStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s TargetStatus) IsValid() bool {
	switch s {
	case TargetStatusPending, TargetStatusDone, TargetStatusFailed, TargetStatusInvalid:
		return true
	}
	return false
}

// ApplyTo copies the status onto a target's outcome flags.
func (s TargetStatus) ApplyTo(t *Target) {
	switch s {
	case TargetStatusDone:
		t.Done = true
	case TargetStatusFailed:
		t.Failed = true
	case TargetStatusInvalid:
		t.Invalid = true
	}
}

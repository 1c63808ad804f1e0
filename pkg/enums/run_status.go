package enums

import "fmt"

// RunStatus tracks a computation run through its lifecycle.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCommitted RunStatus = "committed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

var validRunStatuses = []RunStatus{
	RunStatusPending,
	RunStatusRunning,
	RunStatusCommitted,
	RunStatusFailed,
	RunStatusCanceled,
}

// String implements fmt.Stringer.
func (v RunStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known RunStatus.
func (v RunStatus) IsValid() bool {
	for _, candidate := range validRunStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseRunStatus converts raw input into a RunStatus.
func ParseRunStatus(value string) (RunStatus, error) {
	for _, candidate := range validRunStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid run status %q", value)
}

// IsTerminal reports whether no further transitions are expected.
func (v RunStatus) IsTerminal() bool {
	switch v {
	case RunStatusCommitted, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

package enums

import "fmt"

// SegmentStatus controls whether a segment is refreshed on schedule.
type SegmentStatus string

const (
	SegmentStatusActive   SegmentStatus = "active"
	SegmentStatusPaused   SegmentStatus = "paused"
	SegmentStatusArchived SegmentStatus = "archived"
)

var validSegmentStatuses = []SegmentStatus{
	SegmentStatusActive,
	SegmentStatusPaused,
	SegmentStatusArchived,
}

// String implements fmt.Stringer.
func (v SegmentStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known SegmentStatus.
func (v SegmentStatus) IsValid() bool {
	for _, candidate := range validSegmentStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseSegmentStatus converts raw input into a SegmentStatus.
func ParseSegmentStatus(value string) (SegmentStatus, error) {
	for _, candidate := range validSegmentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid segment status %q", value)
}

package enums

import "fmt"

// ValueSource selects where a condition resolves its property from.
type ValueSource string

const (
	ValueSourceSnapshot ValueSource = "snapshot"
	ValueSourceEvent    ValueSource = "event"
)

var validValueSources = []ValueSource{
	ValueSourceSnapshot,
	ValueSourceEvent,
}

// String implements fmt.Stringer.
func (v ValueSource) String() string {
	return string(v)
}

// IsValid reports whether the value is a known ValueSource.
func (v ValueSource) IsValid() bool {
	for _, candidate := range validValueSources {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseValueSource converts raw input into a ValueSource.
func ParseValueSource(value string) (ValueSource, error) {
	for _, candidate := range validValueSources {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid value source %q", value)
}

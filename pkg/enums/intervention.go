package enums

import "fmt"

// InterventionKind is a retention action suggested for an at-risk user.
type InterventionKind string

const (
	InterventionEmail            InterventionKind = "email"
	InterventionInApp            InterventionKind = "in_app"
	InterventionSupport          InterventionKind = "support"
	InterventionDiscount         InterventionKind = "discount"
	InterventionFeatureHighlight InterventionKind = "feature_highlight"
)

var validInterventionKinds = []InterventionKind{
	InterventionEmail,
	InterventionInApp,
	InterventionSupport,
	InterventionDiscount,
	InterventionFeatureHighlight,
}

// String implements fmt.Stringer.
func (v InterventionKind) String() string {
	return string(v)
}

// IsValid reports whether the value is a known InterventionKind.
func (v InterventionKind) IsValid() bool {
	for _, candidate := range validInterventionKinds {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseInterventionKind converts raw input into a InterventionKind.
func ParseInterventionKind(value string) (InterventionKind, error) {
	for _, candidate := range validInterventionKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid intervention kind %q", value)
}

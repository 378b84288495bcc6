// Package diag holds the non-fatal diagnostics attached to a processed sheet.
package diag

import "fmt"

// Kind identifies a class of non-fatal condition.
type Kind int

const (
	LowConfidenceAlignment Kind = iota // marker scores disagree across quadrants
	InvalidBubbleFootprint             // bubble footprint lies outside the rectified image
	MarkerFallback                     // marker strategy failed, contour strategy used
	DecodeFailed                       // externally decoded field could not be read
)

func (k Kind) String() string {
	switch k {
	case LowConfidenceAlignment:
		return "LowConfidenceAlignment"
	case InvalidBubbleFootprint:
		return "InvalidBubbleFootprint"
	case MarkerFallback:
		return "MarkerFallback"
	case DecodeFailed:
		return "DecodeFailed"
	default:
		return "Unknown"
	}
}

// Warning is a non-fatal condition recorded against one sheet.
type Warning struct {
	Kind    Kind   `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Warnf builds a Warning with a formatted message.
func Warnf(kind Kind, format string, args ...any) Warning {
	return Warning{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (w Warning) String() string {
	if w.Field != "" {
		return fmt.Sprintf("%s [%s]: %s", w.Kind, w.Field, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

// Has reports whether any warning of the given kind is present.
func Has(warnings []Warning, kind Kind) bool {
	for _, w := range warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

package template

import "fmt"

// TemplateFormatError reports a template document that cannot be normalized.
// It is fatal for a batch: no sheet can be read without a valid template.
type TemplateFormatError struct {
	Reason string
	Err    error
}

func (e *TemplateFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("template format: %s: %v", e.Reason, e.Err)
	}
	return "template format: " + e.Reason
}

func (e *TemplateFormatError) Unwrap() error {
	return e.Err
}

func formatErrorf(format string, args ...any) error {
	return &TemplateFormatError{Reason: fmt.Sprintf(format, args...)}
}

func wrapFormatError(err error, format string, args ...any) error {
	return &TemplateFormatError{Reason: fmt.Sprintf(format, args...), Err: err}
}

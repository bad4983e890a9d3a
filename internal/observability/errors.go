package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors, logs them once and returns the joined error.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		F("operation", operation),
		F("error_count", len(filtered)),
		F("errors", messages),
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}

package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNoListeners is returned when the store holds no usable listener for
	// an ALB, or when it could not be reached within the retry budget.
	ErrNoListeners = errors.New("no listeners found")

	// ErrNoTargetGroups is returned when target groups or listener groups
	// could not be read within the retry budget.
	ErrNoTargetGroups = errors.New("no target groups found")
)

// ConfigurationError reports a missing or invalid connection setting.
// Nothing can be done without it, so callers terminate.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

// IsNoConfiguration reports whether err means the ALB has nothing to serve yet
func IsNoConfiguration(err error) bool {
	return errors.Is(err, ErrNoListeners) || errors.Is(err, ErrNoTargetGroups)
}

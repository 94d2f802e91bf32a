package javascript

import (
	"errors"
	"fmt"
	"time"
)

// Execution limit errors.
var (
	ErrEmptyScript    = errors.New("script is empty")
	ErrScriptTooLarge = errors.New("script exceeds maximum length")
	ErrTimeout        = errors.New("script execution timed out")
)

// MaxTimeout is the hard ceiling on per-script execution time.
const MaxTimeout = 60 * time.Second

// Limits defines resource constraints for script execution.
type Limits struct {
	// Timeout bounds a single execution.
	Timeout time.Duration

	// MaxScriptLength bounds script source size in bytes.
	MaxScriptLength int

	// MaxCallStackSize limits recursion depth.
	MaxCallStackSize int
}

// DefaultLimits returns the default execution limits.
func DefaultLimits() *Limits {
	return &Limits{
		Timeout:          10 * time.Second,
		MaxScriptLength:  1 << 20,
		MaxCallStackSize: 1024,
	}
}

// Validate checks the limits are usable.
func (l *Limits) Validate() error {
	if l.Timeout <= 0 || l.Timeout > MaxTimeout {
		return fmt.Errorf("timeout must be in (0, %s]", MaxTimeout)
	}
	if l.MaxScriptLength <= 0 {
		return fmt.Errorf("max script length must be positive")
	}
	if l.MaxCallStackSize <= 0 {
		return fmt.Errorf("max call stack size must be positive")
	}
	return nil
}

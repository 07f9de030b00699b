package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every TimeoutError
var ErrTimeout = errors.New("timeout")

// TimeoutError is returned when an operation outlives its deadline
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout_%dms", e.Timeout.Milliseconds())
}

// Is reports whether target is ErrTimeout
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

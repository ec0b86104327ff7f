package booking

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveHold     = errors.New("buyer holds no matching lock")
	ErrAmountMismatch   = errors.New("paid amount does not match priced total")
	ErrBookingNotFound  = errors.New("booking not found")
	ErrAlreadyCancelled = errors.New("booking already pending cancellation")
	ErrEventNotFound    = errors.New("event not found")
)

type SeatsNotFoundError struct {
	SeatIDs []int64
}

func (e *SeatsNotFoundError) Error() string {
	return fmt.Sprintf("seats not found: %v", e.SeatIDs)
}

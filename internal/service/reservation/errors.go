package reservation

import (
	"errors"
	"fmt"
)

var (
	ErrNoUnitsSelected = errors.New("no units selected")
	ErrRateLimited     = errors.New("rate limited")
	ErrEventNotFound   = errors.New("event not found")
)

// SeatsUnavailableError carries the specific seats that could not be
// claimed, so the buyer can adjust selection instead of retrying blindly.
type SeatsUnavailableError struct {
	SeatIDs []int64
}

func (e *SeatsUnavailableError) Error() string {
	return fmt.Sprintf("seats unavailable: %v", e.SeatIDs)
}

// SeatsBookedError marks seats that are permanently sold; terminal, there is
// no point in retrying the same selection.
type SeatsBookedError struct {
	SeatIDs []int64
}

func (e *SeatsBookedError) Error() string {
	return fmt.Sprintf("seats already booked: %v", e.SeatIDs)
}

// CategoryShortage reports one category that could not admit the requested
// quantity, with what was actually available at decision time.
type CategoryShortage struct {
	CategoryID int64 `json:"category_id"`
	Requested  int64 `json:"requested"`
	Available  int64 `json:"available"`
}

type InsufficientAvailabilityError struct {
	Shortages []CategoryShortage
}

func (e *InsufficientAvailabilityError) Error() string {
	return fmt.Sprintf("insufficient availability: %+v", e.Shortages)
}

type CategoryNotFoundError struct {
	CategoryID int64
}

func (e *CategoryNotFoundError) Error() string {
	return fmt.Sprintf("category not found: %d", e.CategoryID)
}

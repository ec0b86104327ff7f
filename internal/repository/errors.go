package repository

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrSeatsBooked       = errors.New("some seats already booked")
	ErrCapacityExceeded  = errors.New("category capacity exceeded")
	ErrAlreadyCancelling = errors.New("booking already pending cancellation")
)

package postgresrepo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/oleksiv/seatlock/internal/domain"
)

// The Store is the ledger facade the services consume. Reads delegate to the
// repos; the finalize and reversal paths below are the only multi-statement
// transactions in the system.

func (s *Store) EventByID(ctx context.Context, eventID int64) (*domain.Event, error) {
	return s.Ledger().EventByID(ctx, eventID)
}

func (s *Store) BookedSeatIDs(ctx context.Context, eventID int64, seatIDs []int64) ([]int64, error) {
	return s.Ledger().BookedSeatIDs(ctx, eventID, seatIDs)
}

func (s *Store) SeatsByIDs(ctx context.Context, eventID int64, seatIDs []int64) ([]domain.Seat, error) {
	return s.Ledger().SeatsByIDs(ctx, eventID, seatIDs)
}

func (s *Store) CategoryByID(ctx context.Context, eventID, categoryID int64) (*domain.TicketCategory, error) {
	return s.Ledger().CategoryByID(ctx, eventID, categoryID)
}

func (s *Store) CategoriesByEvent(ctx context.Context, eventID int64) ([]domain.TicketCategory, error) {
	return s.Ledger().CategoriesByEvent(ctx, eventID)
}

func (s *Store) BookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return s.Bookings().ByID(ctx, id)
}

// runSaleTx runs a serializable ledger transaction, retrying serialization
// failures and deadlocks a few times before giving up.
func (s *Store) runSaleTx(ctx context.Context, fn func(ctx context.Context, tx DB) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.RunTx(ctx, nil, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}

// FinalizeBooking writes the sale in one transaction: the booking record,
// the durable inventory move (booked flags or sold counts) and the event and
// organiser aggregates. If any statement fails nothing is persisted and the
// caller leaves the buyer's locks in place for a retry.
func (s *Store) FinalizeBooking(ctx context.Context, b *domain.Booking) error {
	const op = "postgresrepo.Store.FinalizeBooking"

	err := s.runSaleTx(ctx, func(ctx context.Context, tx DB) error {
		if err := s.Bookings().With(tx).Insert(ctx, b); err != nil {
			return err
		}

		ledger := s.Ledger().With(tx)

		var units int64
		switch b.Kind {
		case domain.KindSeats:
			if _, err := ledger.MarkSeatsBooked(ctx, b.EventID, b.SeatIDs); err != nil {
				return err
			}
			units = int64(len(b.SeatIDs))
		case domain.KindCategories:
			for _, sel := range b.Categories {
				if err := ledger.IncrementSold(ctx, b.EventID, sel.CategoryID, sel.Quantity); err != nil {
					return err
				}
				units += sel.Quantity
			}
		}

		return ledger.AdjustAggregates(ctx, b.EventID, units, b.TotalCents)
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// ReverseBooking performs the refund reversal: the guarded status
// transition, freed capacity and decremented aggregates, all in one
// transaction. The lock store is never involved here.
func (s *Store) ReverseBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	const op = "postgresrepo.Store.ReverseBooking"

	var booking *domain.Booking

	err := s.runSaleTx(ctx, func(ctx context.Context, tx DB) error {
		b, err := s.Bookings().With(tx).ByID(ctx, id)
		if err != nil {
			return err
		}

		if err := s.Bookings().With(tx).BeginCancellation(ctx, id); err != nil {
			return err
		}

		ledger := s.Ledger().With(tx)

		var units int64
		switch b.Kind {
		case domain.KindSeats:
			if err := ledger.UnmarkSeatsBooked(ctx, b.EventID, b.SeatIDs); err != nil {
				return err
			}
			units = int64(len(b.SeatIDs))
		case domain.KindCategories:
			for _, sel := range b.Categories {
				if err := ledger.DecrementSold(ctx, b.EventID, sel.CategoryID, sel.Quantity); err != nil {
					return err
				}
				units += sel.Quantity
			}
		}

		if err := ledger.AdjustAggregates(ctx, b.EventID, -units, -b.TotalCents); err != nil {
			return err
		}

		b.Status = domain.BookingCancellationPending
		booking = b

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return booking, nil
}

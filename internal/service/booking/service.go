package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/lockstore"
	"github.com/oleksiv/seatlock/internal/notifier"
	"github.com/oleksiv/seatlock/internal/repository"
	"github.com/oleksiv/seatlock/internal/scheduler"
)

// Ledger is the durable side of finalize: prices for the summary and the
// transactional sale/reversal writes.
type Ledger interface {
	SeatsByIDs(ctx context.Context, eventID int64, seatIDs []int64) ([]domain.Seat, error)
	CategoryByID(ctx context.Context, eventID, categoryID int64) (*domain.TicketCategory, error)
	FinalizeBooking(ctx context.Context, b *domain.Booking) error
	ReverseBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
}

// LockStore verifies the buyer actually holds what payment claims to cover,
// and releases it after the ledger commit.
type LockStore interface {
	SeatHolder(ctx context.Context, eventID, seatID int64) (string, error)
	ReleaseSeat(ctx context.Context, eventID, seatID int64, buyerID string) (bool, error)
	BuyerQuantity(ctx context.Context, eventID, categoryID int64, buyerID string) (int64, error)
	ReleaseQuantityBy(ctx context.Context, eventID, categoryID int64, buyerID string, qty int64) (released, remaining int64, err error)
}

type TaskQueue interface {
	Cancel(ctx context.Context, taskID string) (bool, error)
}

type Broadcaster interface {
	Publish(ctx context.Context, ev lockstore.LockEvent) error
}

// AvailabilityCache drops cached availability snapshots after a durable
// inventory change so readers see the new sold counts straight away.
type AvailabilityCache interface {
	InvalidateEvent(ctx context.Context, eventID int64) error
}

type Service struct {
	ledger Ledger
	locks  LockStore
	tasks  TaskQueue
	bc     Broadcaster
	cache  AvailabilityCache
	notify notifier.Notifier
	logger *slog.Logger
}

func New(
	ledger Ledger,
	locks LockStore,
	tasks TaskQueue,
	bc Broadcaster,
	cache AvailabilityCache,
	notify notifier.Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		ledger: ledger,
		locks:  locks,
		tasks:  tasks,
		bc:     bc,
		cache:  cache,
		notify: notify,
		logger: logger,
	}
}

// Finalize converts the buyer's hold into a durable sale once payment is
// confirmed. Order matters: the hold check and the ledger transaction come
// first, and only after the commit are locks released. A ledger failure
// therefore leaves the hold intact for a retry, and no partial sale record
// can exist.
func (s *Service) Finalize(
	ctx context.Context,
	conf domain.PaymentConfirmation,
) (*domain.Booking, error) {
	const op = "service.booking.Finalize"

	if !conf.Kind.Valid() {
		return nil, fmt.Errorf("%s: invalid inventory kind %q", op, conf.Kind)
	}

	if err := s.verifyHolds(ctx, conf); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	summary, err := s.Summarize(ctx, conf.EventID, conf.Kind, conf.SeatIDs, conf.Categories)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if conf.AmountCents != summary.TotalCents {
		return nil, fmt.Errorf("%s:%w: paid %d, priced %d",
			op, ErrAmountMismatch, conf.AmountCents, summary.TotalCents)
	}

	b := &domain.Booking{
		ID:         uuid.New(),
		EventID:    conf.EventID,
		BuyerID:    conf.BuyerID,
		Kind:       conf.Kind,
		BaseCents:  summary.BaseCents,
		FeeCents:   summary.FeeCents,
		TotalCents: summary.TotalCents,
		Status:     domain.BookingConfirmed,
		SeatIDs:    conf.SeatIDs,
		Categories: conf.Categories,
	}

	if err := s.ledger.FinalizeBooking(ctx, b); err != nil {
		// Holds stay untouched; the buyer can retry until the TTL runs out.
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.releaseHolds(ctx, conf)

	s.invalidateAvailability(ctx, b.EventID)

	s.broadcastSold(ctx, conf)

	if err := s.notify.BookingConfirmed(ctx, notifier.BookingConfirmation{
		BookingID:  b.ID.String(),
		EventID:    b.EventID,
		BuyerID:    b.BuyerID,
		Kind:       b.Kind,
		SeatIDs:    b.SeatIDs,
		Categories: b.Categories,
		TotalCents: b.TotalCents,
		PaymentRef: conf.PaymentRef,
	}); err != nil {
		s.logger.Error("booking confirmation notify failed",
			"booking_id", b.ID, "error", err)
	}

	return b, nil
}

// Cancel reverses a confirmed booking: capacity and aggregates are restored
// in the ledger and the status moves to cancellation_pending, exactly once.
func (s *Service) Cancel(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	const op = "service.booking.Cancel"

	b, err := s.ledger.ReverseBooking(ctx, bookingID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("%s:%w", op, ErrBookingNotFound)
		case errors.Is(err, repository.ErrAlreadyCancelling):
			return nil, fmt.Errorf("%s:%w", op, ErrAlreadyCancelled)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.invalidateAvailability(ctx, b.EventID)

	return b, nil
}

// Summarize prices a selection without any locking side effect.
func (s *Service) Summarize(
	ctx context.Context,
	eventID int64,
	kind domain.InventoryKind,
	seatIDs []int64,
	sels []domain.CategorySelection,
) (*Summary, error) {
	const op = "service.booking.Summarize"

	summary := &Summary{EventID: eventID, Kind: kind}

	switch kind {
	case domain.KindSeats:
		seats, err := s.ledger.SeatsByIDs(ctx, eventID, seatIDs)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}

		found := make(map[int64]domain.Seat, len(seats))
		for _, seat := range seats {
			found[seat.ID] = seat
		}

		var missing []int64
		for _, id := range seatIDs {
			seat, ok := found[id]
			if !ok {
				missing = append(missing, id)
				continue
			}
			summary.addLine(
				fmt.Sprintf("%s %s-%d", seat.Zone, seat.Row, seat.Number),
				seat.PriceCents, 1,
			)
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%s:%w", op, &SeatsNotFoundError{SeatIDs: missing})
		}

	case domain.KindCategories:
		for _, sel := range sels {
			cat, err := s.ledger.CategoryByID(ctx, eventID, sel.CategoryID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return nil, fmt.Errorf("%s:%w", op, ErrEventNotFound)
				}
				return nil, fmt.Errorf("%s:%w", op, err)
			}
			summary.addLine(cat.Name, cat.PriceCents, sel.Quantity)
		}

	default:
		return nil, fmt.Errorf("%s: invalid inventory kind %q", op, kind)
	}

	return summary, nil
}

// verifyHolds rejects a payment confirmation for inventory the buyer does
// not actually hold. Without this a stray webhook could create a sale with
// no backing reservation.
func (s *Service) verifyHolds(ctx context.Context, conf domain.PaymentConfirmation) error {
	switch conf.Kind {
	case domain.KindSeats:
		if len(conf.SeatIDs) == 0 {
			return ErrNoActiveHold
		}
		for _, seatID := range conf.SeatIDs {
			holder, err := s.locks.SeatHolder(ctx, conf.EventID, seatID)
			if err != nil {
				return err
			}
			if holder != conf.BuyerID {
				return fmt.Errorf("%w: seat %d", ErrNoActiveHold, seatID)
			}
		}
	case domain.KindCategories:
		if len(conf.Categories) == 0 {
			return ErrNoActiveHold
		}
		for _, sel := range conf.Categories {
			held, err := s.locks.BuyerQuantity(ctx, conf.EventID, sel.CategoryID, conf.BuyerID)
			if err != nil {
				return err
			}
			if held < sel.Quantity {
				return fmt.Errorf("%w: category %d holds %d of %d",
					ErrNoActiveHold, sel.CategoryID, held, sel.Quantity)
			}
		}
	}

	return nil
}

// releaseHolds clears the buyer's locks after a successful commit. Failures
// are logged only: the TTL and the scheduled release task will finish the
// cleanup, and both are idempotent.
func (s *Service) releaseHolds(ctx context.Context, conf domain.PaymentConfirmation) {
	switch conf.Kind {
	case domain.KindSeats:
		for _, seatID := range conf.SeatIDs {
			if _, err := s.locks.ReleaseSeat(ctx, conf.EventID, seatID, conf.BuyerID); err != nil {
				s.logger.Error("release seat lock after finalize failed",
					"event_id", conf.EventID, "seat_id", seatID, "error", err)
			}
			s.cancelTask(ctx, scheduler.TaskID(domain.KindSeats, conf.EventID, seatID, conf.BuyerID))
		}
	case domain.KindCategories:
		for _, sel := range conf.Categories {
			_, remaining, err := s.locks.ReleaseQuantityBy(
				ctx, conf.EventID, sel.CategoryID, conf.BuyerID, sel.Quantity,
			)
			if err != nil {
				s.logger.Error("release category hold after finalize failed",
					"event_id", conf.EventID, "category_id", sel.CategoryID, "error", err)
				continue
			}
			if remaining > 0 {
				// The buyer still holds quantity from another request; its
				// release task stays armed.
				continue
			}
			s.cancelTask(ctx, scheduler.TaskID(domain.KindCategories, conf.EventID, sel.CategoryID, conf.BuyerID))
		}
	}
}

func (s *Service) broadcastSold(ctx context.Context, conf domain.PaymentConfirmation) {
	ev := lockstore.LockEvent{
		EventID: conf.EventID,
		BuyerID: conf.BuyerID,
	}

	switch conf.Kind {
	case domain.KindSeats:
		ev.Type = lockstore.TypeSeatsSold
		ev.SeatIDs = conf.SeatIDs
	case domain.KindCategories:
		ev.Type = lockstore.TypeCategoriesSold
		for _, sel := range conf.Categories {
			ev.Categories = append(ev.Categories, lockstore.CategoryQty{
				CategoryID: sel.CategoryID,
				Quantity:   sel.Quantity,
			})
		}
	}

	_ = s.bc.Publish(ctx, ev)
}

func (s *Service) invalidateAvailability(ctx context.Context, eventID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateEvent(ctx, eventID); err != nil {
		s.logger.Warn("availability cache invalidate failed",
			"event_id", eventID, "error", err)
	}
}

func (s *Service) cancelTask(ctx context.Context, taskID string) {
	if found, err := s.tasks.Cancel(ctx, taskID); err != nil || !found {
		s.logger.Debug("release task cancel was a no-op",
			"task_id", taskID, "found", found, "error", err)
	}
}

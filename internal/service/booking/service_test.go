package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/lockstore"
	"github.com/oleksiv/seatlock/internal/notifier"
	"github.com/oleksiv/seatlock/internal/repository"
)

type fakeLedger struct {
	seats map[int64]domain.Seat
	cats  map[int64]domain.TicketCategory

	finalized   []*domain.Booking
	finalizeErr error

	bookings map[uuid.UUID]*domain.Booking
	reversed []uuid.UUID
}

func (f *fakeLedger) SeatsByIDs(_ context.Context, _ int64, seatIDs []int64) ([]domain.Seat, error) {
	var out []domain.Seat
	for _, id := range seatIDs {
		if seat, ok := f.seats[id]; ok {
			out = append(out, seat)
		}
	}
	return out, nil
}

func (f *fakeLedger) CategoryByID(_ context.Context, _ int64, categoryID int64) (*domain.TicketCategory, error) {
	cat, ok := f.cats[categoryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &cat, nil
}

func (f *fakeLedger) FinalizeBooking(_ context.Context, b *domain.Booking) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	f.finalized = append(f.finalized, b)
	return nil
}

func (f *fakeLedger) ReverseBooking(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if b.Status == domain.BookingCancellationPending {
		return nil, repository.ErrAlreadyCancelling
	}
	b.Status = domain.BookingCancellationPending
	f.reversed = append(f.reversed, id)
	return b, nil
}

type fakeLockStore struct {
	seatHolders map[int64]string
	buyerQty    map[int64]int64

	releasedSeats []int64
	releasedCats  []int64
}

func (f *fakeLockStore) SeatHolder(_ context.Context, _ int64, seatID int64) (string, error) {
	return f.seatHolders[seatID], nil
}

func (f *fakeLockStore) ReleaseSeat(_ context.Context, _ int64, seatID int64, _ string) (bool, error) {
	f.releasedSeats = append(f.releasedSeats, seatID)
	delete(f.seatHolders, seatID)
	return true, nil
}

func (f *fakeLockStore) BuyerQuantity(_ context.Context, _ int64, categoryID int64, _ string) (int64, error) {
	return f.buyerQty[categoryID], nil
}

func (f *fakeLockStore) ReleaseQuantityBy(_ context.Context, _ int64, categoryID int64, _ string, qty int64) (int64, int64, error) {
	cur := f.buyerQty[categoryID]
	if qty > cur {
		qty = cur
	}
	if qty == cur {
		delete(f.buyerQty, categoryID)
	} else {
		f.buyerQty[categoryID] = cur - qty
	}
	f.releasedCats = append(f.releasedCats, categoryID)
	return qty, cur - qty, nil
}

type fakeCache struct {
	invalidated []int64
}

func (f *fakeCache) InvalidateEvent(_ context.Context, eventID int64) error {
	f.invalidated = append(f.invalidated, eventID)
	return nil
}

type fakeQueue struct {
	cancelled []string
}

func (f *fakeQueue) Cancel(_ context.Context, taskID string) (bool, error) {
	f.cancelled = append(f.cancelled, taskID)
	return true, nil
}

type fakeBroadcaster struct {
	events []lockstore.LockEvent
}

func (f *fakeBroadcaster) Publish(_ context.Context, ev lockstore.LockEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeNotifier struct {
	sent []notifier.BookingConfirmation
	err  error
}

func (f *fakeNotifier) BookingConfirmed(_ context.Context, msg notifier.BookingConfirmation) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seatFixture(id int64, price int64) domain.Seat {
	return domain.Seat{
		ID: id, EventID: 1, Zone: "A", Row: "3", Number: int(id), PriceCents: price,
	}
}

func TestService_Finalize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	seatConf := func(amount int64) domain.PaymentConfirmation {
		return domain.PaymentConfirmation{
			EventID:     1,
			BuyerID:     "u1",
			Kind:        domain.KindSeats,
			SeatIDs:     []int64{11, 12},
			AmountCents: amount,
			PaymentRef:  "pay_123",
		}
	}

	newFixtures := func() (*fakeLedger, *fakeLockStore, *fakeQueue, *fakeBroadcaster, *fakeCache, *fakeNotifier) {
		ledger := &fakeLedger{
			seats: map[int64]domain.Seat{
				11: seatFixture(11, 4_000),
				12: seatFixture(12, 4_000),
			},
		}
		locks := &fakeLockStore{seatHolders: map[int64]string{11: "u1", 12: "u1"}}
		return ledger, locks, &fakeQueue{}, &fakeBroadcaster{}, &fakeCache{}, &fakeNotifier{}
	}

	t.Run("confirmed payment produces a durable sale and frees the locks", func(t *testing.T) {
		ledger, locks, tasks, bc, cache, notify := newFixtures()
		svc := New(ledger, locks, tasks, bc, cache, notify, testLogger())

		// 4000 each + 10% fee = 4400 per seat
		b, err := svc.Finalize(ctx, seatConf(8_800))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if len(ledger.finalized) != 1 {
			t.Fatalf("expected 1 ledger write, got %d", len(ledger.finalized))
		}
		if b.Status != domain.BookingConfirmed {
			t.Fatalf("expected confirmed status, got %s", b.Status)
		}
		if b.TotalCents != 8_800 || b.BaseCents != 8_000 || b.FeeCents != 800 {
			t.Fatalf("unexpected totals %d/%d/%d", b.BaseCents, b.FeeCents, b.TotalCents)
		}
		if len(locks.releasedSeats) != 2 {
			t.Fatalf("expected both locks released, got %v", locks.releasedSeats)
		}
		if len(tasks.cancelled) != 2 {
			t.Fatalf("expected both release tasks cancelled, got %v", tasks.cancelled)
		}
		if len(bc.events) != 1 || bc.events[0].Type != lockstore.TypeSeatsSold {
			t.Fatalf("expected a sold broadcast, got %+v", bc.events)
		}
		if len(notify.sent) != 1 || notify.sent[0].PaymentRef != "pay_123" {
			t.Fatalf("expected a confirmation message, got %+v", notify.sent)
		}
		if len(cache.invalidated) != 1 || cache.invalidated[0] != 1 {
			t.Fatalf("expected the event's availability cache dropped, got %v", cache.invalidated)
		}
	})

	t.Run("payment without a matching hold creates no sale", func(t *testing.T) {
		ledger, locks, tasks, bc, cache, notify := newFixtures()
		locks.seatHolders[12] = "somebody-else"
		svc := New(ledger, locks, tasks, bc, cache, notify, testLogger())

		_, err := svc.Finalize(ctx, seatConf(8_800))
		if !errors.Is(err, ErrNoActiveHold) {
			t.Fatalf("expected ErrNoActiveHold, got %v", err)
		}
		if len(ledger.finalized) != 0 {
			t.Fatalf("expected no ledger write, got %d", len(ledger.finalized))
		}
		if len(locks.releasedSeats) != 0 {
			t.Fatalf("expected no lock release, got %v", locks.releasedSeats)
		}
	})

	t.Run("amount mismatch is rejected before the ledger write", func(t *testing.T) {
		ledger, locks, tasks, bc, cache, notify := newFixtures()
		svc := New(ledger, locks, tasks, bc, cache, notify, testLogger())

		_, err := svc.Finalize(ctx, seatConf(9_999))
		if !errors.Is(err, ErrAmountMismatch) {
			t.Fatalf("expected ErrAmountMismatch, got %v", err)
		}
		if len(ledger.finalized) != 0 {
			t.Fatalf("expected no ledger write, got %d", len(ledger.finalized))
		}
	})

	t.Run("ledger failure leaves the holds for a retry", func(t *testing.T) {
		ledger, locks, tasks, bc, cache, notify := newFixtures()
		ledger.finalizeErr = errors.New("connection reset")
		svc := New(ledger, locks, tasks, bc, cache, notify, testLogger())

		_, err := svc.Finalize(ctx, seatConf(8_800))
		if err == nil {
			t.Fatal("expected an error")
		}
		if len(locks.releasedSeats) != 0 {
			t.Fatalf("expected holds untouched, got released %v", locks.releasedSeats)
		}
		if len(bc.events) != 0 {
			t.Fatalf("expected no broadcast, got %+v", bc.events)
		}
		if len(cache.invalidated) != 0 {
			t.Fatalf("expected the cache untouched, got %v", cache.invalidated)
		}
	})

	t.Run("notifier failure does not fail the booking", func(t *testing.T) {
		ledger, locks, tasks, bc, cache, notify := newFixtures()
		notify.err = errors.New("broker unavailable")
		svc := New(ledger, locks, tasks, bc, cache, notify, testLogger())

		b, err := svc.Finalize(ctx, seatConf(8_800))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if b == nil || len(ledger.finalized) != 1 {
			t.Fatal("expected the sale to be recorded")
		}
	})

	t.Run("category booking verifies held quantity", func(t *testing.T) {
		ledger := &fakeLedger{cats: map[int64]domain.TicketCategory{
			7: {ID: 7, EventID: 1, Name: "VIP", PriceCents: 10_000, Total: 10, Sold: 0},
		}}
		locks := &fakeLockStore{buyerQty: map[int64]int64{7: 1}}
		svc := New(ledger, locks, &fakeQueue{}, &fakeBroadcaster{}, &fakeCache{}, &fakeNotifier{}, testLogger())

		_, err := svc.Finalize(ctx, domain.PaymentConfirmation{
			EventID: 1,
			BuyerID: "u1",
			Kind:    domain.KindCategories,
			Categories: []domain.CategorySelection{
				{CategoryID: 7, Quantity: 2},
			},
			AmountCents: 21_400,
		})
		if !errors.Is(err, ErrNoActiveHold) {
			t.Fatalf("expected ErrNoActiveHold for an under-held quantity, got %v", err)
		}
	})

	t.Run("finalizing part of a larger hold keeps its release task armed", func(t *testing.T) {
		ledger := &fakeLedger{cats: map[int64]domain.TicketCategory{
			7: {ID: 7, EventID: 1, Name: "VIP", PriceCents: 10_000, Total: 10, Sold: 0},
		}}
		locks := &fakeLockStore{buyerQty: map[int64]int64{7: 3}}
		tasks := &fakeQueue{}
		svc := New(ledger, locks, tasks, &fakeBroadcaster{}, &fakeCache{}, &fakeNotifier{}, testLogger())

		// 10000 sits in the 7% bracket: 10700 per unit
		_, err := svc.Finalize(ctx, domain.PaymentConfirmation{
			EventID: 1,
			BuyerID: "u1",
			Kind:    domain.KindCategories,
			Categories: []domain.CategorySelection{
				{CategoryID: 7, Quantity: 2},
			},
			AmountCents: 21_400,
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if got := locks.buyerQty[7]; got != 1 {
			t.Fatalf("expected 1 unit still held, got %d", got)
		}
		if len(tasks.cancelled) != 0 {
			t.Fatalf("expected the release task left armed, got %v", tasks.cancelled)
		}
	})
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	bookingID := uuid.New()
	ledger := &fakeLedger{bookings: map[uuid.UUID]*domain.Booking{
		bookingID: {
			ID:      bookingID,
			EventID: 1,
			BuyerID: "u1",
			Kind:    domain.KindSeats,
			Status:  domain.BookingConfirmed,
			SeatIDs: []int64{11},
		},
	}}
	cache := &fakeCache{}
	svc := New(ledger, &fakeLockStore{}, &fakeQueue{}, &fakeBroadcaster{}, cache, &fakeNotifier{}, testLogger())

	t.Run("first cancel moves the booking to cancellation_pending", func(t *testing.T) {
		b, err := svc.Cancel(ctx, bookingID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if b.Status != domain.BookingCancellationPending {
			t.Fatalf("expected cancellation_pending, got %s", b.Status)
		}
		if len(cache.invalidated) != 1 || cache.invalidated[0] != 1 {
			t.Fatalf("expected the event's availability cache dropped, got %v", cache.invalidated)
		}
	})

	t.Run("second cancel of the same booking is refused", func(t *testing.T) {
		_, err := svc.Cancel(ctx, bookingID)
		if !errors.Is(err, ErrAlreadyCancelled) {
			t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
		}
	})

	t.Run("unknown booking id", func(t *testing.T) {
		_, err := svc.Cancel(ctx, uuid.New())
		if !errors.Is(err, ErrBookingNotFound) {
			t.Fatalf("expected ErrBookingNotFound, got %v", err)
		}
	})
}

func TestService_Summarize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("missing seats are reported by id", func(t *testing.T) {
		ledger := &fakeLedger{seats: map[int64]domain.Seat{11: seatFixture(11, 4_000)}}
		svc := New(ledger, &fakeLockStore{}, &fakeQueue{}, &fakeBroadcaster{}, &fakeCache{}, &fakeNotifier{}, testLogger())

		_, err := svc.Summarize(ctx, 1, domain.KindSeats, []int64{11, 99}, nil)

		var notFound *SeatsNotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("expected SeatsNotFoundError, got %v", err)
		}
		if len(notFound.SeatIDs) != 1 || notFound.SeatIDs[0] != 99 {
			t.Fatalf("expected missing seat 99, got %v", notFound.SeatIDs)
		}
	})

	t.Run("category lines multiply by quantity", func(t *testing.T) {
		ledger := &fakeLedger{cats: map[int64]domain.TicketCategory{
			7: {ID: 7, EventID: 1, Name: "VIP", PriceCents: 10_000},
		}}
		svc := New(ledger, &fakeLockStore{}, &fakeQueue{}, &fakeBroadcaster{}, &fakeCache{}, &fakeNotifier{}, testLogger())

		sum, err := svc.Summarize(ctx, 1, domain.KindCategories, nil, []domain.CategorySelection{
			{CategoryID: 7, Quantity: 3},
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		// 10000 sits in the 7% bracket: 700 fee per unit
		if sum.BaseCents != 30_000 || sum.FeeCents != 2_100 || sum.TotalCents != 32_100 {
			t.Fatalf("unexpected totals %d/%d/%d", sum.BaseCents, sum.FeeCents, sum.TotalCents)
		}
		if len(sum.Lines) != 1 || sum.Lines[0].Label != "VIP" {
			t.Fatalf("unexpected lines %+v", sum.Lines)
		}
	})

	t.Run("seat line labels carry zone, row and number", func(t *testing.T) {
		ledger := &fakeLedger{seats: map[int64]domain.Seat{11: seatFixture(11, 4_000)}}
		svc := New(ledger, &fakeLockStore{}, &fakeQueue{}, &fakeBroadcaster{}, &fakeCache{}, &fakeNotifier{}, testLogger())

		sum, err := svc.Summarize(ctx, 1, domain.KindSeats, []int64{11}, nil)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if want := fmt.Sprintf("%s %s-%d", "A", "3", 11); sum.Lines[0].Label != want {
			t.Fatalf("expected label %q, got %q", want, sum.Lines[0].Label)
		}
	})
}

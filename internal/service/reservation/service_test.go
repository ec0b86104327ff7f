package reservation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/lockstore"
	"github.com/oleksiv/seatlock/internal/scheduler"
)

type fakeLockStore struct {
	mu     sync.Mutex
	seats  map[string]string
	held   map[string]int64
	buyers map[string]int64
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{
		seats:  make(map[string]string),
		held:   make(map[string]int64),
		buyers: make(map[string]int64),
	}
}

func seatKey(eventID, seatID int64) string { return fmt.Sprintf("%d:%d", eventID, seatID) }
func catKey(eventID, catID int64) string   { return fmt.Sprintf("%d:%d", eventID, catID) }
func buyerKey(eventID, catID int64, buyerID string) string {
	return fmt.Sprintf("%d:%d:%s", eventID, catID, buyerID)
}

func (f *fakeLockStore) ClaimSeat(_ context.Context, eventID, seatID int64, buyerID string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := seatKey(eventID, seatID)
	if _, taken := f.seats[key]; taken {
		return false, nil
	}
	f.seats[key] = buyerID
	return true, nil
}

func (f *fakeLockStore) ReleaseSeat(_ context.Context, eventID, seatID int64, buyerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := seatKey(eventID, seatID)
	if f.seats[key] != buyerID {
		return false, nil
	}
	delete(f.seats, key)
	return true, nil
}

func (f *fakeLockStore) SeatHolders(_ context.Context, eventID int64) (map[int64]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[int64]string)
	for key, buyer := range f.seats {
		var ev, seat int64
		fmt.Sscanf(key, "%d:%d", &ev, &seat)
		if ev == eventID {
			out[seat] = buyer
		}
	}
	return out, nil
}

func (f *fakeLockStore) ReserveQuantity(_ context.Context, eventID, catID int64, buyerID string, qty, capacity int64, _ time.Duration) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := catKey(eventID, catID)
	held := f.held[key]
	if held+qty > capacity {
		avail := capacity - held
		if avail < 0 {
			avail = 0
		}
		return false, avail, nil
	}
	f.held[key] += qty
	f.buyers[buyerKey(eventID, catID, buyerID)] += qty
	return true, capacity - held - qty, nil
}

func (f *fakeLockStore) ReleaseQuantity(_ context.Context, eventID, catID int64, buyerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bk := buyerKey(eventID, catID, buyerID)
	qty := f.buyers[bk]
	delete(f.buyers, bk)

	key := catKey(eventID, catID)
	if qty > f.held[key] {
		qty = f.held[key]
	}
	f.held[key] -= qty
	return qty, nil
}

func (f *fakeLockStore) ReleaseQuantityBy(_ context.Context, eventID, catID int64, buyerID string, qty int64) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bk := buyerKey(eventID, catID, buyerID)
	cur := f.buyers[bk]
	if qty > cur {
		qty = cur
	}
	if qty == cur {
		delete(f.buyers, bk)
	} else {
		f.buyers[bk] = cur - qty
	}

	key := catKey(eventID, catID)
	dec := qty
	if dec > f.held[key] {
		dec = f.held[key]
	}
	f.held[key] -= dec
	return qty, cur - qty, nil
}

func (f *fakeLockStore) CategoryHolders(_ context.Context, eventID int64) (map[int64]map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[int64]map[string]int64)
	for key, qty := range f.buyers {
		parts := strings.SplitN(key, ":", 3)
		ev, _ := strconv.ParseInt(parts[0], 10, 64)
		cat, _ := strconv.ParseInt(parts[1], 10, 64)
		if ev != eventID || qty <= 0 {
			continue
		}
		if out[cat] == nil {
			out[cat] = make(map[string]int64)
		}
		out[cat][parts[2]] = qty
	}
	return out, nil
}

func (f *fakeLockStore) heldTotal(eventID, catID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[catKey(eventID, catID)]
}

type fakeLedger struct {
	booked map[int64]bool
	cats   map[int64]domain.TicketCategory
}

func (f *fakeLedger) BookedSeatIDs(_ context.Context, _ int64, seatIDs []int64) ([]int64, error) {
	var out []int64
	for _, id := range seatIDs {
		if f.booked[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeLedger) CategoryByID(_ context.Context, _ int64, categoryID int64) (*domain.TicketCategory, error) {
	cat, ok := f.cats[categoryID]
	if !ok {
		return nil, errors.New("not found")
	}
	return &cat, nil
}

type fakeQueue struct {
	mu        sync.Mutex
	scheduled map[string]scheduler.ReleaseTask
	cancelled []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{scheduled: make(map[string]scheduler.ReleaseTask)}
}

func (f *fakeQueue) Schedule(_ context.Context, task scheduler.ReleaseTask, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[task.ID] = task
	return nil
}

func (f *fakeQueue) Cancel(_ context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	if _, ok := f.scheduled[taskID]; !ok {
		return false, nil
	}
	delete(f.scheduled, taskID)
	return true, nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []lockstore.LockEvent
}

func (f *fakeBroadcaster) Publish(_ context.Context, ev lockstore.LockEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBroadcaster) byType(t string) []lockstore.LockEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []lockstore.LockEvent
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeLimiter struct {
	allowed bool
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, int64, time.Duration, error) {
	return f.allowed, 1, time.Minute, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(ledger *fakeLedger) (*Service, *fakeLockStore, *fakeQueue, *fakeBroadcaster) {
	locks := newFakeLockStore()
	tasks := newFakeQueue()
	bc := &fakeBroadcaster{}
	svc := New(ledger, locks, tasks, bc, nil, testLogger(), Config{HoldTTL: 10 * time.Minute})
	return svc, locks, tasks, bc
}

func TestService_LockSeats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("locks all requested seats and arms release tasks", func(t *testing.T) {
		svc, locks, tasks, bc := newTestService(&fakeLedger{booked: map[int64]bool{}})

		if err := svc.LockSeats(ctx, 1, "u1", []int64{11, 12}, ""); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		holders, _ := locks.SeatHolders(ctx, 1)
		if holders[11] != "u1" || holders[12] != "u1" {
			t.Fatalf("expected u1 to hold both seats, got %v", holders)
		}
		if len(tasks.scheduled) != 2 {
			t.Fatalf("expected 2 release tasks, got %d", len(tasks.scheduled))
		}
		if got := bc.byType(lockstore.TypeSeatsLocked); len(got) != 1 {
			t.Fatalf("expected 1 locked broadcast, got %d", len(got))
		}
	})

	t.Run("competing claim fails listing the contested seat", func(t *testing.T) {
		svc, _, _, _ := newTestService(&fakeLedger{booked: map[int64]bool{}})

		if err := svc.LockSeats(ctx, 1, "u1", []int64{11}, ""); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		err := svc.LockSeats(ctx, 1, "u2", []int64{11}, "")

		var unavailable *SeatsUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("expected SeatsUnavailableError, got %v", err)
		}
		if len(unavailable.SeatIDs) != 1 || unavailable.SeatIDs[0] != 11 {
			t.Fatalf("expected failing seat 11, got %v", unavailable.SeatIDs)
		}
	})

	t.Run("partial failure releases every seat claimed in the call", func(t *testing.T) {
		svc, locks, tasks, _ := newTestService(&fakeLedger{booked: map[int64]bool{}})

		// seat 12 contested by another buyer
		if _, err := locks.ClaimSeat(ctx, 1, 12, "other", time.Minute); err != nil {
			t.Fatal(err)
		}

		err := svc.LockSeats(ctx, 1, "u1", []int64{11, 12, 13}, "")

		var unavailable *SeatsUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("expected SeatsUnavailableError, got %v", err)
		}

		holders, _ := locks.SeatHolders(ctx, 1)
		if len(holders) != 1 || holders[12] != "other" {
			t.Fatalf("expected only the competitor's lock to survive, got %v", holders)
		}
		if len(tasks.scheduled) != 0 {
			t.Fatalf("expected no release tasks after rollback, got %d", len(tasks.scheduled))
		}
	})

	t.Run("permanently booked seat is terminal", func(t *testing.T) {
		svc, locks, _, _ := newTestService(&fakeLedger{booked: map[int64]bool{11: true}})

		err := svc.LockSeats(ctx, 1, "u1", []int64{11, 12}, "")

		var bookedErr *SeatsBookedError
		if !errors.As(err, &bookedErr) {
			t.Fatalf("expected SeatsBookedError, got %v", err)
		}
		if holders, _ := locks.SeatHolders(ctx, 1); len(holders) != 0 {
			t.Fatalf("expected no claims at all, got %v", holders)
		}
	})

	t.Run("duplicate seat ids are claimed once and the input slice is untouched", func(t *testing.T) {
		svc, locks, _, _ := newTestService(&fakeLedger{booked: map[int64]bool{}})

		ids := []int64{11, 11, 12}
		if err := svc.LockSeats(ctx, 1, "u1", ids, ""); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if ids[0] != 11 || ids[1] != 11 || ids[2] != 12 {
			t.Fatalf("caller's slice was mutated: %v", ids)
		}
		holders, _ := locks.SeatHolders(ctx, 1)
		if len(holders) != 2 || holders[11] != "u1" || holders[12] != "u1" {
			t.Fatalf("expected seats 11 and 12 held once, got %v", holders)
		}
	})

	t.Run("at most one winner per seat under concurrency", func(t *testing.T) {
		svc, _, _, _ := newTestService(&fakeLedger{booked: map[int64]bool{}})

		const buyers = 32
		var wg sync.WaitGroup
		wins := make(chan string, buyers)

		for i := 0; i < buyers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				buyer := fmt.Sprintf("u%d", i)
				if err := svc.LockSeats(ctx, 1, buyer, []int64{42}, ""); err == nil {
					wins <- buyer
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		if len(winners) != 1 {
			t.Fatalf("expected exactly one winner, got %v", winners)
		}
	})

	t.Run("rate limited attempt is refused before claiming", func(t *testing.T) {
		locks := newFakeLockStore()
		svc := New(
			&fakeLedger{booked: map[int64]bool{}},
			locks, newFakeQueue(), &fakeBroadcaster{},
			&fakeLimiter{allowed: false}, testLogger(), Config{},
		)

		err := svc.LockSeats(ctx, 1, "u1", []int64{11}, "ip:1.2.3.4")
		if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", err)
		}
		if holders, _ := locks.SeatHolders(ctx, 1); len(holders) != 0 {
			t.Fatalf("expected no claims, got %v", holders)
		}
	})
}

func TestService_LockCategories(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	vip := domain.TicketCategory{ID: 7, EventID: 1, Name: "VIP", PriceCents: 10_000, Total: 10, Sold: 8}

	t.Run("request above availability is rejected with counts", func(t *testing.T) {
		svc, _, _, _ := newTestService(&fakeLedger{cats: map[int64]domain.TicketCategory{7: vip}})

		err := svc.LockCategories(ctx, 1, "u1", []domain.CategorySelection{
			{CategoryID: 7, Quantity: 3},
		}, "")

		var insufficient *InsufficientAvailabilityError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientAvailabilityError, got %v", err)
		}
		s := insufficient.Shortages[0]
		if s.CategoryID != 7 || s.Requested != 3 || s.Available != 2 {
			t.Fatalf("unexpected shortage %+v", s)
		}
	})

	t.Run("admitted quantity is visible to the next buyer", func(t *testing.T) {
		svc, locks, tasks, _ := newTestService(&fakeLedger{cats: map[int64]domain.TicketCategory{7: vip}})

		if err := svc.LockCategories(ctx, 1, "u1", []domain.CategorySelection{
			{CategoryID: 7, Quantity: 2},
		}, ""); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if got := locks.heldTotal(1, 7); got != 2 {
			t.Fatalf("expected held counter 2, got %d", got)
		}
		if len(tasks.scheduled) != 1 {
			t.Fatalf("expected 1 release task, got %d", len(tasks.scheduled))
		}

		err := svc.LockCategories(ctx, 1, "u2", []domain.CategorySelection{
			{CategoryID: 7, Quantity: 1},
		}, "")

		var insufficient *InsufficientAvailabilityError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientAvailabilityError, got %v", err)
		}
		if insufficient.Shortages[0].Available != 0 {
			t.Fatalf("expected available 0, got %d", insufficient.Shortages[0].Available)
		}
	})

	t.Run("shortage in one category rolls back the others", func(t *testing.T) {
		ga := domain.TicketCategory{ID: 8, EventID: 1, Name: "GA", PriceCents: 3_000, Total: 100, Sold: 0}
		svc, locks, _, _ := newTestService(&fakeLedger{cats: map[int64]domain.TicketCategory{7: vip, 8: ga}})

		err := svc.LockCategories(ctx, 1, "u1", []domain.CategorySelection{
			{CategoryID: 8, Quantity: 4},
			{CategoryID: 7, Quantity: 5},
		}, "")

		var insufficient *InsufficientAvailabilityError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientAvailabilityError, got %v", err)
		}
		if got := locks.heldTotal(1, 8); got != 0 {
			t.Fatalf("expected GA rollback to 0 held, got %d", got)
		}
	})

	t.Run("rollback spares holds taken in an earlier request", func(t *testing.T) {
		roomy := domain.TicketCategory{ID: 7, EventID: 1, Name: "VIP", PriceCents: 10_000, Total: 10, Sold: 6}
		ga := domain.TicketCategory{ID: 8, EventID: 1, Name: "GA", PriceCents: 3_000, Total: 5, Sold: 5}
		svc, locks, _, _ := newTestService(&fakeLedger{cats: map[int64]domain.TicketCategory{7: roomy, 8: ga}})

		if err := svc.LockCategories(ctx, 1, "u1", []domain.CategorySelection{
			{CategoryID: 7, Quantity: 2},
		}, ""); err != nil {
			t.Fatal(err)
		}

		err := svc.LockCategories(ctx, 1, "u1", []domain.CategorySelection{
			{CategoryID: 7, Quantity: 1},
			{CategoryID: 8, Quantity: 1},
		}, "")

		var insufficient *InsufficientAvailabilityError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientAvailabilityError, got %v", err)
		}
		if got := locks.heldTotal(1, 7); got != 2 {
			t.Fatalf("expected the earlier hold of 2 to survive rollback, got %d", got)
		}
		if got := locks.buyers[buyerKey(1, 7, "u1")]; got != 2 {
			t.Fatalf("expected buyer entry back to 2, got %d", got)
		}
	})

	t.Run("concurrent holds never exceed capacity", func(t *testing.T) {
		svc, locks, _, _ := newTestService(&fakeLedger{cats: map[int64]domain.TicketCategory{7: vip}})

		const buyers = 16
		var wg sync.WaitGroup
		for i := 0; i < buyers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = svc.LockCategories(ctx, 1, fmt.Sprintf("u%d", i), []domain.CategorySelection{
					{CategoryID: 7, Quantity: 1},
				}, "")
			}(i)
		}
		wg.Wait()

		if got := locks.heldTotal(1, 7); got > vip.Total-vip.Sold {
			t.Fatalf("held %d exceeds capacity %d", got, vip.Total-vip.Sold)
		}
	})
}

func TestService_Unlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("releases only the requesting buyer's seats", func(t *testing.T) {
		svc, locks, tasks, bc := newTestService(&fakeLedger{booked: map[int64]bool{}})

		if err := svc.LockSeats(ctx, 1, "u1", []int64{11, 12}, ""); err != nil {
			t.Fatal(err)
		}
		if err := svc.LockSeats(ctx, 1, "u2", []int64{13}, ""); err != nil {
			t.Fatal(err)
		}

		released, err := svc.Unlock(ctx, 1, "u1", domain.KindSeats)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(released.SeatIDs) != 2 {
			t.Fatalf("expected 2 released seats, got %v", released.SeatIDs)
		}

		holders, _ := locks.SeatHolders(ctx, 1)
		if len(holders) != 1 || holders[13] != "u2" {
			t.Fatalf("expected only u2's lock to survive, got %v", holders)
		}
		if len(tasks.scheduled) != 1 {
			t.Fatalf("expected u1's tasks cancelled, got %v", tasks.scheduled)
		}
		if got := bc.byType(lockstore.TypeSeatsUnlocked); len(got) != 1 {
			t.Fatalf("expected 1 unlocked broadcast, got %d", len(got))
		}
	})

	t.Run("unlock twice is a safe no-op", func(t *testing.T) {
		cat := domain.TicketCategory{ID: 7, EventID: 1, Name: "VIP", PriceCents: 10_000, Total: 10, Sold: 0}
		svc, locks, _, _ := newTestService(&fakeLedger{cats: map[int64]domain.TicketCategory{7: cat}})

		if err := svc.LockCategories(ctx, 1, "u1", []domain.CategorySelection{
			{CategoryID: 7, Quantity: 4},
		}, ""); err != nil {
			t.Fatal(err)
		}

		first, err := svc.Unlock(ctx, 1, "u1", domain.KindCategories)
		if err != nil {
			t.Fatalf("first unlock: %v", err)
		}
		if len(first.Categories) != 1 || first.Categories[0].Quantity != 4 {
			t.Fatalf("expected 4 released, got %+v", first.Categories)
		}

		second, err := svc.Unlock(ctx, 1, "u1", domain.KindCategories)
		if err != nil {
			t.Fatalf("second unlock: %v", err)
		}
		if len(second.Categories) != 0 {
			t.Fatalf("expected nothing released on repeat, got %+v", second.Categories)
		}
		if got := locks.heldTotal(1, 7); got != 0 {
			t.Fatalf("held counter must never go below zero, got %d", got)
		}
	})
}

package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/lockstore"
	"github.com/oleksiv/seatlock/internal/repository"
	"github.com/oleksiv/seatlock/internal/scheduler"
)

// LockStore is the subset of lock-store operations this service needs. All
// mutual exclusion happens inside these calls; the service never blocks one
// buyer waiting on another.
type LockStore interface {
	ClaimSeat(ctx context.Context, eventID, seatID int64, buyerID string, ttl time.Duration) (bool, error)
	ReleaseSeat(ctx context.Context, eventID, seatID int64, buyerID string) (bool, error)
	SeatHolders(ctx context.Context, eventID int64) (map[int64]string, error)
	ReserveQuantity(ctx context.Context, eventID, categoryID int64, buyerID string, qty, capacity int64, ttl time.Duration) (bool, int64, error)
	ReleaseQuantity(ctx context.Context, eventID, categoryID int64, buyerID string) (int64, error)
	ReleaseQuantityBy(ctx context.Context, eventID, categoryID int64, buyerID string, qty int64) (released, remaining int64, err error)
	CategoryHolders(ctx context.Context, eventID int64) (map[int64]map[string]int64, error)
}

// Ledger answers "what is durably sold"; it is consulted before claiming and
// never mutated on this path.
type Ledger interface {
	BookedSeatIDs(ctx context.Context, eventID int64, seatIDs []int64) ([]int64, error)
	CategoryByID(ctx context.Context, eventID, categoryID int64) (*domain.TicketCategory, error)
}

type TaskQueue interface {
	Schedule(ctx context.Context, task scheduler.ReleaseTask, delay time.Duration) error
	Cancel(ctx context.Context, taskID string) (bool, error)
}

type Broadcaster interface {
	Publish(ctx context.Context, ev lockstore.LockEvent) error
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int64, time.Duration, error)
}

type Config struct {
	HoldTTL time.Duration
}

type Service struct {
	ledger  Ledger
	locks   LockStore
	tasks   TaskQueue
	bc      Broadcaster
	limiter Limiter
	logger  *slog.Logger
	cfg     Config
}

func New(
	ledger Ledger,
	locks LockStore,
	tasks TaskQueue,
	bc Broadcaster,
	limiter Limiter,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 10 * time.Minute
	}

	return &Service{
		ledger:  ledger,
		locks:   locks,
		tasks:   tasks,
		bc:      bc,
		limiter: limiter,
		logger:  logger,
		cfg:     cfg,
	}
}

func (s *Service) HoldTTL() time.Duration {
	return s.cfg.HoldTTL
}

// LockSeats claims every requested seat or none of them. Seats that were
// claimed before a later seat failed are released again before the conflict
// error returns, so a rejected request leaves no locks behind.
func (s *Service) LockSeats(
	ctx context.Context,
	eventID int64,
	buyerID string,
	seatIDs []int64,
	rlKey string,
) error {
	const op = "service.reservation.LockSeats"

	if len(seatIDs) == 0 {
		return fmt.Errorf("%s:%w", op, ErrNoUnitsSelected)
	}

	seatIDs = dedupe(seatIDs)

	if err := s.allow(ctx, rlKey); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	booked, err := s.ledger.BookedSeatIDs(ctx, eventID, seatIDs)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%s:%w", op, ErrEventNotFound)
		}
		return fmt.Errorf("%s:%w", op, err)
	}
	if len(booked) > 0 {
		return fmt.Errorf("%s:%w", op, &SeatsBookedError{SeatIDs: booked})
	}

	var claimed, failed []int64
	for _, seatID := range seatIDs {
		ok, err := s.locks.ClaimSeat(ctx, eventID, seatID, buyerID, s.cfg.HoldTTL)
		if err != nil {
			s.rollbackSeats(ctx, eventID, buyerID, claimed)
			return fmt.Errorf("%s:%w", op, err)
		}
		if ok {
			claimed = append(claimed, seatID)
		} else {
			failed = append(failed, seatID)
		}
	}

	if len(failed) > 0 {
		s.rollbackSeats(ctx, eventID, buyerID, claimed)
		return fmt.Errorf("%s:%w", op, &SeatsUnavailableError{SeatIDs: failed})
	}

	for _, seatID := range claimed {
		task := scheduler.NewSeatTask(eventID, seatID, buyerID)
		if err := s.tasks.Schedule(ctx, task, s.cfg.HoldTTL); err != nil {
			// The claim's own TTL still bounds the hold; only the broadcast
			// on expiry is lost.
			s.logger.Warn("schedule release task failed",
				"task_id", task.ID, "error", err)
		}
	}

	_ = s.bc.Publish(ctx, lockstore.LockEvent{
		Type:    lockstore.TypeSeatsLocked,
		EventID: eventID,
		BuyerID: buyerID,
		SeatIDs: claimed,
	})

	return nil
}

// LockCategories admits each requested {category, quantity} against
// capacity = total - sold with a single atomic check-and-increment per
// category. Any shortage rejects the whole request and rolls back the
// categories admitted earlier in the same call.
func (s *Service) LockCategories(
	ctx context.Context,
	eventID int64,
	buyerID string,
	sels []domain.CategorySelection,
	rlKey string,
) error {
	const op = "service.reservation.LockCategories"

	if len(sels) == 0 {
		return fmt.Errorf("%s:%w", op, ErrNoUnitsSelected)
	}

	for _, sel := range sels {
		if sel.Quantity <= 0 {
			return fmt.Errorf("%s: quantity must be positive for category %d", op, sel.CategoryID)
		}
	}

	if err := s.allow(ctx, rlKey); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	var (
		reserved  []domain.CategorySelection
		shortages []CategoryShortage
	)

	for _, sel := range sels {
		cat, err := s.ledger.CategoryByID(ctx, eventID, sel.CategoryID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.rollbackCategories(ctx, eventID, buyerID, reserved)
				return fmt.Errorf("%s:%w", op, &CategoryNotFoundError{CategoryID: sel.CategoryID})
			}
			s.rollbackCategories(ctx, eventID, buyerID, reserved)
			return fmt.Errorf("%s:%w", op, err)
		}

		capacity := cat.Total - cat.Sold

		ok, available, err := s.locks.ReserveQuantity(
			ctx, eventID, sel.CategoryID, buyerID, sel.Quantity, capacity, s.cfg.HoldTTL,
		)
		if err != nil {
			s.rollbackCategories(ctx, eventID, buyerID, reserved)
			return fmt.Errorf("%s:%w", op, err)
		}

		if !ok {
			shortages = append(shortages, CategoryShortage{
				CategoryID: sel.CategoryID,
				Requested:  sel.Quantity,
				Available:  available,
			})
			continue
		}

		reserved = append(reserved, sel)
	}

	if len(shortages) > 0 {
		s.rollbackCategories(ctx, eventID, buyerID, reserved)
		return fmt.Errorf("%s:%w", op, &InsufficientAvailabilityError{Shortages: shortages})
	}

	for _, sel := range reserved {
		task := scheduler.NewCategoryTask(eventID, sel.CategoryID, buyerID, sel.Quantity)
		if err := s.tasks.Schedule(ctx, task, s.cfg.HoldTTL); err != nil {
			s.logger.Warn("schedule release task failed",
				"task_id", task.ID, "error", err)
		}
	}

	_ = s.bc.Publish(ctx, lockstore.LockEvent{
		Type:       lockstore.TypeCategoriesLocked,
		EventID:    eventID,
		BuyerID:    buyerID,
		Categories: toCategoryQtys(reserved),
	})

	return nil
}

// Released describes what a manual unlock actually freed.
type Released struct {
	SeatIDs    []int64
	Categories []domain.CategorySelection
}

// Unlock frees everything the buyer currently holds for the event. It is
// idempotent by construction: locks already gone are skipped, counters never
// go below zero and a second call releases nothing.
func (s *Service) Unlock(
	ctx context.Context,
	eventID int64,
	buyerID string,
	kind domain.InventoryKind,
) (Released, error) {
	const op = "service.reservation.Unlock"

	var out Released

	if kind == domain.KindSeats {
		holders, err := s.locks.SeatHolders(ctx, eventID)
		if err != nil {
			return out, fmt.Errorf("%s:%w", op, err)
		}

		for seatID, holder := range holders {
			if holder != buyerID {
				continue
			}

			ok, err := s.locks.ReleaseSeat(ctx, eventID, seatID, buyerID)
			if err != nil {
				return out, fmt.Errorf("%s:%w", op, err)
			}
			if !ok {
				continue
			}

			out.SeatIDs = append(out.SeatIDs, seatID)
			s.cancelTask(ctx, scheduler.TaskID(domain.KindSeats, eventID, seatID, buyerID))
		}

		if len(out.SeatIDs) > 0 {
			_ = s.bc.Publish(ctx, lockstore.LockEvent{
				Type:    lockstore.TypeSeatsUnlocked,
				EventID: eventID,
				BuyerID: buyerID,
				SeatIDs: out.SeatIDs,
			})
		}

		return out, nil
	}

	holders, err := s.locks.CategoryHolders(ctx, eventID)
	if err != nil {
		return out, fmt.Errorf("%s:%w", op, err)
	}

	for categoryID, byBuyer := range holders {
		if byBuyer[buyerID] <= 0 {
			continue
		}

		released, err := s.locks.ReleaseQuantity(ctx, eventID, categoryID, buyerID)
		if err != nil {
			return out, fmt.Errorf("%s:%w", op, err)
		}
		if released <= 0 {
			continue
		}

		out.Categories = append(out.Categories, domain.CategorySelection{
			CategoryID: categoryID,
			Quantity:   released,
		})
		s.cancelTask(ctx, scheduler.TaskID(domain.KindCategories, eventID, categoryID, buyerID))
	}

	if len(out.Categories) > 0 {
		_ = s.bc.Publish(ctx, lockstore.LockEvent{
			Type:       lockstore.TypeCategoriesUnlocked,
			EventID:    eventID,
			BuyerID:    buyerID,
			Categories: toCategoryQtys(out.Categories),
		})
	}

	return out, nil
}

func (s *Service) allow(ctx context.Context, rlKey string) error {
	if s.limiter == nil || rlKey == "" {
		return nil
	}

	ok, _, retry, err := s.limiter.Allow(ctx, rlKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: retry in %s", ErrRateLimited, retry)
	}

	return nil
}

// rollbackSeats is the compensation half of the multi-seat saga.
func (s *Service) rollbackSeats(ctx context.Context, eventID int64, buyerID string, claimed []int64) {
	for _, seatID := range claimed {
		if _, err := s.locks.ReleaseSeat(ctx, eventID, seatID, buyerID); err != nil {
			s.logger.Error("rollback seat claim failed",
				"event_id", eventID, "seat_id", seatID, "buyer_id", buyerID, "error", err)
		}
	}
}

// rollbackCategories undoes only the quantities this call reserved; a hold
// the buyer took in an earlier request stays in place.
func (s *Service) rollbackCategories(
	ctx context.Context,
	eventID int64,
	buyerID string,
	reserved []domain.CategorySelection,
) {
	for _, sel := range reserved {
		if _, _, err := s.locks.ReleaseQuantityBy(ctx, eventID, sel.CategoryID, buyerID, sel.Quantity); err != nil {
			s.logger.Error("rollback category reserve failed",
				"event_id", eventID, "category_id", sel.CategoryID, "buyer_id", buyerID, "error", err)
		}
	}
}

func (s *Service) cancelTask(ctx context.Context, taskID string) {
	found, err := s.tasks.Cancel(ctx, taskID)
	if err != nil || !found {
		// A task that already fired or was cancelled earlier is fine: the
		// worker's cleanup is idempotent.
		s.logger.Debug("release task cancel was a no-op",
			"task_id", taskID, "found", found, "error", err)
	}
}

// dedupe copies; the caller's slice may be echoed back in a response.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func toCategoryQtys(sels []domain.CategorySelection) []lockstore.CategoryQty {
	out := make([]lockstore.CategoryQty, 0, len(sels))
	for _, sel := range sels {
		out = append(out, lockstore.CategoryQty{
			CategoryID: sel.CategoryID,
			Quantity:   sel.Quantity,
		})
	}
	return out
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/oleksiv/seatlock/internal/clock"
	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/lockstore"
	"github.com/oleksiv/seatlock/internal/scheduler"
)

type TaskSource interface {
	PopDue(ctx context.Context, now time.Time, limit int) ([]scheduler.ReleaseTask, error)
}

type LockReleaser interface {
	ReleaseSeat(ctx context.Context, eventID, seatID int64, buyerID string) (bool, error)
	ReleaseQuantity(ctx context.Context, eventID, categoryID int64, buyerID string) (int64, error)
}

type Broadcaster interface {
	Publish(ctx context.Context, ev lockstore.LockEvent) error
}

type Config struct {
	Poll  time.Duration
	Batch int
	Clock clock.Clock
}

// Worker consumes due release tasks and undoes the holds they point at.
// Every step is idempotent: a task firing after its lock was already
// released (manually, or by finalize) finds nothing to delete and moves on.
type Worker struct {
	tasks  TaskSource
	locks  LockReleaser
	bc     Broadcaster
	logger *slog.Logger
	cfg    Config
}

// New wires the worker with its collaborators. The broadcaster is an
// explicit dependency so the worker can be exercised in isolation.
func New(
	tasks TaskSource,
	locks LockReleaser,
	bc Broadcaster,
	logger *slog.Logger,
	cfg Config,
) *Worker {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}

	return &Worker{
		tasks:  tasks,
		locks:  locks,
		bc:     bc,
		logger: logger,
		cfg:    cfg,
	}
}

// Run polls for due tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			released, err := w.ProcessDue(ctx, w.cfg.Clock.Now())
			if err != nil {
				w.logger.Error("release worker pass failed", "error", err)
				continue
			}
			if released > 0 {
				w.logger.Info("released expired holds", "count", released)
			}
		}
	}
}

// ProcessDue claims one batch of due tasks and executes them. Returns the
// number of holds that were actually still present and got released.
func (w *Worker) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	tasks, err := w.tasks.PopDue(ctx, now, w.cfg.Batch)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, task := range tasks {
		if w.execute(ctx, task) {
			released++
		}
	}

	return released, nil
}

func (w *Worker) execute(ctx context.Context, task scheduler.ReleaseTask) bool {
	switch task.Kind {
	case domain.KindSeats:
		ok, err := w.locks.ReleaseSeat(ctx, task.EventID, task.UnitID, task.BuyerID)
		if err != nil {
			w.logger.Error("expire seat lock failed", "task_id", task.ID, "error", err)
			return false
		}
		if !ok {
			// Already released earlier; the cancel race lost, nothing to do.
			return false
		}

		_ = w.bc.Publish(ctx, lockstore.LockEvent{
			Type:    lockstore.TypeSeatsUnlocked,
			EventID: task.EventID,
			BuyerID: task.BuyerID,
			SeatIDs: []int64{task.UnitID},
		})

		return true

	case domain.KindCategories:
		qty, err := w.locks.ReleaseQuantity(ctx, task.EventID, task.UnitID, task.BuyerID)
		if err != nil {
			w.logger.Error("expire category hold failed", "task_id", task.ID, "error", err)
			return false
		}
		if qty <= 0 {
			return false
		}

		_ = w.bc.Publish(ctx, lockstore.LockEvent{
			Type:    lockstore.TypeCategoriesUnlocked,
			EventID: task.EventID,
			BuyerID: task.BuyerID,
			Categories: []lockstore.CategoryQty{
				{CategoryID: task.UnitID, Quantity: qty},
			},
		})

		return true

	default:
		w.logger.Warn("release task with unknown kind dropped",
			"task_id", task.ID, "kind", task.Kind)
		return false
	}
}

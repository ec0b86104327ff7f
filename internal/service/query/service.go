package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/repository"
	redisrepo "github.com/oleksiv/seatlock/internal/repository/redis"
)

var ErrEventNotFound = errors.New("event not found")

type Ledger interface {
	EventByID(ctx context.Context, eventID int64) (*domain.Event, error)
	CategoriesByEvent(ctx context.Context, eventID int64) ([]domain.TicketCategory, error)
}

type LockStore interface {
	SeatHolders(ctx context.Context, eventID int64) (map[int64]string, error)
	CategoryHolders(ctx context.Context, eventID int64) (map[int64]map[string]int64, error)
	HeldQuantity(ctx context.Context, eventID, categoryID int64) (int64, error)
}

type Config struct {
	AvailabilityTTL time.Duration
}

// Service answers observability reads: the holder map clients seed their UI
// from, and the availability snapshot.
type Service struct {
	ledger Ledger
	locks  LockStore
	cache  *redisrepo.Cache
	cfg    Config
}

func New(ledger Ledger, locks LockStore, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 3 * time.Second
	}

	return &Service{
		ledger: ledger,
		locks:  locks,
		cache:  cache,
		cfg:    cfg,
	}
}

// LockedUnits returns the current holder map for an event. Clients call
// this on load and after any missed live update; it is the recovery path
// for the best-effort broadcast channel.
func (s *Service) LockedUnits(ctx context.Context, eventID int64) (*domain.LockState, error) {
	const op = "service.query.LockedUnits"

	if _, err := s.ledger.EventByID(ctx, eventID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrEventNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	seats, err := s.locks.SeatHolders(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	categories, err := s.locks.CategoryHolders(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &domain.LockState{
		EventID:    eventID,
		Seats:      seats,
		Categories: categories,
	}, nil
}

// Availability returns per-category total/sold/held/available. Held comes
// from the lock store, so the snapshot is cached only briefly.
func (s *Service) Availability(ctx context.Context, eventID int64) ([]domain.CategoryAvailability, error) {
	const op = "service.query.Availability"

	load := func(ctx context.Context) ([]domain.CategoryAvailability, error) {
		cats, err := s.ledger.CategoriesByEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}

		out := make([]domain.CategoryAvailability, 0, len(cats))
		for _, cat := range cats {
			held, err := s.locks.HeldQuantity(ctx, eventID, cat.ID)
			if err != nil {
				return nil, err
			}

			available := cat.Total - cat.Sold - held
			if available < 0 {
				available = 0
			}

			out = append(out, domain.CategoryAvailability{
				CategoryID: cat.ID,
				Name:       cat.Name,
				Total:      cat.Total,
				Sold:       cat.Sold,
				Held:       held,
				Available:  available,
			})
		}

		return out, nil
	}

	if s.cache == nil {
		return load(ctx)
	}

	out, err := redisrepo.GetOrSetJSON(
		ctx, s.cache, redisrepo.KeyEventAvailability(eventID), s.cfg.AvailabilityTTL, load,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

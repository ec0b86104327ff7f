package service

import (
	"log/slog"

	"github.com/oleksiv/seatlock/internal/lockstore"
	"github.com/oleksiv/seatlock/internal/notifier"
	postgresrepo "github.com/oleksiv/seatlock/internal/repository/postgres"
	redisrepo "github.com/oleksiv/seatlock/internal/repository/redis"
	"github.com/oleksiv/seatlock/internal/scheduler"
	"github.com/oleksiv/seatlock/internal/service/booking"
	"github.com/oleksiv/seatlock/internal/service/query"
	"github.com/oleksiv/seatlock/internal/service/reservation"
)

type Services struct {
	Reservation *reservation.Service
	Booking     *booking.Service
	Query       *query.Service
}

type Config struct {
	Reservation reservation.Config
	Query       query.Config
}

func NewServices(
	store *postgresrepo.Store,
	locks *lockstore.Store,
	tasks *scheduler.Queue,
	pubsub *lockstore.PubSub,
	cache *redisrepo.Cache,
	limiter *redisrepo.SlidingWindowLimiter,
	notify notifier.Notifier,
	logger *slog.Logger,
	cfg Config,
) *Services {
	return &Services{
		Reservation: reservation.New(store, locks, tasks, pubsub, limiter, logger, cfg.Reservation),
		Booking:     booking.New(store, locks, tasks, pubsub, cache, notify, logger),
		Query:       query.New(store, locks, cache, cfg.Query),
	}
}

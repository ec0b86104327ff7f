package postgresrepo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/repository"
)

// LedgerRepo reads the authoritative inventory: events, seats and category
// totals. Nothing transient lives here; "sold" answered by this repo is the
// only durable truth.
type LedgerRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *LedgerRepo) With(db DB) *LedgerRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *LedgerRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *LedgerRepo) EventByID(ctx context.Context, eventID int64) (*domain.Event, error) {
	const op = "postgresrepo.LedgerRepo.EventByID"

	db := r.handle()

	var e domain.Event
	err := db.QueryRow(ctx,
		`SELECT id, organizer_id, title, starts_at, ends_at
		 FROM events WHERE id = $1`,
		eventID,
	).Scan(&e.ID, &e.OrganizerID, &e.Title, &e.Starts, &e.Ends)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &e, nil
}

// SeatsByIDs returns the requested seats of an event, including price and
// the permanent booked flag. Missing ids are simply absent from the result.
func (r *LedgerRepo) SeatsByIDs(
	ctx context.Context,
	eventID int64,
	seatIDs []int64,
) ([]domain.Seat, error) {
	const op = "postgresrepo.LedgerRepo.SeatsByIDs"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT id, event_id, zone, row_label, seat_number, price_cents, booked
		 FROM seats
		 WHERE event_id = $1 AND id = ANY($2)`,
		eventID, seatIDs,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var seats []domain.Seat
	for rows.Next() {
		var s domain.Seat
		if err := rows.Scan(
			&s.ID, &s.EventID, &s.Zone, &s.Row, &s.Number, &s.PriceCents, &s.Booked,
		); err != nil {
			return nil, wrapDBErr(op, err)
		}
		seats = append(seats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return seats, nil
}

// BookedSeatIDs returns the subset of seatIDs already permanently booked.
func (r *LedgerRepo) BookedSeatIDs(
	ctx context.Context,
	eventID int64,
	seatIDs []int64,
) ([]int64, error) {
	const op = "postgresrepo.LedgerRepo.BookedSeatIDs"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT id FROM seats
		 WHERE event_id = $1 AND id = ANY($2) AND booked`,
		eventID, seatIDs,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var booked []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBErr(op, err)
		}
		booked = append(booked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return booked, nil
}

func (r *LedgerRepo) CategoriesByEvent(
	ctx context.Context,
	eventID int64,
) ([]domain.TicketCategory, error) {
	const op = "postgresrepo.LedgerRepo.CategoriesByEvent"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT id, event_id, name, price_cents, total_qty, sold_qty
		 FROM ticket_categories
		 WHERE event_id = $1
		 ORDER BY id`,
		eventID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var cats []domain.TicketCategory
	for rows.Next() {
		var c domain.TicketCategory
		if err := rows.Scan(
			&c.ID, &c.EventID, &c.Name, &c.PriceCents, &c.Total, &c.Sold,
		); err != nil {
			return nil, wrapDBErr(op, err)
		}
		cats = append(cats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return cats, nil
}

func (r *LedgerRepo) CategoryByID(
	ctx context.Context,
	eventID, categoryID int64,
) (*domain.TicketCategory, error) {
	const op = "postgresrepo.LedgerRepo.CategoryByID"

	db := r.handle()

	var c domain.TicketCategory
	err := db.QueryRow(ctx,
		`SELECT id, event_id, name, price_cents, total_qty, sold_qty
		 FROM ticket_categories
		 WHERE event_id = $1 AND id = $2`,
		eventID, categoryID,
	).Scan(&c.ID, &c.EventID, &c.Name, &c.PriceCents, &c.Total, &c.Sold)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &c, nil
}

// MarkSeatsBooked flips the booked flag for the given seats; a seat already
// booked is not counted, so callers compare the returned count against
// len(seatIDs) and treat a shortfall as ErrSeatsBooked.
func (r *LedgerRepo) MarkSeatsBooked(
	ctx context.Context,
	eventID int64,
	seatIDs []int64,
) (int64, error) {
	const op = "postgresrepo.LedgerRepo.MarkSeatsBooked"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE seats SET booked = TRUE
		 WHERE event_id = $1 AND id = ANY($2) AND NOT booked`,
		eventID, seatIDs,
	)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	if int(tag.RowsAffected()) != len(seatIDs) {
		return tag.RowsAffected(), wrapDBErr(op, repository.ErrSeatsBooked)
	}

	return tag.RowsAffected(), nil
}

// UnmarkSeatsBooked clears the booked flag (refund reversal).
func (r *LedgerRepo) UnmarkSeatsBooked(
	ctx context.Context,
	eventID int64,
	seatIDs []int64,
) error {
	const op = "postgresrepo.LedgerRepo.UnmarkSeatsBooked"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`UPDATE seats SET booked = FALSE
		 WHERE event_id = $1 AND id = ANY($2)`,
		eventID, seatIDs,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

// IncrementSold raises a category's durable sold count. The WHERE clause
// refuses to push sold past total, so a shortfall surfaces as
// ErrCapacityExceeded instead of silently overselling.
func (r *LedgerRepo) IncrementSold(
	ctx context.Context,
	eventID, categoryID, qty int64,
) error {
	const op = "postgresrepo.LedgerRepo.IncrementSold"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE ticket_categories
		 SET sold_qty = sold_qty + $3
		 WHERE event_id = $1 AND id = $2 AND sold_qty + $3 <= total_qty`,
		eventID, categoryID, qty,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrCapacityExceeded)
	}

	return nil
}

// DecrementSold lowers the sold count on cancellation, floored at zero.
func (r *LedgerRepo) DecrementSold(
	ctx context.Context,
	eventID, categoryID, qty int64,
) error {
	const op = "postgresrepo.LedgerRepo.DecrementSold"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`UPDATE ticket_categories
		 SET sold_qty = GREATEST(sold_qty - $3, 0)
		 WHERE event_id = $1 AND id = $2`,
		eventID, categoryID, qty,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

// AdjustAggregates moves the event booking counter and the organiser's
// sold/revenue totals by the given deltas (negative on cancellation).
func (r *LedgerRepo) AdjustAggregates(
	ctx context.Context,
	eventID int64,
	unitsDelta, revenueCentsDelta int64,
) error {
	const op = "postgresrepo.LedgerRepo.AdjustAggregates"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`UPDATE events SET bookings_count = bookings_count + $2 WHERE id = $1`,
		eventID, unitsDelta,
	); err != nil {
		return wrapDBErr(op, err)
	}

	if _, err := db.Exec(ctx,
		`UPDATE organizers o
		 SET total_sold = o.total_sold + $2,
		     revenue_cents = o.revenue_cents + $3
		 FROM events e
		 WHERE e.id = $1 AND o.id = e.organizer_id`,
		eventID, unitsDelta, revenueCentsDelta,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

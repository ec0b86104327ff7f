package postgresrepo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/repository"
)

// BookingRepo persists confirmed sale records. A booking row only ever
// exists for a paid sale; holds have no durable representation.
type BookingRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *BookingRepo) With(db DB) *BookingRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *BookingRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *BookingRepo) Insert(ctx context.Context, b *domain.Booking) error {
	const op = "postgresrepo.BookingRepo.Insert"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`INSERT INTO bookings(id, event_id, buyer_id, kind, base_cents, fee_cents, total_cents, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.EventID, b.BuyerID, b.Kind, b.BaseCents, b.FeeCents, b.TotalCents, b.Status,
	); err != nil {
		return wrapDBErr(op, err)
	}

	switch b.Kind {
	case domain.KindSeats:
		batch := &pgx.Batch{}
		for _, seatID := range b.SeatIDs {
			batch.Queue(
				`INSERT INTO booking_seats(booking_id, seat_id) VALUES ($1, $2)`,
				b.ID, seatID,
			)
		}
		if err := db.SendBatch(ctx, batch).Close(); err != nil {
			return wrapDBErr(op, err)
		}
	case domain.KindCategories:
		batch := &pgx.Batch{}
		for _, sel := range b.Categories {
			batch.Queue(
				`INSERT INTO booking_categories(booking_id, category_id, quantity)
				 VALUES ($1, $2, $3)`,
				b.ID, sel.CategoryID, sel.Quantity,
			)
		}
		if err := db.SendBatch(ctx, batch).Close(); err != nil {
			return wrapDBErr(op, err)
		}
	}

	return nil
}

func (r *BookingRepo) ByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	const op = "postgresrepo.BookingRepo.ByID"

	db := r.handle()

	var b domain.Booking
	err := db.QueryRow(ctx,
		`SELECT id, event_id, buyer_id, kind, base_cents, fee_cents, total_cents, status, created_at
		 FROM bookings WHERE id = $1`,
		id,
	).Scan(
		&b.ID, &b.EventID, &b.BuyerID, &b.Kind,
		&b.BaseCents, &b.FeeCents, &b.TotalCents, &b.Status, &b.CreatedAt,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	seatRows, err := db.Query(ctx,
		`SELECT seat_id FROM booking_seats WHERE booking_id = $1`, id)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}
	defer seatRows.Close()

	for seatRows.Next() {
		var sid int64
		if err := seatRows.Scan(&sid); err != nil {
			return nil, wrapDBErr(op, err)
		}
		b.SeatIDs = append(b.SeatIDs, sid)
	}
	if err := seatRows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	catRows, err := db.Query(ctx,
		`SELECT category_id, quantity FROM booking_categories WHERE booking_id = $1`, id)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}
	defer catRows.Close()

	for catRows.Next() {
		var sel domain.CategorySelection
		if err := catRows.Scan(&sel.CategoryID, &sel.Quantity); err != nil {
			return nil, wrapDBErr(op, err)
		}
		b.Categories = append(b.Categories, sel)
	}
	if err := catRows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &b, nil
}

// BeginCancellation moves a booking from confirmed to cancellation_pending
// exactly once. The status predicate makes the transition idempotent: a
// second call affects zero rows and reports ErrAlreadyCancelling.
func (r *BookingRepo) BeginCancellation(ctx context.Context, id uuid.UUID) error {
	const op = "postgresrepo.BookingRepo.BeginCancellation"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE bookings SET status = $2
		 WHERE id = $1 AND status = $3`,
		id, domain.BookingCancellationPending, domain.BookingConfirmed,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return wrapDBErr(op, err)
		}
		if !exists {
			return wrapDBErr(op, repository.ErrNotFound)
		}
		return wrapDBErr(op, repository.ErrAlreadyCancelling)
	}

	return nil
}

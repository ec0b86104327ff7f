package httpgin

import (
	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/service/reservation"
)

type CategorySelectionInput struct {
	CategoryID int64 `json:"category_id" binding:"required"`
	Quantity   int64 `json:"quantity" binding:"required,gt=0"`
}

type LockItemsRequest struct {
	BuyerID    string                   `json:"buyer_id" binding:"required"`
	Kind       string                   `json:"kind" binding:"required,oneof=seats categories"`
	SeatIDs    []int64                  `json:"seat_ids" binding:"omitempty,min=1,dive,required"`
	Categories []CategorySelectionInput `json:"categories" binding:"omitempty,min=1,dive"`
}

type LockItemsResponse struct {
	EventID    int64                      `json:"event_id"`
	BuyerID    string                     `json:"buyer_id"`
	Kind       string                     `json:"kind"`
	SeatIDs    []int64                    `json:"seat_ids,omitempty"`
	Categories []domain.CategorySelection `json:"categories,omitempty"`
	ExpiresIn  int64                      `json:"expires_in_sec"`
}

type UnlockItemsRequest struct {
	BuyerID string `json:"buyer_id" binding:"required"`
	Kind    string `json:"kind" binding:"required,oneof=seats categories"`
}

type UnlockItemsResponse struct {
	EventID    int64                      `json:"event_id"`
	SeatIDs    []int64                    `json:"seat_ids,omitempty"`
	Categories []domain.CategorySelection `json:"categories,omitempty"`
}

type BookingSummaryRequest struct {
	EventID    int64                    `json:"event_id" binding:"required"`
	Kind       string                   `json:"kind" binding:"required,oneof=seats categories"`
	SeatIDs    []int64                  `json:"seat_ids" binding:"omitempty,min=1,dive,required"`
	Categories []CategorySelectionInput `json:"categories" binding:"omitempty,min=1,dive"`
}

type PaymentWebhookRequest struct {
	EventID     int64                    `json:"event_id" binding:"required"`
	BuyerID     string                   `json:"buyer_id" binding:"required"`
	Kind        string                   `json:"kind" binding:"required,oneof=seats categories"`
	SeatIDs     []int64                  `json:"seat_ids" binding:"omitempty,min=1,dive,required"`
	Categories  []CategorySelectionInput `json:"categories" binding:"omitempty,min=1,dive"`
	AmountCents int64                    `json:"amount_cents" binding:"required,gt=0"`
	PaymentRef  string                   `json:"payment_ref" binding:"required"`
}

type PaymentWebhookResponse struct {
	BookingID  string `json:"booking_id"`
	TotalCents int64  `json:"total_cents"`
}

type CancelBookingResponse struct {
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	// Conflict details so the caller can adjust selection.
	SeatIDs   []int64                        `json:"seat_ids,omitempty"`
	Shortages []reservation.CategoryShortage `json:"shortages,omitempty"`
}

func toSelections(in []CategorySelectionInput) []domain.CategorySelection {
	out := make([]domain.CategorySelection, 0, len(in))
	for _, sel := range in {
		out = append(out, domain.CategorySelection{
			CategoryID: sel.CategoryID,
			Quantity:   sel.Quantity,
		})
	}
	return out
}

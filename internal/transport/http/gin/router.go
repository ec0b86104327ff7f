package httpgin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/oleksiv/seatlock/internal/domain"
	"github.com/oleksiv/seatlock/internal/lockstore"
	redisrepo "github.com/oleksiv/seatlock/internal/repository/redis"
	"github.com/oleksiv/seatlock/internal/service"
	"github.com/oleksiv/seatlock/internal/service/booking"
	"github.com/oleksiv/seatlock/internal/service/query"
	"github.com/oleksiv/seatlock/internal/service/reservation"
)

func NewRouter(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	pubsub *lockstore.PubSub,
	logger *slog.Logger,
	corsOrigins []string,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), CORS(corsOrigins))
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/events/:id/locks", handleLockItems(svcs, idem))
	r.POST("/events/:id/unlock", handleUnlockItems(svcs, logger))
	r.GET("/events/:id/locks", handleGetLocks(svcs))
	r.GET("/events/:id/locks/stream", handleLockStream(pubsub))
	r.GET("/events/:id/availability", handleGetAvailability(svcs))

	r.POST("/bookings/summary", handleBookingSummary(svcs))
	r.POST("/bookings/:id/cancel", handleCancelBooking(svcs))

	// The payment collaborator verifies the gateway signature before
	// forwarding; this endpoint trusts the confirmation it receives.
	r.POST("/payments/webhook", handlePaymentWebhook(svcs))

	return r
}

// @Summary  Lock seats or category quantities (idempotent)
// @Param    id  path  int  true  "Event ID"
// @Param    req body  LockItemsRequest true "payload"
// @Success  200 {object} LockItemsResponse
// @Failure  409 {object} ErrorResponse "units unavailable"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /events/{id}/locks [post]
func handleLockItems(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req LockItemsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		kind := domain.InventoryKind(req.Kind)
		if !kind.Valid() {
			badRequest(c, "kind must be seats or categories")
			return
		}
		if kind == domain.KindSeats && len(req.SeatIDs) == 0 {
			badRequest(c, "seat_ids required for kind seats")
			return
		}
		if kind == domain.KindCategories && len(req.Categories) == 0 {
			badRequest(c, "categories required for kind categories")
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemLock(eventID, idemKey)

			if payload, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
				c.Header("Idempotency-Key", idemKey)
				c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(payload))
				return
			}

			locked, err := idem.AcquireLock(c.Request.Context(), idemStorageKey, 60*time.Second)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if payload, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
					c.Header("Idempotency-Key", idemKey)
					c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(payload))
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		rlKey := "ip:" + c.ClientIP()

		var err error
		switch kind {
		case domain.KindSeats:
			err = svcs.Reservation.LockSeats(
				c.Request.Context(), eventID, req.BuyerID, req.SeatIDs, rlKey,
			)
		case domain.KindCategories:
			err = svcs.Reservation.LockCategories(
				c.Request.Context(), eventID, req.BuyerID, toSelections(req.Categories), rlKey,
			)
		}
		if err != nil {
			if idemStorageKey != "" && idem != nil {
				_ = idem.Release(c.Request.Context(), idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		resp := LockItemsResponse{
			EventID:    eventID,
			BuyerID:    req.BuyerID,
			Kind:       req.Kind,
			SeatIDs:    req.SeatIDs,
			Categories: toSelections(req.Categories),
			ExpiresIn:  int64(svcs.Reservation.HoldTTL().Seconds()),
		}

		if idemStorageKey != "" && idem != nil {
			b, _ := json.Marshal(resp)
			_ = idem.SaveResult(c.Request.Context(), idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusOK, resp)
	}
}

// @Summary  Unlock everything the buyer holds for the event
// @Param    id  path  int  true  "Event ID"
// @Param    req body  UnlockItemsRequest true "payload"
// @Success  200 {object} UnlockItemsResponse
// @Router   /events/{id}/unlock [post]
func handleUnlockItems(svcs *service.Services, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req UnlockItemsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if !domain.InventoryKind(req.Kind).Valid() {
			badRequest(c, "kind must be seats or categories")
			return
		}

		released, err := svcs.Reservation.Unlock(
			c.Request.Context(), eventID, req.BuyerID, domain.InventoryKind(req.Kind),
		)
		if err != nil {
			// Unload beacons cannot retry; report success and let TTL or the
			// release worker finish whatever this call could not reach.
			logger.Error("unlock failed", "event_id", eventID,
				"buyer_id", req.BuyerID, "error", err)
		}

		c.JSON(http.StatusOK, UnlockItemsResponse{
			EventID:    eventID,
			SeatIDs:    released.SeatIDs,
			Categories: released.Categories,
		})
	}
}

// @Summary  Current holder map for an event
// @Param    id  path  int  true  "Event ID"
// @Success  200 {object} domain.LockState
// @Router   /events/{id}/locks [get]
func handleGetLocks(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		state, err := svcs.Query.LockedUnits(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

// @Summary  Live lock updates for an event, as server-sent events
// @Param    id  path  int  true  "Event ID"
// @Produce  text/event-stream
// @Router   /events/{id}/locks/stream [get]
func handleLockStream(pubsub *lockstore.PubSub) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Flush()

		err := pubsub.Subscribe(c.Request.Context(), eventID,
			func(_ context.Context, ev lockstore.LockEvent) {
				b, err := json.Marshal(ev)
				if err != nil {
					return
				}
				fmt.Fprintf(c.Writer, "data: %s\n\n", b)
				c.Writer.Flush()
			})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.Status(http.StatusInternalServerError)
		}
	}
}

// @Summary  Category availability snapshot
// @Param    id  path  int  true  "Event ID"
// @Success  200 {array} domain.CategoryAvailability
// @Router   /events/{id}/availability [get]
func handleGetAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		avail, err := svcs.Query.Availability(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeJSONWithCache(c, http.StatusOK, avail, "public, max-age=3", true)
	}
}

// @Summary  Priced breakdown for a selection, no locking side effect
// @Param    req body  BookingSummaryRequest true "payload"
// @Success  200 {object} booking.Summary
// @Router   /bookings/summary [post]
func handleBookingSummary(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BookingSummaryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		summary, err := svcs.Booking.Summarize(
			c.Request.Context(),
			req.EventID,
			domain.InventoryKind(req.Kind),
			req.SeatIDs,
			toSelections(req.Categories),
		)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// @Summary  Verified payment confirmation, finalizes the booking
// @Param    req body  PaymentWebhookRequest true "payload"
// @Success  200 {object} PaymentWebhookResponse
// @Failure  409 {object} ErrorResponse "no matching hold / amount mismatch"
// @Router   /payments/webhook [post]
func handlePaymentWebhook(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PaymentWebhookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		b, err := svcs.Booking.Finalize(c.Request.Context(), domain.PaymentConfirmation{
			EventID:     req.EventID,
			BuyerID:     req.BuyerID,
			Kind:        domain.InventoryKind(req.Kind),
			SeatIDs:     req.SeatIDs,
			Categories:  toSelections(req.Categories),
			AmountCents: req.AmountCents,
			PaymentRef:  req.PaymentRef,
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, PaymentWebhookResponse{
			BookingID:  b.ID.String(),
			TotalCents: b.TotalCents,
		})
	}
}

// @Summary  Cancel a confirmed booking (refund reversal)
// @Param    id  path  string  true  "Booking ID (uuid)"
// @Success  200 {object} CancelBookingResponse
// @Failure  409 {object} ErrorResponse "already pending cancellation"
// @Router   /bookings/{id}/cancel [post]
func handleCancelBooking(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		bookingID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			badRequest(c, "invalid booking id")
			return
		}

		b, err := svcs.Booking.Cancel(c.Request.Context(), bookingID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, CancelBookingResponse{
			BookingID: b.ID.String(),
			Status:    string(b.Status),
		})
	}
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var seatsUnavailable *reservation.SeatsUnavailableError
	if errors.As(err, &seatsUnavailable) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "seats unavailable",
			SeatIDs: seatsUnavailable.SeatIDs,
		})
		return
	}

	var seatsBooked *reservation.SeatsBookedError
	if errors.As(err, &seatsBooked) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "seats already booked",
			SeatIDs: seatsBooked.SeatIDs,
		})
		return
	}

	var insufficient *reservation.InsufficientAvailabilityError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     "insufficient availability",
			Shortages: insufficient.Shortages,
		})
		return
	}

	var catNotFound *reservation.CategoryNotFoundError
	if errors.As(err, &catNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: catNotFound.Error()})
		return
	}

	var seatsNotFound *booking.SeatsNotFoundError
	if errors.As(err, &seatsNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "seats not found",
			SeatIDs: seatsNotFound.SeatIDs,
		})
		return
	}

	switch {
	case errors.Is(err, reservation.ErrRateLimited):
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
	case errors.Is(err, reservation.ErrNoUnitsSelected):
		badRequest(c, "no units selected")
	case errors.Is(err, reservation.ErrEventNotFound),
		errors.Is(err, query.ErrEventNotFound),
		errors.Is(err, booking.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
	case errors.Is(err, booking.ErrNoActiveHold):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "no active hold for buyer"})
	case errors.Is(err, booking.ErrAmountMismatch):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "amount mismatch"})
	case errors.Is(err, booking.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "booking not found"})
	case errors.Is(err, booking.ErrAlreadyCancelled):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "booking already pending cancellation"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// InventoryKind distinguishes discretely seated events from events that sell
// fungible ticket categories.
type InventoryKind string

const (
	KindSeats      InventoryKind = "seats"
	KindCategories InventoryKind = "categories"
)

func (k InventoryKind) Valid() bool {
	return k == KindSeats || k == KindCategories
}

type BookingStatus string

const (
	BookingConfirmed           BookingStatus = "confirmed"
	BookingCancellationPending BookingStatus = "cancellation_pending"
)

type Event struct {
	ID          int64
	OrganizerID int64
	Title       string
	Starts      time.Time
	Ends        time.Time
}

type Seat struct {
	ID         int64
	EventID    int64
	Zone       string
	Row        string
	Number     int
	PriceCents int64
	Booked     bool
}

type TicketCategory struct {
	ID         int64
	EventID    int64
	Name       string
	PriceCents int64
	Total      int64
	Sold       int64
}

// CategorySelection is one {category, quantity} pair of a buyer's request.
type CategorySelection struct {
	CategoryID int64 `json:"category_id"`
	Quantity   int64 `json:"quantity"`
}

// CategoryAvailability is the availability snapshot for one category.
// Held comes from the lock store and is transient; the rest is ledger truth.
type CategoryAvailability struct {
	CategoryID int64  `json:"category_id"`
	Name       string `json:"name"`
	Total      int64  `json:"total"`
	Sold       int64  `json:"sold"`
	Held       int64  `json:"held"`
	Available  int64  `json:"available"`
}

// LockState is the holder map for one event, used to seed UI state.
type LockState struct {
	EventID int64 `json:"event_id"`
	// Seats maps seat id to the buyer currently holding it.
	Seats map[int64]string `json:"seats"`
	// Categories maps category id to per-buyer held quantities.
	Categories map[int64]map[string]int64 `json:"categories"`
}

type Booking struct {
	ID         uuid.UUID
	EventID    int64
	BuyerID    string
	Kind       InventoryKind
	BaseCents  int64
	FeeCents   int64
	TotalCents int64
	Status     BookingStatus
	SeatIDs    []int64
	Categories []CategorySelection
	CreatedAt  time.Time
}

// PaymentConfirmation is the verified signal from the external payment
// collaborator. Signature verification happens upstream.
type PaymentConfirmation struct {
	EventID     int64
	BuyerID     string
	Kind        InventoryKind
	SeatIDs     []int64
	Categories  []CategorySelection
	AmountCents int64
	PaymentRef  string
}

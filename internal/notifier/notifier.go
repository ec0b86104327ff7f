package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oleksiv/seatlock/internal/domain"
)

const routingKeyBookingConfirmed = "booking.confirmed"

// BookingConfirmation is the message handed to the downstream delivery
// pipeline (email/ticket rendering live outside this service).
type BookingConfirmation struct {
	BookingID  string                     `json:"booking_id"`
	EventID    int64                      `json:"event_id"`
	BuyerID    string                     `json:"buyer_id"`
	Kind       domain.InventoryKind       `json:"kind"`
	SeatIDs    []int64                    `json:"seat_ids,omitempty"`
	Categories []domain.CategorySelection `json:"categories,omitempty"`
	TotalCents int64                      `json:"total_cents"`
	PaymentRef string                     `json:"payment_ref"`
}

// Notifier publishes booking confirmations. Delivery is fire-and-forget:
// a failed publish never fails the booking.
type Notifier interface {
	BookingConfirmed(ctx context.Context, msg BookingConfirmation) error
}

// AMQP publishes confirmations to a topic exchange.
type AMQP struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQP{conn: conn, ch: ch, exchange: exchange}, nil
}

func (n *AMQP) BookingConfirmed(ctx context.Context, msg BookingConfirmation) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return n.ch.PublishWithContext(ctx, n.exchange, routingKeyBookingConfirmed, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        b,
	})
}

func (n *AMQP) Close() error {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// Nop drops confirmations; used when AMQP_URL is not configured.
type Nop struct{}

func (Nop) BookingConfirmed(context.Context, BookingConfirmation) error { return nil }

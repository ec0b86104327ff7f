package lockstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Live update message types. One channel per event acts as the room.
const (
	TypeSeatsLocked        = "seats-locked"
	TypeSeatsUnlocked      = "seats-unlocked"
	TypeSeatsSold          = "seats-sold"
	TypeCategoriesLocked   = "categories-locked"
	TypeCategoriesUnlocked = "categories-unlocked"
	TypeCategoriesSold     = "categories-sold"
)

type CategoryQty struct {
	CategoryID int64 `json:"category_id"`
	Quantity   int64 `json:"quantity"`
}

// LockEvent is the broadcast payload. Best effort: consumers that miss a
// message recover by re-fetching the holder map.
type LockEvent struct {
	Type       string        `json:"type"`
	EventID    int64         `json:"event_id"`
	BuyerID    string        `json:"buyer_id,omitempty"`
	SeatIDs    []int64       `json:"seat_ids,omitempty"`
	Categories []CategoryQty `json:"categories,omitempty"`
	TsUnix     int64         `json:"ts_unix"`
}

type PubSub struct {
	rdb *redis.Client
}

func NewPubSub(rdb *redis.Client) *PubSub {
	return &PubSub{rdb: rdb}
}

func (p *PubSub) Publish(ctx context.Context, ev LockEvent) error {
	if ev.TsUnix == 0 {
		ev.TsUnix = time.Now().Unix()
	}

	b, _ := json.Marshal(ev)

	return p.rdb.Publish(ctx, ChannelEventLocks(ev.EventID), b).Err()
}

// Subscribe delivers lock events for one event room until ctx is done.
func (p *PubSub) Subscribe(
	ctx context.Context,
	eventID int64,
	handler func(ctx context.Context, ev LockEvent),
) error {
	sub := p.rdb.Subscribe(ctx, ChannelEventLocks(eventID))
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev LockEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil &&
				ev.EventID != 0 {
				handler(ctx, ev)
			}
		}
	}
}

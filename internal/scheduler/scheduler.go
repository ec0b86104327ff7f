package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oleksiv/seatlock/internal/domain"
)

const (
	keyDue     = "seatlock:v1:tasks:due"
	keyPayload = "seatlock:v1:tasks:payload"
)

// Lua: atomically pop due tasks with their payloads.
// KEYS[1] = due zset, KEYS[2] = payload hash.
// ARGV[1] = now (unix ms), ARGV[2] = batch limit.
const luaPopDue = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #ids == 0 then return {} end
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local p = redis.call('HGET', KEYS[2], id)
  redis.call('HDEL', KEYS[2], id)
  if p then
    out[#out+1] = p
  end
end
return out
`

// ReleaseTask undoes one hold after its TTL elapses unless cancelled first.
type ReleaseTask struct {
	ID       string               `json:"id"`
	Kind     domain.InventoryKind `json:"kind"`
	EventID  int64                `json:"event_id"`
	UnitID   int64                `json:"unit_id"`
	BuyerID  string               `json:"buyer_id"`
	Quantity int64                `json:"quantity,omitempty"`
}

// TaskID is derived purely from the lock identity so that a task can be
// cancelled without any lookup table, and a task firing after an early
// release targets exactly the lock that no longer exists.
func TaskID(kind domain.InventoryKind, eventID, unitID int64, buyerID string) string {
	unit := "seat"
	if kind == domain.KindCategories {
		unit = "cat"
	}
	return fmt.Sprintf("%s:%d:%s:%d:%s", kind, eventID, unit, unitID, buyerID)
}

// NewSeatTask builds the release task for one seat claim.
func NewSeatTask(eventID, seatID int64, buyerID string) ReleaseTask {
	return ReleaseTask{
		ID:      TaskID(domain.KindSeats, eventID, seatID, buyerID),
		Kind:    domain.KindSeats,
		EventID: eventID,
		UnitID:  seatID,
		BuyerID: buyerID,
	}
}

// NewCategoryTask builds the release task for one category hold.
func NewCategoryTask(eventID, categoryID int64, buyerID string, qty int64) ReleaseTask {
	return ReleaseTask{
		ID:       TaskID(domain.KindCategories, eventID, categoryID, buyerID),
		Kind:     domain.KindCategories,
		EventID:  eventID,
		UnitID:   categoryID,
		BuyerID:  buyerID,
		Quantity: qty,
	}
}

// Queue is the delayed release-task queue, a redis sorted set scored by
// due time with payloads in a companion hash.
type Queue struct {
	rdb    *redis.Client
	popDue *redis.Script
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:    rdb,
		popDue: redis.NewScript(luaPopDue),
	}
}

// Schedule arms one release task with the given delay. Scheduling the same
// task id again moves its due time instead of duplicating it.
func (q *Queue) Schedule(ctx context.Context, task ReleaseTask, delay time.Duration) error {
	const op = "scheduler.Queue.Schedule"

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	due := float64(time.Now().Add(delay).UnixMilli())

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyDue, redis.Z{Score: due, Member: task.ID})
	pipe.HSet(ctx, keyPayload, task.ID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Cancel deletes a scheduled task without executing it. Returns false when
// the task was not there, which callers treat as already fired or already
// cancelled — non-fatal either way.
func (q *Queue) Cancel(ctx context.Context, taskID string) (bool, error) {
	const op = "scheduler.Queue.Cancel"

	pipe := q.rdb.TxPipeline()
	zrem := pipe.ZRem(ctx, keyDue, taskID)
	pipe.HDel(ctx, keyPayload, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	return zrem.Val() > 0, nil
}

// PopDue atomically claims up to limit due tasks. A popped task is gone;
// processing must be idempotent because a task can fire after the lock it
// targets was already released.
func (q *Queue) PopDue(ctx context.Context, now time.Time, limit int) ([]ReleaseTask, error) {
	const op = "scheduler.Queue.PopDue"

	res, err := q.popDue.Run(
		ctx,
		q.rdb,
		[]string{keyDue, keyPayload},
		now.UnixMilli(), limit,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	arr, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: bad script result: %v", op, res)
	}

	tasks := make([]ReleaseTask, 0, len(arr))
	for _, raw := range arr {
		s, ok := raw.(string)
		if !ok {
			continue
		}

		var task ReleaseTask
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

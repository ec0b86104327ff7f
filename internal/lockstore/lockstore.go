package lockstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua: delete a seat lock only when it is still held by the given buyer.
// KEYS[1] = seat lock key, ARGV[1] = buyer id.
const luaReleaseSeat = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`

// Lua: check-and-increment of a category held counter in one step.
// KEYS[1] = held counter, KEYS[2] = per-buyer entry.
// ARGV[1] = requested qty, ARGV[2] = capacity (total - sold), ARGV[3] = ttl ms.
// Returns {1, remaining} on success, {0, available} on refusal.
const luaReserveQuantity = `
local held = tonumber(redis.call('GET', KEYS[1]) or '0')
local qty = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if held + qty > cap then
  local avail = cap - held
  if avail < 0 then avail = 0 end
  return {0, avail}
end
redis.call('INCRBY', KEYS[1], qty)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('INCRBY', KEYS[2], qty)
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return {1, cap - held - qty}
`

// Lua: release whatever quantity the buyer entry records, decrementing the
// held counter with a floor at zero. Safe to call twice: the first call
// deletes the entry, the second finds nothing and returns 0.
// KEYS[1] = held counter, KEYS[2] = per-buyer entry.
const luaReleaseQuantity = `
local qty = tonumber(redis.call('GET', KEYS[2]) or '0')
if qty <= 0 then
  redis.call('DEL', KEYS[2])
  return 0
end
redis.call('DEL', KEYS[2])
local held = tonumber(redis.call('GET', KEYS[1]) or '0')
if qty > held then qty = held end
if qty > 0 then
  redis.call('DECRBY', KEYS[1], qty)
end
return qty
`

// Lua: compare-and-set of a held counter, preserving its TTL
// (reconciliation). Refuses when the counter no longer matches the observed
// value, so a reservation landing mid-sweep is never overwritten.
// KEYS[1] = held counter, ARGV[1] = corrected value, ARGV[2] = observed value.
// Returns -1 when the counter moved since it was observed.
const luaRewriteHeld = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current ~= tonumber(ARGV[2]) then
  return -1
end
local v = tonumber(ARGV[1])
if v <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
redis.call('SET', KEYS[1], v, 'KEEPTTL')
return v
`

// Lua: release part of a buyer's held quantity. Decrements the entry and the
// held counter by min(requested, entry), counter floored at zero.
// KEYS[1] = held counter, KEYS[2] = per-buyer entry. ARGV[1] = quantity.
// Returns {released, remaining entry}.
const luaReleaseQuantityBy = `
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
local qty = tonumber(ARGV[1])
if qty > cur then qty = cur end
if qty <= 0 then return {0, cur} end
if qty == cur then
  redis.call('DEL', KEYS[2])
else
  redis.call('DECRBY', KEYS[2], qty)
end
local held = tonumber(redis.call('GET', KEYS[1]) or '0')
local dec = qty
if dec > held then dec = held end
if dec > 0 then
  redis.call('DECRBY', KEYS[1], dec)
end
return {qty, cur - qty}
`

// Store is the lock-store access layer. All mutual exclusion the engine
// relies on lives in these atomic primitives; nothing here is durable.
type Store struct {
	rdb          *redis.Client
	releaseSeat  *redis.Script
	reserveQty   *redis.Script
	releaseQty   *redis.Script
	releaseQtyBy *redis.Script
	rewriteHeld  *redis.Script
}

func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:          rdb,
		releaseSeat:  redis.NewScript(luaReleaseSeat),
		reserveQty:   redis.NewScript(luaReserveQuantity),
		releaseQty:   redis.NewScript(luaReleaseQuantity),
		releaseQtyBy: redis.NewScript(luaReleaseQuantityBy),
		rewriteHeld:  redis.NewScript(luaRewriteHeld),
	}
}

// ClaimSeat attempts an exclusive TTL-bounded claim on one seat. Exactly one
// concurrent claimer wins; everyone else gets ok=false in the same call.
func (s *Store) ClaimSeat(
	ctx context.Context,
	eventID, seatID int64,
	buyerID string,
	ttl time.Duration,
) (bool, error) {
	const op = "lockstore.Store.ClaimSeat"

	ok, err := s.rdb.SetNX(ctx, keySeatLock(eventID, seatID), buyerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	return ok, nil
}

// ReleaseSeat removes the seat lock when it is still held by buyerID.
// Returns false when the lock is gone or held by someone else.
func (s *Store) ReleaseSeat(
	ctx context.Context,
	eventID, seatID int64,
	buyerID string,
) (bool, error) {
	const op = "lockstore.Store.ReleaseSeat"

	res, err := s.releaseSeat.Run(
		ctx,
		s.rdb,
		[]string{keySeatLock(eventID, seatID)},
		buyerID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	return res == 1, nil
}

// SeatHolder returns the buyer currently holding a seat, "" when unheld.
func (s *Store) SeatHolder(ctx context.Context, eventID, seatID int64) (string, error) {
	const op = "lockstore.Store.SeatHolder"

	v, err := s.rdb.Get(ctx, keySeatLock(eventID, seatID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	return v, nil
}

// SeatHolders scans all seat locks of an event and returns seat -> buyer.
func (s *Store) SeatHolders(ctx context.Context, eventID int64) (map[int64]string, error) {
	const op = "lockstore.Store.SeatHolders"

	keys, err := s.scan(ctx, patternEventSeatLocks(eventID))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	holders := make(map[int64]string, len(keys))
	if len(keys) == 0 {
		return holders, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	for i, key := range keys {
		seatID, ok := parseSeatKey(key)
		if !ok {
			continue
		}
		if holder, ok := vals[i].(string); ok && holder != "" {
			holders[seatID] = holder
		}
	}

	return holders, nil
}

// ReserveQuantity admits a quantity against a category's capacity and
// increments the held counter in one atomic step. capacity is total - sold
// as read from the ledger immediately before.
func (s *Store) ReserveQuantity(
	ctx context.Context,
	eventID, categoryID int64,
	buyerID string,
	qty, capacity int64,
	ttl time.Duration,
) (ok bool, available int64, err error) {
	const op = "lockstore.Store.ReserveQuantity"

	res, err := s.reserveQty.Run(
		ctx,
		s.rdb,
		[]string{
			keyCategoryHeld(eventID, categoryID),
			keyCategoryBuyer(eventID, categoryID, buyerID),
		},
		qty, capacity, ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%s:%w", op, err)
	}

	arr, okCast := res.([]any)
	if !okCast || len(arr) != 2 {
		return false, 0, fmt.Errorf("%s: bad script result: %v", op, res)
	}

	return toInt(arr[0]) == 1, toInt(arr[1]), nil
}

// ReleaseQuantity frees whatever quantity the buyer holds in the category.
// Idempotent; the second call releases 0.
func (s *Store) ReleaseQuantity(
	ctx context.Context,
	eventID, categoryID int64,
	buyerID string,
) (int64, error) {
	const op = "lockstore.Store.ReleaseQuantity"

	released, err := s.releaseQty.Run(
		ctx,
		s.rdb,
		[]string{
			keyCategoryHeld(eventID, categoryID),
			keyCategoryBuyer(eventID, categoryID, buyerID),
		},
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return released, nil
}

// ReleaseQuantityBy frees up to qty of the buyer's held quantity in the
// category, leaving any earlier hold in place. Returns what was released and
// what the buyer still holds.
func (s *Store) ReleaseQuantityBy(
	ctx context.Context,
	eventID, categoryID int64,
	buyerID string,
	qty int64,
) (released, remaining int64, err error) {
	const op = "lockstore.Store.ReleaseQuantityBy"

	res, err := s.releaseQtyBy.Run(
		ctx,
		s.rdb,
		[]string{
			keyCategoryHeld(eventID, categoryID),
			keyCategoryBuyer(eventID, categoryID, buyerID),
		},
		qty,
	).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("%s:%w", op, err)
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return 0, 0, fmt.Errorf("%s: bad script result: %v", op, res)
	}

	return toInt(arr[0]), toInt(arr[1]), nil
}

// HeldQuantity returns the current temporarily-held total for a category.
func (s *Store) HeldQuantity(ctx context.Context, eventID, categoryID int64) (int64, error) {
	const op = "lockstore.Store.HeldQuantity"

	v, err := s.rdb.Get(ctx, keyCategoryHeld(eventID, categoryID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return n, nil
}

// BuyerQuantity returns the quantity this buyer holds in the category.
func (s *Store) BuyerQuantity(
	ctx context.Context,
	eventID, categoryID int64,
	buyerID string,
) (int64, error) {
	const op = "lockstore.Store.BuyerQuantity"

	v, err := s.rdb.Get(ctx, keyCategoryBuyer(eventID, categoryID, buyerID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return n, nil
}

// CategoryHolders scans per-buyer entries for an event and returns
// category -> buyer -> quantity.
func (s *Store) CategoryHolders(
	ctx context.Context,
	eventID int64,
) (map[int64]map[string]int64, error) {
	const op = "lockstore.Store.CategoryHolders"

	keys, err := s.scan(ctx, patternEventCategoryBuyers(eventID))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	holders := make(map[int64]map[string]int64)
	if len(keys) == 0 {
		return holders, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	for i, key := range keys {
		categoryID, buyerID, ok := parseCategoryBuyerKey(key)
		if !ok {
			continue
		}

		raw, ok := vals[i].(string)
		if !ok {
			continue
		}

		qty, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || qty <= 0 {
			continue
		}

		if holders[categoryID] == nil {
			holders[categoryID] = make(map[string]int64)
		}
		holders[categoryID][buyerID] = qty
	}

	return holders, nil
}

// ReconcileHeldCounters recomputes every held counter from the surviving
// per-buyer entries and rewrites counters that drifted (e.g. after a crash
// between claim and release). Returns the number of corrected counters.
//
// Each counter is observed before its event's entries are scanned; every
// reserve or release moves the counter, so the compare-and-set rewrite
// refuses whenever one landed mid-sweep and the drift, if real, is settled
// on the next pass.
func (s *Store) ReconcileHeldCounters(ctx context.Context) (int, error) {
	const op = "lockstore.Store.ReconcileHeldCounters"

	counterKeys, err := s.scan(ctx, patternHeldCounters())
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	byEvent := make(map[int64][]int64)
	for _, key := range counterKeys {
		eventID, categoryID, ok := parseHeldKey(key)
		if !ok {
			continue
		}
		byEvent[eventID] = append(byEvent[eventID], categoryID)
	}

	fixed := 0
	for eventID, categoryIDs := range byEvent {
		observed := make(map[int64]int64, len(categoryIDs))
		for _, categoryID := range categoryIDs {
			current, err := s.HeldQuantity(ctx, eventID, categoryID)
			if err != nil {
				return fixed, fmt.Errorf("%s:%w", op, err)
			}
			observed[categoryID] = current
		}

		holders, err := s.CategoryHolders(ctx, eventID)
		if err != nil {
			return fixed, fmt.Errorf("%s:%w", op, err)
		}
		sums := heldSums(holders)

		for _, categoryID := range categoryIDs {
			current := observed[categoryID]
			sum := sums[categoryID]
			if current == sum {
				continue
			}

			res, err := s.rewriteHeld.Run(
				ctx,
				s.rdb,
				[]string{keyCategoryHeld(eventID, categoryID)},
				sum, current,
			).Int64()
			if err != nil {
				return fixed, fmt.Errorf("%s:%w", op, err)
			}
			if res < 0 {
				continue
			}
			fixed++
		}
	}

	return fixed, nil
}

// heldSums totals surviving per-buyer entries by category.
func heldSums(holders map[int64]map[string]int64) map[int64]int64 {
	sums := make(map[int64]int64, len(holders))
	for categoryID, byBuyer := range holders {
		for _, qty := range byBuyer {
			sums[categoryID] += qty
		}
	}
	return sums
}

func (s *Store) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}

		keys = append(keys, batch...)

		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		var x int64
		fmt.Sscan(t, &x)
		return x
	default:
		return 0
	}
}

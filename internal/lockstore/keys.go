package lockstore

import (
	"fmt"
	"strconv"
	"strings"
)

const ns = "seatlock:v1"

func keySeatLock(eventID, seatID int64) string {
	return fmt.Sprintf("%s:lock:%d:seat:%d", ns, eventID, seatID)
}

func keyCategoryHeld(eventID, categoryID int64) string {
	return fmt.Sprintf("%s:lock:%d:cat:%d:held", ns, eventID, categoryID)
}

func keyCategoryBuyer(eventID, categoryID int64, buyerID string) string {
	return fmt.Sprintf("%s:lock:%d:cat:%d:buyer:%s", ns, eventID, categoryID, buyerID)
}

func patternEventSeatLocks(eventID int64) string {
	return fmt.Sprintf("%s:lock:%d:seat:*", ns, eventID)
}

func patternEventCategoryBuyers(eventID int64) string {
	return fmt.Sprintf("%s:lock:%d:cat:*:buyer:*", ns, eventID)
}

func patternHeldCounters() string {
	return ns + ":lock:*:cat:*:held"
}

func ChannelEventLocks(eventID int64) string {
	return fmt.Sprintf("%s:events:%d:locks", ns, eventID)
}

// parseSeatKey extracts the seat id from a seat-lock key.
func parseSeatKey(key string) (int64, bool) {
	i := strings.LastIndex(key, ":seat:")
	if i < 0 {
		return 0, false
	}

	id, err := strconv.ParseInt(key[i+len(":seat:"):], 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

// parseCategoryBuyerKey extracts category id and buyer id from a per-buyer
// category lock key.
func parseCategoryBuyerKey(key string) (categoryID int64, buyerID string, ok bool) {
	i := strings.Index(key, ":cat:")
	if i < 0 {
		return 0, "", false
	}

	rest := key[i+len(":cat:"):]

	j := strings.Index(rest, ":buyer:")
	if j < 0 {
		return 0, "", false
	}

	id, err := strconv.ParseInt(rest[:j], 10, 64)
	if err != nil {
		return 0, "", false
	}

	buyer := rest[j+len(":buyer:"):]
	if buyer == "" {
		return 0, "", false
	}

	return id, buyer, true
}

// parseHeldKey extracts event and category ids from a held-counter key.
func parseHeldKey(key string) (eventID, categoryID int64, ok bool) {
	if !strings.HasSuffix(key, ":held") {
		return 0, 0, false
	}

	trimmed := strings.TrimPrefix(key, ns+":lock:")
	parts := strings.Split(trimmed, ":")
	// {event}:cat:{category}:held
	if len(parts) != 4 || parts[1] != "cat" {
		return 0, 0, false
	}

	ev, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	cat, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return ev, cat, true
}

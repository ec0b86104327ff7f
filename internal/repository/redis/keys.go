package redisrepo

import "fmt"

const ns = "seatlock:v1"

func KeyEventAvailability(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:availability", ns, eventID)
}

func KeyIdemLock(eventID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:locks:%d:%s", ns, eventID, idemKey)
}

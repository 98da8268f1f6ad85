package redisrepo

import "fmt"

const ns = "turnstile:v1"

func KeyEventAvailability(eventID string) string {
	return fmt.Sprintf("%s:event:%s:availability", ns, eventID)
}

func KeyIdemReservation(userID, idemKey string) string {
	return fmt.Sprintf("%s:idem:reservations:%s:%s", ns, userID, idemKey)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func KeySurgeWindow(eventID string) string {
	return fmt.Sprintf("%s:surge:%s", ns, eventID)
}

func ChannelEntitlements() string {
	return ns + ":entitlements"
}

package redisrepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys_Namespaced(t *testing.T) {
	assert.Equal(t, "turnstile:v1:event:neon-nights:availability", KeyEventAvailability("neon-nights"))
	assert.Equal(t, "turnstile:v1:idem:reservations:u1:abc", KeyIdemReservation("u1", "abc"))
	assert.Equal(t, "turnstile:v1:rl:reservations:u1", KeyRateLimit("reservations", "u1"))
	assert.Equal(t, "turnstile:v1:surge:neon-nights", KeySurgeWindow("neon-nights"))
	assert.Equal(t, "turnstile:v1:entitlements", ChannelEntitlements())
}

func TestToInt(t *testing.T) {
	assert.Equal(t, int64(7), toInt(int64(7)))
	assert.Equal(t, int64(7), toInt(7))
	assert.Equal(t, int64(7), toInt(float64(7)))
	assert.Equal(t, int64(42), toInt("42"))
	assert.Equal(t, int64(0), toInt(nil))
}

func TestRandomHex_Length(t *testing.T) {
	assert.Len(t, randomHex(12), 24)
	assert.NotEqual(t, randomHex(12), randomHex(12))
}

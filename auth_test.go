package maginet

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRoomToken(t *testing.T) {
	secret := []byte("table-secret")

	token, err := MintRoomToken(secret, "r1", "alice", time.Hour)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, token, "")

	assert.Equal(t, VerifyRoomToken(secret, token, "r1", "alice"), nil)

	// wrong room, wrong sender, wrong secret, garbage
	assert.NotEqual(t, VerifyRoomToken(secret, token, "r2", "alice"), nil)
	assert.NotEqual(t, VerifyRoomToken(secret, token, "r1", "bob"), nil)
	assert.NotEqual(t, VerifyRoomToken([]byte("other-secret"), token, "r1", "alice"), nil)
	assert.NotEqual(t, VerifyRoomToken(secret, "not a token", "r1", "alice"), nil)
	assert.NotEqual(t, VerifyRoomToken(secret, "", "r1", "alice"), nil)
}

func TestRoomTokenExpiry(t *testing.T) {
	secret := []byte("table-secret")

	token, err := MintRoomToken(secret, "r1", "alice", -time.Minute)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, VerifyRoomToken(secret, token, "r1", "alice"), nil)
}

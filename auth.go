package maginet

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Room scoping on its own is advisory: any peer can stamp any room id.
// When a shared room secret is configured on the client, envelopes
// additionally carry an HMAC room token binding (room, sender), and inbound
// envelopes without a valid token are dropped. This is opt-in; the default
// behavior stays advisory.

func MintRoomToken(secret []byte, roomId string, peerId PeerId, ttl time.Duration) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"room": roomId,
		"peer": string(peerId),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}

func VerifyRoomToken(secret []byte, tokenStr string, roomId string, peerId PeerId) error {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
			}
			return secret, nil
		},
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return fmt.Errorf("bad room token claims")
	}
	if room, _ := claims["room"].(string); room != roomId {
		return fmt.Errorf("room token for wrong room")
	}
	if peer, _ := claims["peer"].(string); peer != string(peerId) {
		return fmt.Errorf("room token for wrong peer")
	}
	return nil
}

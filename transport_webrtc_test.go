package maginet

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/pion/webrtc/v3"
)

func TestMemorySignaler(t *testing.T) {
	initGlog()

	ctx := context.Background()
	signaler := NewMemorySignaler()

	offers := []PeerId{}
	unlisten, err := signaler.Listen("bob", func(from PeerId, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		offers = append(offers, from)
		return webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  "answer-sdp",
		}, nil
	})
	assert.Equal(t, err, nil)

	// one listener per peer id
	_, err = signaler.Listen("bob", func(from PeerId, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		return webrtc.SessionDescription{}, nil
	})
	assert.NotEqual(t, err, nil)

	answer, err := signaler.Offer(ctx, "alice", "bob", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "offer-sdp",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, answer.SDP, "answer-sdp")
	assert.Equal(t, offers, []PeerId{"alice"})

	// offers to unknown peers fail
	_, err = signaler.Offer(ctx, "alice", "nobody", webrtc.SessionDescription{})
	assert.NotEqual(t, err, nil)

	// unlisten frees the id
	unlisten()
	_, err = signaler.Offer(ctx, "alice", "bob", webrtc.SessionDescription{})
	assert.NotEqual(t, err, nil)
	_, err = signaler.Listen("bob", func(from PeerId, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		return webrtc.SessionDescription{}, nil
	})
	assert.Equal(t, err, nil)
}

func TestWebRtcTransportLifecycle(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signaler := NewMemorySignaler()

	a := NewWebRtcTransportWithDefaults(signaler)
	assert.Equal(t, a.Start(ctx, "alice"), nil)
	assert.Equal(t, a.LocalPeerId(), PeerId("alice"))
	// start is idempotent
	assert.Equal(t, a.Start(ctx, "alice"), nil)

	// the signaler slot is held while started
	b := NewWebRtcTransportWithDefaults(signaler)
	assert.NotEqual(t, b.Start(ctx, "alice"), nil)

	// connect to self is a no-op, connect before start fails
	assert.Equal(t, a.Connect(ctx, "alice"), nil)
	c := NewWebRtcTransportWithDefaults(signaler)
	assert.NotEqual(t, c.Connect(ctx, "bob"), nil)
	assert.NotEqual(t, c.Send("bob", RequireEnvelope("chat", "x")), nil)

	assert.Equal(t, a.Stop(ctx), nil)
	assert.Equal(t, a.LocalPeerId(), PeerId(""))
	// stopping released the signaler slot
	assert.Equal(t, b.Start(ctx, "alice"), nil)
	assert.Equal(t, b.Stop(ctx), nil)
}

// an offer arriving at a stopped transport is refused at the signaler
func TestWebRtcTransportOfferAfterStop(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signaler := NewMemorySignaler()

	a := NewWebRtcTransportWithDefaults(signaler)
	assert.Equal(t, a.Start(ctx, "alice"), nil)
	assert.Equal(t, a.Stop(ctx), nil)

	_, err := signaler.Offer(ctx, "bob", "alice", webrtc.SessionDescription{})
	assert.NotEqual(t, err, nil)
}

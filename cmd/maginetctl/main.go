package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/reifocS/maginet"
)

const MaginetCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
}

func main() {
	usage := `Maginet sync engine control.

Usage:
    maginetctl relay [--port=<port>]
    maginetctl table --relay_url=<relay_url> --room=<room>
        [--peer=<peer>]
        [--connect=<peer>...]
        [--secret=<secret>]
        [--deal=<n>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --port=<port>            Relay listen port [default: 8080].
    --relay_url=<relay_url>  Relay websocket url, e.g. ws://127.0.0.1:8080/.
    --room=<room>            Room id.
    --peer=<peer>            Preferred local peer id. Empty lets the relay assign one.
    --connect=<peer>         Peer to connect to on start. May be repeated.
    --secret=<secret>        Shared room secret. Enables room token verification.
    --deal=<n>               Deal n cards onto the table and jiggle them [default: 0].`

	opts, _ := docopt.ParseArgs(usage, os.Args[1:], MaginetCtlVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	if relay_, _ := opts.Bool("relay"); relay_ {
		relay(ctx, opts)
	} else if table_, _ := opts.Bool("table"); table_ {
		table(ctx, opts)
	}
}

func relay(ctx context.Context, opts docopt.Opts) {
	port, _ := opts.Int("--port")

	relay := maginet.NewRelayWithDefaults(ctx)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: relay,
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	Out.Printf("relay listening on :%d\n", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		Err.Fatalf("relay = %s\n", err)
	}
}

func table(ctx context.Context, opts docopt.Opts) {
	relayUrl, _ := opts.String("--relay_url")
	room, _ := opts.String("--room")
	peer, _ := opts.String("--peer")
	secret, _ := opts.String("--secret")
	deal, _ := opts.Int("--deal")
	connectPeers := []string{}
	if v, ok := opts["--connect"].([]string); ok {
		connectPeers = v
	}

	transport := maginet.NewRelayTransportWithDefaults(relayUrl)

	settings := maginet.DefaultClientSettings()
	settings.RoomId = room
	settings.PreferredPeerId = maginet.PeerId(peer)
	if secret != "" {
		settings.RoomSecret = []byte(secret)
	}
	client := maginet.NewClient(ctx, transport, settings)
	client.AddErrorCallback(func(err error) {
		Err.Printf("sync error = %s\n", err)
	})

	mesh := maginet.NewMesh(client)
	defer mesh.Close()

	store := maginet.NewStore(maginet.ShapesByPeer{})
	channel := maginet.NewShapesChannel("shapes", store)
	unregister, err := client.RegisterChannel(channel)
	if err != nil {
		Err.Fatalf("register channel = %s\n", err)
	}
	defer unregister()

	store.Subscribe(func(next maginet.ShapesByPeer) {
		for peerId, shapes := range next {
			Out.Printf("table %s: %d shapes\n", peerId, len(shapes))
		}
	})

	if err := client.Start(); err != nil {
		Err.Fatalf("start = %s\n", err)
	}
	defer client.Stop()
	Out.Printf("joined room %s as %s\n", room, client.LocalPeerId())

	for _, connectPeer := range connectPeers {
		if err := client.Connect(maginet.PeerId(connectPeer)); err != nil {
			Err.Printf("connect %s = %s\n", connectPeer, err)
		}
	}

	if 0 < deal {
		dealAndJiggle(ctx, client, store, deal)
	}

	<-ctx.Done()
}

// put some cards on the table and nudge them around so patches flow
func dealAndJiggle(ctx context.Context, client *maginet.Client, store *maginet.Store[maginet.ShapesByPeer], count int) {
	localPeerId := client.LocalPeerId()

	store.Update(func(state maginet.ShapesByPeer) maginet.ShapesByPeer {
		next := maginet.SnapshotShapes(state)
		hand := make([]maginet.Shape, 0, count)
		for i := 0; i < count; i += 1 {
			hand = append(hand, maginet.Shape{
				Id:   fmt.Sprintf("%s-card-%d", localPeerId, i),
				Kind: "card",
				X:    float64(100 + 40*i),
				Y:    120,
			})
		}
		next[localPeerId] = hand
		return next
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}

			store.Update(func(state maginet.ShapesByPeer) maginet.ShapesByPeer {
				next := maginet.SnapshotShapes(state)
				hand := next[localPeerId]
				if len(hand) == 0 {
					return next
				}
				i := rand.Intn(len(hand))
				hand[i].X += float64(rand.Intn(21) - 10)
				hand[i].Y += float64(rand.Intn(21) - 10)
				return next
			})
		}
	}()
}

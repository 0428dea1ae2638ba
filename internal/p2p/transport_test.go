package p2p

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"

	"github.com/petervdpas/goopcall/internal/signal"
)

func TestTransportOverMocknet(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(2)
	if err != nil {
		t.Fatal(err)
	}
	defer mn.Close()

	hosts := mn.Hosts()
	alice := NewTransport(hosts[0])
	bob := NewTransport(hosts[1])
	defer alice.Close()
	defer bob.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Delivered before bob subscribes: held in the inbox and replayed.
	offer := signal.NewOffer("s1", "forged", signal.Offer{
		Description: signal.Description{Type: "offer", SDP: "v=0"},
		CallKind:    signal.CallVoice,
	})
	if err := alice.Send(ctx, bob.SelfID(), offer); err != nil {
		t.Fatal(err)
	}

	ch, unsub, err := bob.Subscribe(bob.SelfID())
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	select {
	case m := <-ch:
		if m.ID != offer.ID || m.Kind != signal.KindOffer {
			t.Fatalf("unexpected message %+v", m)
		}
		if m.SenderID != alice.SelfID() {
			t.Fatalf("sender = %s, want %s", m.SenderID, alice.SelfID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replayed offer")
	}

	t.Run("order preserved", func(t *testing.T) {
		for _, id := range []string{"a", "b", "c"} {
			if err := alice.Send(ctx, bob.SelfID(), signal.NewCandidate("s1", "", signal.Candidate{Candidate: id})); err != nil {
				t.Fatal(err)
			}
		}
		for _, want := range []string{"a", "b", "c"} {
			select {
			case m := <-ch:
				if m.Candidate == nil || m.Candidate.Candidate != want {
					t.Fatalf("got %+v, want candidate %s", m.Candidate, want)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for %s", want)
			}
		}
	})

	t.Run("order preserved under a burst", func(t *testing.T) {
		const n = 500
		got := make(chan []string, 1)
		go func() {
			var ids []string
			for len(ids) < n {
				select {
				case m := <-ch:
					if m.Candidate != nil {
						ids = append(ids, m.Candidate.Candidate)
					}
				case <-time.After(10 * time.Second):
					got <- ids
					return
				}
			}
			got <- ids
		}()
		for i := 0; i < n; i++ {
			c := signal.Candidate{Candidate: fmt.Sprintf("c%03d", i)}
			if err := alice.Send(ctx, bob.SelfID(), signal.NewCandidate("s1", "", c)); err != nil {
				t.Fatal(err)
			}
		}
		ids := <-got
		if len(ids) != n {
			t.Fatalf("received %d of %d candidates", len(ids), n)
		}
		for i, id := range ids {
			if want := fmt.Sprintf("c%03d", i); id != want {
				t.Fatalf("position %d: got %s, want %s", i, id, want)
			}
		}
	})

	t.Run("invalid peer id", func(t *testing.T) {
		err := alice.Send(ctx, "not-a-peer", signal.NewEnd("s1", "", ""))
		if !errors.Is(err, signal.ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage, got %v", err)
		}
	})

	t.Run("unreachable peer", func(t *testing.T) {
		lonely, err := mn.GenPeer()
		if err != nil {
			t.Fatal(err)
		}
		sctx, scancel := context.WithTimeout(ctx, 2*time.Second)
		defer scancel()
		err = alice.Send(sctx, lonely.ID().String(), signal.NewEnd("s1", "", ""))
		if !errors.Is(err, signal.ErrPeerUnavailable) {
			t.Fatalf("expected ErrPeerUnavailable, got %v", err)
		}
	})
}

func TestPeerIDFromKeyIsStable(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "data", "identity.key")
	first, err := PeerIDFromKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	second, err := PeerIDFromKey(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if first == "" || first != second {
		t.Fatalf("peer id not stable: %q vs %q", first, second)
	}
}

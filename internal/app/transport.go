package app

import (
	"context"
	"fmt"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/mailbox"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

// signaling is an open transport plus the identity it is bound to.
type signaling struct {
	transport signal.Transport
	selfID    string
	close     func()
}

func openSignaling(ctx context.Context, peerDir string, cfg config.Config) (*signaling, error) {
	switch cfg.Signaling.Transport {
	case config.TransportRelay:
		c, err := relay.Dial(ctx, cfg.Signaling.ServerURL, cfg.Identity.UserID, cfg.Signaling.Token)
		if err != nil {
			return nil, err
		}
		return &signaling{transport: c, selfID: cfg.Identity.UserID, close: c.Close}, nil

	case config.TransportMailbox:
		c, err := mailbox.Dial(ctx, cfg.Signaling.ServerURL, cfg.Identity.UserID, cfg.Signaling.Token)
		if err != nil {
			return nil, err
		}
		return &signaling{transport: c, selfID: cfg.Identity.UserID, close: c.Close}, nil

	case config.TransportP2P:
		h, err := p2p.NewHost(p2p.HostOptions{
			ListenPort: cfg.P2P.ListenPort,
			KeyFile:    util.ResolvePath(peerDir, cfg.Identity.KeyFile),
			MdnsTag:    cfg.P2P.MdnsTag,
			Peers:      cfg.P2P.Peers,
		})
		if err != nil {
			return nil, fmt.Errorf("p2p host: %w", err)
		}
		t := p2p.NewTransport(h)
		return &signaling{
			transport: t,
			selfID:    t.SelfID(),
			close: func() {
				t.Close()
				_ = h.Close()
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown signaling transport %q", cfg.Signaling.Transport)
}

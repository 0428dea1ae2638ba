package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/rendezvous"
	"github.com/petervdpas/goopcall/internal/ringer"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

// historyRetention is how long call records are kept.
const historyRetention = 90 * 24 * time.Hour

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// RunPeer runs one call endpoint until ctx ends.
func RunPeer(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg := opt.Cfg
	logBanner(opt.PeerDir, opt.CfgPath)

	// ── Signaling
	sig, err := openSignaling(ctx, opt.PeerDir, cfg)
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	defer sig.close()
	log.Printf("Signaling: %s as %s", cfg.Signaling.Transport, sig.selfID)

	// ── History
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Paths.HistoryDB))
	if err != nil {
		return err
	}
	defer db.Close()
	if n, err := db.Prune(ctx, time.Now().Add(-historyRetention)); err != nil {
		log.Printf("History: prune failed: %v", err)
	} else if n > 0 {
		log.Printf("History: pruned %d old calls", n)
	}

	// ── Media + WebRTC
	capturer, err := media.NewCapturer(media.Options{
		VideoWidth:   cfg.Media.VideoWidth,
		VideoHeight:  cfg.Media.VideoHeight,
		VideoBitRate: cfg.Media.VideoBitRate,
	})
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	devices := media.NewController(capturer)
	api, err := peer.NewAPI(devices.Populate, nil)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	ice := newICESettings(cfg.ICE)
	if err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
		ice.set(c.ICE)
		log.Printf("ICE: %d servers, policy %q for future calls", len(c.ICE.Servers), c.ICE.TransportPolicy)
	}); err != nil {
		log.Printf("Config watch disabled: %v", err)
	}

	// ── Call manager
	mgr, err := call.New(call.Config{
		SelfID:             sig.selfID,
		DisplayName:        cfg.Identity.DisplayName,
		AvatarURL:          cfg.Identity.AvatarURL,
		RingTimeout:        cfg.Call.RingTimeout(),
		Hold:               cfg.Call.Hold(),
		Ringback:           cfg.Call.Ringback,
		MaxEarlyCandidates: cfg.Call.MaxEarlyCandidates,
	}, call.Deps{
		Transport: sig.transport,
		Devices:   devices,
		NewPeer:   call.ControllerFactory(api, ice.get),
		Ringtone:  ringer.New(ringer.NewPlayer()),
		Recorder:  db.History(),
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := &viewer.Viewer{
			Addr: addr,
			Self: func() routes.Self {
				return routes.Self{
					UserID:      sig.selfID,
					DisplayName: cfg.Identity.DisplayName,
					Transport:   cfg.Signaling.Transport,
				}
			},
			Calls:   mgr,
			History: db,
			Logs:    logBuf,
		}
		if err := v.Start(ctx); err != nil {
			return err
		}
		log.Printf("Call API: %s/api/call/state", v.URL())
	}

	<-ctx.Done()
	log.Println("Shutting down peer")
	return nil
}

// RunServer runs the rendezvous server until ctx ends.
func RunServer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	s, err := rendezvous.New(rendezvous.Options{
		Addr:        cfg.Server.Addr(),
		MailboxDB:   util.ResolvePath(opt.PeerDir, cfg.Server.MailboxDB),
		MailboxTTL:  cfg.Server.MailboxTTL(),
		AuthSecret:  cfg.Server.AuthSecret,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("Relay:   %s/ws/relay", s.URL())
	log.Printf("Mailbox: %s/ws/mailbox", s.URL())
	log.Println("────────────────────────────────────────────────────────")

	<-ctx.Done()
	log.Println("Shutting down server")
	return nil
}

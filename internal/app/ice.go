package app

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/peer"
)

// iceSettings holds the ICE configuration for the next call. The config
// watcher replaces it; the peer factory reads it once per call.
type iceSettings struct {
	mu   sync.RWMutex
	opts peer.Options
}

func newICESettings(c config.ICE) *iceSettings {
	s := &iceSettings{}
	s.set(c)
	return s
}

func (s *iceSettings) set(c config.ICE) {
	o := peerOptions(c)
	s.mu.Lock()
	s.opts = o
	s.mu.Unlock()
}

func (s *iceSettings) get() peer.Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

func peerOptions(c config.ICE) peer.Options {
	o := peer.Options{Policy: webrtc.ICETransportPolicyAll}
	if c.TransportPolicy == "relay" {
		o.Policy = webrtc.ICETransportPolicyRelay
	}
	for _, srv := range c.Servers {
		ice := webrtc.ICEServer{URLs: append([]string(nil), srv.URLs...)}
		if srv.Username != "" || srv.Credential != "" {
			ice.Username = srv.Username
			ice.Credential = srv.Credential
		}
		o.ICEServers = append(o.ICEServers, ice)
	}
	return o
}

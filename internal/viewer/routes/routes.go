// Package routes registers the HTTP API of a running endpoint.
package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/storage"
)

// Calls is the part of *call.Manager the API drives.
type Calls interface {
	StartCall(ctx context.Context, peerID string, kind signal.CallKind) (string, error)
	AcceptCall(ctx context.Context) error
	DeclineCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleAudio(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	PeerStatus(ctx context.Context) (*peer.Status, error)
	RemoteMedia(sessionID string) (<-chan []byte, func(), error)
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
}

type History interface {
	Recent(ctx context.Context, limit int) ([]storage.CallRecord, error)
}

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Self struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Transport   string `json:"transport"`
}

type Deps struct {
	Self    func() Self
	Calls   Calls
	History History // may be nil
	Logs    Logs    // may be nil
}

func Register(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		if d.Self == nil {
			writeJSON(w, Self{})
			return
		}
		writeJSON(w, d.Self())
	})
	RegisterCall(mux, d.Calls, d.History)

	if d.Logs != nil {
		mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
	}
}

package routes

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/wsconn"
)

const sseKeepAlive = 25 * time.Second

// RegisterCall registers the call API. history may be nil, in which case
// /api/call/history returns an empty list.
func RegisterCall(mux *http.ServeMux, calls Calls, history History) {
	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Snapshot())
	})

	// GET /api/call/events: one "state" event per published snapshot,
	// starting with the current one.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := calls.Subscribe()
		defer cancel()

		ping := time.NewTicker(sseKeepAlive)
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case snap, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, "state", snap); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	// GET /api/call/debug: peer connection state and RTP counters.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		st, err := calls.PeerStatus(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		snap := calls.Snapshot()
		writeJSON(w, map[string]any{
			"state":   snap.State,
			"session": snap.Session,
			"peer":    st,
		})
	})

	// GET /api/call/history?limit=N
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 500 {
				http.Error(w, "limit must be 1..500", http.StatusBadRequest)
				return
			}
			limit = n
		}
		if history == nil {
			writeJSON(w, []any{})
			return
		}
		recs, err := history.Recent(r.Context(), limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		if recs == nil {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, recs)
	})

	// GET /api/call/media?session=ID: websocket of binary WebM messages
	// carrying the remote audio and video, init segment first.
	handleGet(mux, "/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		sid := r.URL.Query().Get("session")
		ch, cancel, err := calls.RemoteMedia(sid)
		if err != nil {
			writeErr(w, err)
			return
		}
		defer cancel()

		conn, err := wsconn.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("CALL: media websocket upgrade: %v", err)
			return
		}
		defer conn.Close()
		log.Printf("CALL [%s]: media websocket connected", signal.Short(sid))

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case msg, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
						time.Now().Add(time.Second))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					return
				}
			}
		}
	})

	// POST /api/call/start {"peer_id","kind"}
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string          `json:"peer_id"`
		Kind   signal.CallKind `json:"kind"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		if req.Kind == "" {
			req.Kind = signal.CallVoice
		}
		if !req.Kind.Valid() {
			http.Error(w, "kind must be voice or video", http.StatusBadRequest)
			return
		}
		sid, err := calls.StartCall(r.Context(), req.PeerID, req.Kind)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"session_id": sid, "state": calls.Snapshot().State})
	})

	simple := func(path string, fn func(r *http.Request) error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := fn(r); err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, map[string]any{"state": calls.Snapshot().State})
		})
	}
	simple("/api/call/accept", func(r *http.Request) error { return calls.AcceptCall(r.Context()) })
	simple("/api/call/decline", func(r *http.Request) error { return calls.DeclineCall(r.Context()) })
	simple("/api/call/end", func(r *http.Request) error { return calls.EndCall(r.Context()) })

	toggle := func(path, field string, fn func(r *http.Request) (bool, error)) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			on, err := fn(r)
			if err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, map[string]bool{field: on})
		})
	}
	toggle("/api/call/toggle-audio", "audio_enabled", func(r *http.Request) (bool, error) { return calls.ToggleAudio(r.Context()) })
	toggle("/api/call/toggle-video", "video_enabled", func(r *http.Request) (bool, error) { return calls.ToggleVideo(r.Context()) })
	toggle("/api/call/toggle-screen", "sharing", func(r *http.Request) (bool, error) { return calls.ToggleScreenShare(r.Context()) })
}

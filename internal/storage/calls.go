package storage

import (
	"context"
	"log"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

// CallRecord is one row of history. ConnectedAt and EndedAt are zero until
// the call reaches that point.
type CallRecord struct {
	SessionID   string       `json:"session_id"`
	PeerID      string       `json:"peer_id"`
	Kind        string       `json:"kind"`
	Initiator   bool         `json:"initiator"`
	StartedAt   time.Time    `json:"started_at"`
	ConnectedAt time.Time    `json:"connected_at,omitempty"`
	EndedAt     time.Time    `json:"ended_at,omitempty"`
	Outcome     call.Outcome `json:"outcome,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Duration is the connected time, or zero for calls that never connected.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// History adapts DB to call.Recorder. Write failures are logged; the call
// itself never waits on or fails because of history.
type History struct {
	db *DB
}

func (d *DB) History() *History { return &History{db: d} }

var _ call.Recorder = (*History)(nil)

func (h *History) CallStarted(s call.Session) {
	if err := h.db.InsertCall(context.Background(), s); err != nil {
		log.Printf("HISTORY: insert %s: %v", short(s.ID), err)
	}
}

func (h *History) CallConnected(sessionID string, at time.Time) {
	if err := h.db.MarkConnected(context.Background(), sessionID, at); err != nil {
		log.Printf("HISTORY: connected %s: %v", short(sessionID), err)
	}
}

func (h *History) CallEnded(sessionID string, outcome call.Outcome, reason string, at time.Time) {
	if err := h.db.MarkEnded(context.Background(), sessionID, outcome, reason, at); err != nil {
		log.Printf("HISTORY: ended %s: %v", short(sessionID), err)
	}
}

// InsertCall records a new session. A repeated session ID is ignored.
func (d *DB) InsertCall(ctx context.Context, s call.Session) error {
	init := 0
	if s.IsInitiator {
		init = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _calls (session_id, peer_id, kind, initiator, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		s.ID, s.PeerID, string(s.Kind), init, unixMilli(s.StartedAt),
	)
	return err
}

func (d *DB) MarkConnected(ctx context.Context, sessionID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		UPDATE _calls SET connected_at = ? WHERE session_id = ? AND connected_at = 0`,
		unixMilli(at), sessionID,
	)
	return err
}

// MarkEnded closes a record. Only the first end is kept.
func (d *DB) MarkEnded(ctx context.Context, sessionID string, outcome call.Outcome, reason string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		UPDATE _calls SET ended_at = ?, outcome = ?, reason = ?
		WHERE session_id = ? AND ended_at = 0`,
		unixMilli(at), string(outcome), reason, sessionID,
	)
	return err
}

// Recent returns up to limit calls, newest first.
func (d *DB) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT session_id, peer_id, kind, initiator, started_at, connected_at, ended_at, outcome, reason
		FROM _calls ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		var init int
		var started, connected, ended int64
		var outcome string
		if err := rows.Scan(&r.SessionID, &r.PeerID, &r.Kind, &init, &started, &connected, &ended, &outcome, &r.Reason); err != nil {
			return nil, err
		}
		r.Initiator = init == 1
		r.StartedAt = fromMilli(started)
		r.ConnectedAt = fromMilli(connected)
		r.EndedAt = fromMilli(ended)
		r.Outcome = call.Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes calls that started before cutoff.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `DELETE FROM _calls WHERE started_at < ?`, unixMilli(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

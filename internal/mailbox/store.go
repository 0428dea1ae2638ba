// Package mailbox is the durable signaling realization: messages are stored
// under the recipient and delivered to whichever subscription attaches,
// including one that attaches after the message was sent.
package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/goopcall/internal/signal"
)

// batchSize bounds one Pending query during Follow.
const batchSize = 100

// Record is one stored message.
type Record struct {
	Seq       int64
	Recipient string
	Sender    string
	Msg       signal.Message
	StoredAt  time.Time
}

// Store persists messages in SQLite, ordered by a monotonically increasing
// sequence number, and notifies watchers per recipient.
type Store struct {
	db   *sql.DB
	path string

	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

// Open opens or creates the mailbox database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create mailbox dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	// One connection serializes writers and keeps sequence order identical
	// to commit order.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure mailbox: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mailbox (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient  TEXT NOT NULL,
			sender     TEXT NOT NULL,
			session_id TEXT NOT NULL,
			kind       TEXT NOT NULL,
			msg_id     TEXT NOT NULL,
			body       TEXT NOT NULL,
			stored_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_mailbox_recipient ON mailbox(recipient, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create mailbox table: %w", err)
	}

	return &Store{
		db:       db,
		path:     path,
		watchers: make(map[string]map[chan struct{}]struct{}),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores msg for recipient and wakes its watchers.
func (s *Store) Put(ctx context.Context, recipient string, msg signal.Message) (int64, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mailbox (recipient, sender, session_id, kind, msg_id, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		recipient, msg.SenderID, msg.SessionID, string(msg.Kind), msg.ID, string(body), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.notify(recipient)
	return seq, nil
}

// Pending returns up to limit records for recipient with seq > afterSeq,
// oldest first.
func (s *Store) Pending(ctx context.Context, recipient string, afterSeq int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = batchSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, recipient, sender, body, stored_at FROM mailbox
		 WHERE recipient = ? AND seq > ? ORDER BY seq LIMIT ?`,
		recipient, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query mailbox: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			body   string
			stored int64
		)
		if err := rows.Scan(&r.Seq, &r.Recipient, &r.Sender, &body, &stored); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &r.Msg); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", r.Seq, err)
		}
		r.StoredAt = time.UnixMilli(stored)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ack removes a delivered record. Acking an unknown seq is not an error.
func (s *Store) Ack(ctx context.Context, recipient string, seq int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM mailbox WHERE recipient = ? AND seq = ?`, recipient, seq); err != nil {
		return fmt.Errorf("ack record %d: %w", seq, err)
	}
	return nil
}

// Count returns the number of undelivered records for recipient.
func (s *Store) Count(ctx context.Context, recipient string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailbox WHERE recipient = ?`, recipient).Scan(&n)
	return n, err
}

// Purge deletes records stored before cutoff. Signaling messages are only
// meaningful for the lifetime of a ringing call.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mailbox WHERE stored_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge mailbox: %w", err)
	}
	return res.RowsAffected()
}

// Watch returns a channel that receives a value whenever a record is stored
// for recipient. Notifications coalesce; readers re-query Pending.
func (s *Store) Watch(recipient string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	set := s.watchers[recipient]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		s.watchers[recipient] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if set := s.watchers[recipient]; set != nil {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.watchers, recipient)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Store) notify(recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers[recipient] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Follow calls fn for every record of recipient, oldest first, then keeps
// waiting for new ones until ctx ends or fn fails. Records are not removed;
// fn acks what it has handed on.
func (s *Store) Follow(ctx context.Context, recipient string, fn func(Record) error) error {
	wake, stop := s.Watch(recipient)
	defer stop()

	var cursor int64
	for {
		recs, err := s.Pending(ctx, recipient, cursor, batchSize)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := fn(r); err != nil {
				return err
			}
			cursor = r.Seq
		}
		if len(recs) == batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

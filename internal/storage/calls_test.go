package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signal"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHistoryLifecycle(t *testing.T) {
	db := openTest(t)
	h := db.History()

	t0 := time.UnixMilli(1_700_000_000_000)
	h.CallStarted(call.Session{ID: "s1", PeerID: "bob", Kind: signal.CallVideo, IsInitiator: true, StartedAt: t0})
	h.CallConnected("s1", t0.Add(2*time.Second))
	h.CallEnded("s1", call.OutcomeCompleted, "", t0.Add(62*time.Second))
	// A second end for the same session does not overwrite the first.
	h.CallEnded("s1", call.OutcomeFailed, "failed", t0.Add(90*time.Second))

	h.CallStarted(call.Session{ID: "s2", PeerID: "carol", Kind: signal.CallVoice, StartedAt: t0.Add(time.Hour)})
	h.CallEnded("s2", call.OutcomeMissed, "timeout", t0.Add(time.Hour+45*time.Second))

	recs, err := db.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].SessionID != "s2" || recs[0].Outcome != call.OutcomeMissed || recs[0].Reason != "timeout" {
		t.Fatalf("newest = %+v", recs[0])
	}
	if !recs[0].ConnectedAt.IsZero() || recs[0].Duration() != 0 {
		t.Fatalf("missed call has connected time: %+v", recs[0])
	}

	s1 := recs[1]
	if !s1.Initiator || s1.Kind != string(signal.CallVideo) || s1.Outcome != call.OutcomeCompleted {
		t.Fatalf("s1 = %+v", s1)
	}
	if s1.Duration() != time.Minute {
		t.Fatalf("duration = %v, want 1m", s1.Duration())
	}
}

func TestInsertIgnoresDuplicate(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	s := call.Session{ID: "dup", PeerID: "bob", Kind: signal.CallVoice, StartedAt: time.Now()}
	if err := db.InsertCall(ctx, s); err != nil {
		t.Fatal(err)
	}
	s.PeerID = "mallory"
	if err := db.InsertCall(ctx, s); err != nil {
		t.Fatal(err)
	}
	recs, _ := db.Recent(ctx, 0)
	if len(recs) != 1 || recs[0].PeerID != "bob" {
		t.Fatalf("recs = %+v", recs)
	}
}

func TestPrune(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now()
	db.InsertCall(ctx, call.Session{ID: "old", PeerID: "a", Kind: signal.CallVoice, StartedAt: now.Add(-48 * time.Hour)})
	db.InsertCall(ctx, call.Session{ID: "new", PeerID: "b", Kind: signal.CallVoice, StartedAt: now})

	n, err := db.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune() = %d, %v", n, err)
	}
	recs, _ := db.Recent(ctx, 10)
	if len(recs) != 1 || recs[0].SessionID != "new" {
		t.Fatalf("recs = %+v", recs)
	}
}

func TestMeta(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	if v, err := db.GetMeta(ctx, "x"); err != nil || v != "" {
		t.Fatalf("GetMeta(unset) = %q, %v", v, err)
	}
	if err := db.SetMeta(ctx, "x", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMeta(ctx, "x", "2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetMeta(ctx, "x"); v != "2" {
		t.Fatalf("GetMeta = %q", v)
	}
}

package eventstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndSince(t *testing.T) {
	s := openTestStore(t)

	for i := int64(1); i <= 5; i++ {
		if err := s.Append("s1", i, "stream_delta", `{"delta":"a"}`); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	events, err := s.Since("s1", 2)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].SeqNum != 3 {
		t.Errorf("events[0].SeqNum = %d, want 3", events[0].SeqNum)
	}
}

func TestAppend_PrunesBeyondCap(t *testing.T) {
	s := openTestStore(t)

	for i := int64(1); i <= int64(MaxEventsPerSession)+10; i++ {
		if err := s.Append("s1", i, "ready", "{}"); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	events, err := s.Since("s1", 0)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(events) != MaxEventsPerSession {
		t.Fatalf("len(events) = %d, want %d (bounded)", len(events), MaxEventsPerSession)
	}
	if events[0].SeqNum != 11 {
		t.Errorf("oldest surviving SeqNum = %d, want 11 (first 10 pruned)", events[0].SeqNum)
	}
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)
	_ = s.Append("s1", 1, "ready", "{}")
	_ = s.Append("s2", 1, "ready", "{}")

	if err := s.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	events, _ := s.Since("s1", 0)
	if len(events) != 0 {
		t.Errorf("s1 events = %d, want 0 after delete", len(events))
	}
	events, _ = s.Since("s2", 0)
	if len(events) != 1 {
		t.Errorf("s2 events = %d, want untouched", len(events))
	}
}

func TestLastSeq(t *testing.T) {
	s := openTestStore(t)
	if seq, err := s.LastSeq("missing"); err != nil || seq != 0 {
		t.Fatalf("LastSeq(missing) = (%d, %v), want (0, nil)", seq, err)
	}
	_ = s.Append("s1", 7, "ready", "{}")
	seq, err := s.LastSeq("s1")
	if err != nil {
		t.Fatalf("LastSeq() error = %v", err)
	}
	if seq != 7 {
		t.Errorf("LastSeq() = %d, want 7", seq)
	}
}

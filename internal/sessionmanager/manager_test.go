package sessionmanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chroxy/chroxy/internal/eventstore"
	"github.com/chroxy/chroxy/internal/session"
)

// fakeCapability is a minimal session.Capability stand-in so tests never
// spawn a real subprocess or PTY.
type fakeCapability struct {
	id        string
	createdAt time.Time
	destroyed bool
}

func (f *fakeCapability) ID() string               { return f.id }
func (f *fakeCapability) Variant() session.Variant  { return session.VariantHeadless }
func (f *fakeCapability) Info() session.Info        { return session.Info{ID: f.id, CreatedAt: f.createdAt} }
func (f *fakeCapability) Send(context.Context, string) error { return nil }
func (f *fakeCapability) Interrupt()                {}
func (f *fakeCapability) SetModel(string) error     { return nil }
func (f *fakeCapability) SetPermissionMode(session.PermissionMode) error { return nil }
func (f *fakeCapability) RespondToPermission(string, string) error      { return nil }
func (f *fakeCapability) RespondToQuestion(session.QuestionAnswer) error { return nil }
func (f *fakeCapability) Destroy() error {
	f.destroyed = true
	return nil
}

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	s, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegister_EnforcesCapacity(t *testing.T) {
	m := New(nil, 2)
	if err := m.Register(&fakeCapability{id: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(&fakeCapability{id: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(&fakeCapability{id: "c"}); err != ErrCapacityExceeded {
		t.Errorf("Register() error = %v, want ErrCapacityExceeded", err)
	}
}

func TestRegister_RejectsDuplicateID(t *testing.T) {
	m := New(nil, 5)
	_ = m.Register(&fakeCapability{id: "a"})
	if err := m.Register(&fakeCapability{id: "a"}); err != ErrAlreadyExists {
		t.Errorf("Register() error = %v, want ErrAlreadyExists", err)
	}
}

func TestAttach_UnknownIDReturnsNotFound(t *testing.T) {
	m := New(nil, 5)
	if _, err := m.Attach("missing"); err != ErrNotFound {
		t.Errorf("Attach() error = %v, want ErrNotFound", err)
	}
}

func TestDestroy_RemovesAndCallsDestroy(t *testing.T) {
	m := New(nil, 5)
	fc := &fakeCapability{id: "a"}
	_ = m.Register(fc)

	if err := m.Destroy("a"); err != nil {
		t.Fatal(err)
	}
	if !fc.destroyed {
		t.Error("expected underlying session.Destroy to be called")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestEmit_PersistsToStoreAndNotifiesListeners(t *testing.T) {
	store := openTestStore(t)
	m := New(store, 5)

	var seen []string
	m.Subscribe(func(sessionID, event string, seqNum int64, data any) {
		seen = append(seen, event)
	})

	m.emit("s1", "ready", map[string]any{"model": "x"})
	m.emit("s1", "result", map[string]any{"stopReason": "end_turn"})

	if len(seen) != 2 {
		t.Fatalf("listener saw %d events, want 2", len(seen))
	}

	events, err := store.Since("s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("store has %d events, want 2", len(events))
	}
}

func TestDiscoverPersisted_OnlyReturnsNonLiveSessions(t *testing.T) {
	store := openTestStore(t)
	m := New(store, 5)

	m.emit("ghost", "ready", nil)
	_ = m.Register(&fakeCapability{id: "live"})
	m.emit("live", "ready", nil)

	discovered, err := m.DiscoverPersisted()
	if err != nil {
		t.Fatal(err)
	}
	if len(discovered) != 1 || discovered[0] != "ghost" {
		t.Errorf("DiscoverPersisted() = %v, want [ghost]", discovered)
	}
}

func TestListInfo_OrderedOldestFirst(t *testing.T) {
	m := New(nil, 5)
	older := time.Now()
	_ = m.Register(&fakeCapability{id: "b", createdAt: older.Add(time.Second)})
	_ = m.Register(&fakeCapability{id: "a", createdAt: older})

	infos := m.ListInfo()
	if len(infos) != 2 {
		t.Fatalf("ListInfo() returned %d entries, want 2", len(infos))
	}
	if infos[0].ID != "a" || infos[1].ID != "b" {
		t.Errorf("ListInfo() order = [%s %s], want [a b] (oldest first)", infos[0].ID, infos[1].ID)
	}
}

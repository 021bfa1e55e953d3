package wsserver

import (
	"sync"
	"testing"
)

func TestDeltaCoalescer_AccumulatesPerSessionAndMessage(t *testing.T) {
	var mu sync.Mutex
	flushed := map[string]string{}

	d := newDeltaCoalescer(func(sessionID, messageID, text string) {
		mu.Lock()
		defer mu.Unlock()
		flushed[deltaKey(sessionID, messageID)] += text
	})

	for i := 0; i < 10; i++ {
		d.add("s1", "msg-3", "a")
	}
	d.flushOne("s1", "msg-3")

	mu.Lock()
	defer mu.Unlock()
	if got := flushed[deltaKey("s1", "msg-3")]; got != "aaaaaaaaaa" {
		t.Errorf("flushed text = %q, want 10 a's", got)
	}
}

func TestDeltaCoalescer_KeyedBySessionAndMessageNotMessageAlone(t *testing.T) {
	var mu sync.Mutex
	flushed := map[string]string{}

	d := newDeltaCoalescer(func(sessionID, messageID, text string) {
		mu.Lock()
		defer mu.Unlock()
		flushed[deltaKey(sessionID, messageID)] += text
	})

	d.add("s1", "msg-1", "from-s1")
	d.add("s2", "msg-1", "from-s2")
	d.flushOne("s1", "msg-1")
	d.flushOne("s2", "msg-1")

	mu.Lock()
	defer mu.Unlock()
	if flushed[deltaKey("s1", "msg-1")] != "from-s1" {
		t.Error("s1/msg-1 buffer contaminated by s2")
	}
	if flushed[deltaKey("s2", "msg-1")] != "from-s2" {
		t.Error("s2/msg-1 buffer contaminated by s1")
	}
}

func TestDeltaCoalescer_FlushOneOnlyFlushesThatKey(t *testing.T) {
	var mu sync.Mutex
	var flushCount int
	d := newDeltaCoalescer(func(sessionID, messageID, text string) {
		mu.Lock()
		flushCount++
		mu.Unlock()
	})

	d.add("s1", "msg-1", "a")
	d.add("s1", "msg-2", "b")
	d.flushOne("s1", "msg-1")

	mu.Lock()
	defer mu.Unlock()
	if flushCount != 1 {
		t.Errorf("flushCount = %d, want 1", flushCount)
	}
}

func TestSplitDeltaKey(t *testing.T) {
	sessionID, messageID := splitDeltaKey(deltaKey("sess-a", "msg-7"))
	if sessionID != "sess-a" || messageID != "msg-7" {
		t.Errorf("splitDeltaKey = (%q, %q), want (sess-a, msg-7)", sessionID, messageID)
	}
}

func TestIsOriginAllowed_WildcardSubdomain(t *testing.T) {
	allowed := []string{"https://*.example.com"}
	if !isOriginAllowed("https://app.example.com", allowed) {
		t.Error("expected wildcard subdomain to match")
	}
	if isOriginAllowed("https://evil.com", allowed) {
		t.Error("expected non-matching origin to be rejected")
	}
}

func TestIsOriginAllowed_EmptyOriginAllowed(t *testing.T) {
	if !isOriginAllowed("", []string{"https://example.com"}) {
		t.Error("expected empty Origin header (non-browser client) to be allowed")
	}
}

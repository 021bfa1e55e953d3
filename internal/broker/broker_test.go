package broker

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestSubmitAndResolve_HappyPath(t *testing.T) {
	b := New()
	var captured Request
	b.OnRequest = func(req Request) { captured = req }

	reqID, err := b.Submit("s1", "c1", KindPermission, "Bash", json.RawMessage(`{"command":"open /etc/hosts"}`))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if captured.Description != "open /etc/hosts" {
		t.Errorf("Description = %q, want command value", captured.Description)
	}

	go func() {
		if err := b.Resolve(reqID, "c1", "allow", ""); err != nil {
			t.Errorf("Resolve() error = %v", err)
		}
	}()

	res, err := b.Await(reqID)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Decision != Allow {
		t.Errorf("Decision = %v, want Allow", res.Decision)
	}
}

func TestResolve_UnknownRequestID(t *testing.T) {
	b := New()
	if err := b.Resolve("perm-999-deadbeef", "c1", "allow", ""); err != ErrNotFound {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestResolve_CrossSessionRoutedByRequestID(t *testing.T) {
	// Scenario 2 from spec §8: a permission originates in s1, client is
	// active on s2, and the response must still be honoured because
	// routing is by requestId, never by the client's active session.
	b := New()
	reqID, err := b.Submit("s1", "c1", KindPermission, "Bash", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	go func() { _ = b.Resolve(reqID, "c1", "allow", "") }()

	res, err := b.Await(reqID)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Decision != Allow {
		t.Fatalf("Decision = %v, want Allow even though client is on a different session", res.Decision)
	}
}

func TestResolve_UnknownDecisionCollapsesToDeny(t *testing.T) {
	b := New()
	reqID, _ := b.Submit("s1", "c1", KindPermission, "Bash", json.RawMessage(`{}`))
	go func() { _ = b.Resolve(reqID, "c1", "something-weird", "") }()

	res, err := b.Await(reqID)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Decision != Deny {
		t.Errorf("Decision = %v, want Deny for unrecognised value", res.Decision)
	}
}

func TestResolve_AllowAlwaysIsDistinctFromAllow(t *testing.T) {
	b := New()
	reqID, _ := b.Submit("s1", "c1", KindPermission, "Bash", json.RawMessage(`{}`))
	go func() { _ = b.Resolve(reqID, "c1", "allowAlways", "") }()

	res, err := b.Await(reqID)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Decision != AllowAlways {
		t.Errorf("Decision = %v, want AllowAlways as its own branch", res.Decision)
	}
}

func TestResolve_OnlyOnceWins(t *testing.T) {
	b := New()
	reqID, _ := b.Submit("s1", "c1", KindPermission, "Bash", json.RawMessage(`{}`))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Resolve(reqID, "c1", "allow", "")
		}()
	}
	wg.Wait()

	res, err := b.Await(reqID)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Decision != Allow {
		t.Errorf("Decision = %v, want Allow", res.Decision)
	}

	// After resolution the requestId must be gone from the broker.
	if err := b.Resolve(reqID, "c1", "deny", ""); err != ErrNotFound {
		t.Fatalf("second Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestResolveSession_AutoDeniesOnlyThatSession(t *testing.T) {
	b := New()
	r1, _ := b.Submit("s1", "c1", KindPermission, "Bash", json.RawMessage(`{}`))
	r2, _ := b.Submit("s2", "c1", KindPermission, "Bash", json.RawMessage(`{}`))

	b.ResolveSession("s1")

	res1, _ := b.Await(r1)
	if res1.Decision != Deny {
		t.Errorf("s1 Decision = %v, want Deny", res1.Decision)
	}

	go func() { _ = b.Resolve(r2, "c1", "allow", "") }()
	res2, err := b.Await(r2)
	if err != nil {
		t.Fatalf("Await(r2) error = %v", err)
	}
	if res2.Decision != Allow {
		t.Errorf("s2 Decision = %v, want Allow (untouched by s1's resolution)", res2.Decision)
	}
}

func TestSubmit_CapacityExceeded(t *testing.T) {
	b := New()
	for i := 0; i < MaxPendingPerClient; i++ {
		if _, err := b.Submit("s1", "c1", KindPermission, "Bash", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Submit() #%d error = %v", i, err)
		}
	}
	if _, err := b.Submit("s1", "c1", KindPermission, "Bash", json.RawMessage(`{}`)); err != ErrCapacityExceeded {
		t.Fatalf("Submit() error = %v, want ErrCapacityExceeded", err)
	}
}

func TestDescribe_PriorityOrder(t *testing.T) {
	cases := []struct {
		input json.RawMessage
		want  string
	}{
		{json.RawMessage(`{"description":"d","command":"c"}`), "d"},
		{json.RawMessage(`{"command":"c","file_path":"f"}`), "c"},
		{json.RawMessage(`{"file_path":"f"}`), "f"},
		{json.RawMessage(`{"pattern":"p"}`), "p"},
		{json.RawMessage(`{"query":"q"}`), "q"},
		{json.RawMessage(`{"other":"x"}`), `{"other":"x"}`},
	}
	for _, tc := range cases {
		if got := describe("Bash", tc.input); got != tc.want {
			t.Errorf("describe(%s) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestWatchTimeout_AutoDeniesAfterDeadline(t *testing.T) {
	b := New()
	reqID, _ := b.Submit("s1", "c1", KindPermission, "Bash", json.RawMessage(`{}`))

	// Directly exercise the resolve-on-timeout path without waiting 5
	// minutes: resolve via the same chokepoint a real timeout would use.
	b.mu.Lock()
	p := b.pending[reqID]
	b.mu.Unlock()

	var res Resolution
	done := make(chan struct{})
	go func() {
		res = <-p.result
		close(done)
	}()

	b.resolve(p, Resolution{Decision: Deny, TimedOut: true})
	<-done

	if !res.TimedOut || res.Decision != Deny {
		t.Errorf("res = %+v, want TimedOut Deny", res)
	}

	if _, err := b.Await(reqID); err != ErrNotFound {
		t.Fatalf("Await() after resolution error = %v, want ErrNotFound", err)
	}

	_ = time.Millisecond
}

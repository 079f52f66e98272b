package permission

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBroker(window time.Duration) *Broker {
	return NewBroker(window, nil)
}

func req(session, id, tool string) PendingRequest {
	return PendingRequest{
		SessionID: session,
		RequestID: id,
		ToolName:  tool,
		Source:    SourceProcess,
	}
}

func TestRegisterAndResolve(t *testing.T) {
	b := newTestBroker(time.Minute)
	b.Register(req("s1", "r1", "Bash"))

	if _, ok := b.Lookup("s1", "r1"); !ok {
		t.Fatal("request not pending after Register")
	}
	if !b.Resolve("s1", "r1", Decision{Allow: true, Actor: "tester"}) {
		t.Fatal("first Resolve should consume the request")
	}
	if b.Resolve("s1", "r1", Decision{Allow: false}) {
		t.Fatal("second Resolve should be a no-op")
	}
	if _, ok := b.Lookup("s1", "r1"); ok {
		t.Fatal("request still pending after Resolve")
	}
}

func TestRegisterDropsDuplicates(t *testing.T) {
	b := newTestBroker(time.Minute)
	b.Register(req("s1", "r1", "Bash"))
	b.Register(req("s1", "r1", "Bash")) // same request id

	dup := req("s1", "r2", "Bash")
	dup.ToolUseID = "tu-1"
	b.Register(dup)
	again := req("s1", "r3", "Bash")
	again.ToolUseID = "tu-1" // same live tool use
	b.Register(again)

	if got := len(b.ListPending("s1")); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if _, ok := b.Lookup("s1", "r3"); ok {
		t.Fatal("duplicate tool_use_id registration should be dropped")
	}
}

func TestRegisterIgnoresEmptyIDs(t *testing.T) {
	b := newTestBroker(time.Minute)
	b.Register(req("", "r1", "Bash"))
	b.Register(req("s1", "", "Bash"))
	if got := len(b.ListPending("s1")); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestTimeoutFiresExactlyOnce(t *testing.T) {
	b := newTestBroker(20 * time.Millisecond)
	var fired int32
	got := make(chan TimeoutNotice, 2)
	b.OnTimeout(func(n TimeoutNotice) {
		atomic.AddInt32(&fired, 1)
		got <- n
	})
	b.Register(req("s1", "r1", "Bash"))

	select {
	case n := <-got:
		if n.SessionID != "s1" || n.RequestID != "r1" || n.ToolName != "Bash" {
			t.Fatalf("unexpected notice: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}

	// A late explicit decision loses the race.
	if b.Resolve("s1", "r1", Decision{Allow: true}) {
		t.Fatal("Resolve after timeout should report false")
	}
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("timeout fired %d times, want 1", n)
	}
}

func TestResolveCancelsTimer(t *testing.T) {
	b := newTestBroker(30 * time.Millisecond)
	fired := make(chan struct{}, 1)
	b.OnTimeout(func(TimeoutNotice) { fired <- struct{}{} })
	b.Register(req("s1", "r1", "Bash"))

	if !b.Resolve("s1", "r1", Decision{Allow: false}) {
		t.Fatal("Resolve failed")
	}
	select {
	case <-fired:
		t.Fatal("timeout fired after explicit resolution")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentResolveSingleWinner(t *testing.T) {
	b := newTestBroker(time.Minute)
	b.Register(req("s1", "r1", "Bash"))

	const racers = 16
	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if b.Resolve("s1", "r1", Decision{Allow: true}) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d resolvers won, want exactly 1", wins)
	}
}

func TestListPendingOrder(t *testing.T) {
	b := newTestBroker(time.Minute)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r := req("s1", fmt.Sprintf("r%d", i), "Bash")
		r.CreatedAt = base.Add(time.Duration(5-i) * time.Second) // reverse order
		b.Register(r)
	}
	tie := req("s1", "r9", "Bash")
	tie.CreatedAt = base.Add(5 * time.Second) // same instant as r0
	b.Register(tie)

	got := b.ListPending("s1")
	if len(got) != 6 {
		t.Fatalf("pending = %d, want 6", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.CreatedAt.Before(prev.CreatedAt) {
			t.Fatalf("pending out of order at %d: %s before %s", i, cur.RequestID, prev.RequestID)
		}
		if cur.CreatedAt.Equal(prev.CreatedAt) && cur.RequestID < prev.RequestID {
			t.Fatalf("tie not broken by request id at %d", i)
		}
	}
}

func TestDropSession(t *testing.T) {
	b := newTestBroker(20 * time.Millisecond)
	fired := make(chan struct{}, 4)
	b.OnTimeout(func(TimeoutNotice) { fired <- struct{}{} })
	b.Register(req("s1", "r1", "Bash"))
	b.Register(req("s1", "r2", "Edit"))
	b.Register(req("s2", "r3", "Bash"))

	b.DropSession("s1")
	if got := len(b.ListPending("s1")); got != 0 {
		t.Fatalf("pending after drop = %d, want 0", got)
	}
	if got := len(b.ListPending("s2")); got != 1 {
		t.Fatalf("other session pending = %d, want 1", got)
	}

	// Dropped requests must not fire timeout callbacks; s2's request still
	// expires normally.
	deadline := time.After(time.Second)
	select {
	case <-fired:
	case <-deadline:
		t.Fatal("surviving session's timeout never fired")
	}
	select {
	case <-fired:
		t.Fatal("dropped session fired a timeout")
	case <-time.After(80 * time.Millisecond):
	}
}

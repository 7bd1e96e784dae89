package msgcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLookupReturnsRememberedPayload(t *testing.T) {
	s := New(Options{}).NewScope()
	s.Remember("3EB0A1", []byte("payload"))

	got := s.Lookup("3EB0A1")
	if got.Placeholder {
		t.Fatal("Lookup() returned placeholder for remembered id")
	}
	if string(got.Data) != "payload" {
		t.Errorf("Lookup() = %q, want payload", got.Data)
	}
}

func TestLookupUnknownIsPlaceholderNotNil(t *testing.T) {
	s := New(Options{}).NewScope()

	got := s.Lookup("missing")
	if !got.Placeholder {
		t.Error("Lookup(missing) Placeholder = false, want true")
	}
	if got.Data == nil {
		t.Error("Lookup(missing) Data = nil, want empty non-nil payload")
	}
}

func TestLookupExpired(t *testing.T) {
	s := New(Options{MessageTTL: 20 * time.Millisecond}).NewScope()
	s.Remember("old", []byte("x"))

	time.Sleep(60 * time.Millisecond)

	if got := s.Lookup("old"); !got.Placeholder {
		t.Errorf("Lookup(expired) = %+v, want placeholder", got)
	}
}

func TestWasSentByUsConsumesOnce(t *testing.T) {
	s := New(Options{}).NewScope()
	s.TrackSent("m1")

	if !s.WasSentByUs("m1") {
		t.Fatal("first WasSentByUs(m1) = false, want true")
	}
	if s.WasSentByUs("m1") {
		t.Error("second WasSentByUs(m1) = true, want false (mark consumed)")
	}
	if s.WasSentByUs("never-sent") {
		t.Error("WasSentByUs(never-sent) = true")
	}
}

func TestWasSentByUsExpires(t *testing.T) {
	s := New(Options{SentTTL: 20 * time.Millisecond}).NewScope()
	s.TrackSent("m1")

	time.Sleep(60 * time.Millisecond)

	if s.WasSentByUs("m1") {
		t.Error("WasSentByUs after TTL = true, want false")
	}
}

func TestWasSentByUsAtomicUnderContention(t *testing.T) {
	s := New(Options{}).NewScope()
	s.TrackSent("m1")

	var hits atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.WasSentByUs("m1") {
				hits.Add(1)
			}
		}()
	}
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("WasSentByUs reported true %d times, want exactly 1", hits.Load())
	}
}

func TestScopesAreIsolated(t *testing.T) {
	c := New(Options{})
	a, b := c.NewScope(), c.NewScope()
	if a.ID() == b.ID() {
		t.Fatal("two scopes share an id")
	}

	a.Remember("m1", []byte("a"))
	a.TrackSent("m1")

	if got := b.Lookup("m1"); !got.Placeholder {
		t.Errorf("scope b sees scope a's payload: %q", got.Data)
	}
	if b.WasSentByUs("m1") {
		t.Error("scope b consumed scope a's sent mark")
	}
	if !a.WasSentByUs("m1") {
		t.Error("scope a lost its own sent mark")
	}
}

func TestOtherScopesNeverEvict(t *testing.T) {
	c := New(Options{Size: 100})
	a := c.NewScope()
	a.Remember("A-1", []byte("a"))
	a.TrackSent("A-1")

	for i := 0; i < 40; i++ {
		other := c.NewScope()
		for j := 0; j < 100; j++ {
			id := fmt.Sprintf("B%d-%d", i, j)
			other.Remember(id, []byte("b"))
			other.TrackSent(id)
		}
	}

	if got := a.Lookup("A-1"); got.Placeholder {
		t.Error("payload evicted by other scopes' traffic")
	}
	if !a.WasSentByUs("A-1") {
		t.Error("sent mark evicted by other scopes' traffic")
	}
}

func TestScopeSizeBoundDropsOldest(t *testing.T) {
	s := New(Options{Size: 10}).NewScope()
	for i := 0; i < 11; i++ {
		s.Remember(fmt.Sprintf("m%d", i), []byte("x"))
	}

	if got := s.Lookup("m0"); !got.Placeholder {
		t.Error("oldest payload kept past the size bound")
	}
	for i := 1; i < 11; i++ {
		if got := s.Lookup(fmt.Sprintf("m%d", i)); got.Placeholder {
			t.Errorf("m%d dropped inside the size bound", i)
		}
	}
}

func TestQuotaForgetsExpiredKeys(t *testing.T) {
	q := quota{limit: 2, ttl: 10 * time.Millisecond}
	q.push(key{"s", "old1"})
	q.push(key{"s", "old2"})
	time.Sleep(20 * time.Millisecond)

	if evicted := q.push(key{"s", "new"}); len(evicted) != 0 {
		t.Errorf("push() evicted %v, want nothing once older keys expired", evicted)
	}
}

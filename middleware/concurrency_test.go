package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("wallet-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected all 50 increments to apply under the keyed lock, got %d", counter)
	}
}

func TestKeyedMutexDifferentKeysDoNotBlockEachOther(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("wallet-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("wallet-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a lock on a different key to not block")
	}
}

func TestSemaphoreEnforcesLimit(t *testing.T) {
	s := NewSemaphore(1)
	if !s.Acquire("org-1", time.Second) {
		t.Fatal("expected the first acquire to succeed")
	}
	if s.Acquire("org-1", 20*time.Millisecond) {
		t.Fatal("expected a second acquire over the limit to fail")
	}
	s.Release("org-1")
	if !s.Acquire("org-1", time.Second) {
		t.Fatal("expected acquire to succeed again after release")
	}
}

func TestSemaphoreActiveCountTracksAcquisitions(t *testing.T) {
	s := NewSemaphore(3)
	s.Acquire("org-1", time.Second)
	s.Acquire("org-1", time.Second)
	if got := s.ActiveCount("org-1"); got != 2 {
		t.Fatalf("expected active count of 2, got %d", got)
	}
}

func TestDeduplicatorCollapsesConcurrentIdenticalRequests(t *testing.T) {
	d := NewDeduplicator()
	fp := Fingerprint("key-1", "gpt-4o", "hash-abc")

	entry, isNew := d.TryStart(fp)
	if !isNew {
		t.Fatal("expected the first TryStart to report isNew=true")
	}

	_, isNew2 := d.TryStart(fp)
	if isNew2 {
		t.Fatal("expected a concurrent identical request to join the in-flight entry")
	}

	d.Complete(fp, []byte(`{"ok":true}`), 200, nil)
	entry.Wait()
	resp, code, err := entry.Result()
	if err != nil || code != 200 || string(resp) != `{"ok":true}` {
		t.Fatalf("unexpected result: resp=%s code=%d err=%v", resp, code, err)
	}

	if d.InFlightCount() != 0 {
		t.Fatalf("expected the entry to be removed after completion, got %d in flight", d.InFlightCount())
	}
}

func TestFingerprintIsDeterministicAndKeySpecific(t *testing.T) {
	a := Fingerprint("key-1", "gpt-4o", "hash-abc")
	b := Fingerprint("key-1", "gpt-4o", "hash-abc")
	c := Fingerprint("key-2", "gpt-4o", "hash-abc")

	if a != b {
		t.Fatal("expected identical inputs to fingerprint identically")
	}
	if a == c {
		t.Fatal("expected different API keys to fingerprint differently")
	}
}

func TestAtomicCounterIncAddGetReset(t *testing.T) {
	c := &AtomicCounter{}
	c.Inc()
	c.Add(4)
	if got := c.Get(); got != 5 {
		t.Fatalf("expected counter value of 5, got %d", got)
	}
	if old := c.Reset(); old != 5 {
		t.Fatalf("expected Reset to return the prior value of 5, got %d", old)
	}
	if got := c.Get(); got != 0 {
		t.Fatalf("expected counter to be 0 after reset, got %d", got)
	}
}

func TestConcurrencyGuardRejectsOverLimitRequests(t *testing.T) {
	cg := NewConcurrencyGuard(1, 20*time.Millisecond, zerolog.New(io.Discard))
	release := make(chan struct{})
	blocked := cg.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Alfred-Org-ID", "org-1")
		blocked.ServeHTTP(httptest.NewRecorder(), req)
	}()
	time.Sleep(10 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Alfred-Org-ID", "org-1")
	rw := httptest.NewRecorder()
	blocked.ServeHTTP(rw, req)

	close(release)

	if rw.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the over-limit request to get 429, got %d", rw.Code)
	}
}

func TestGetConcurrencyActiveDefaultsToZero(t *testing.T) {
	if got := GetConcurrencyActive(context.Background()); got != 0 {
		t.Fatalf("expected a default of 0 for a context with no value set, got %d", got)
	}
}

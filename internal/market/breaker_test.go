package market

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &testClock{now: t0}
	b := NewBreaker(3, 30*time.Second, clock.Now)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("call %d should be allowed", i)
		}
		b.Record(errBoom)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed below threshold, got %s", b.State())
	}

	b.Allow()
	b.Record(errBoom)
	if b.State() != BreakerOpen {
		t.Fatalf("expected open at threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Error("open breaker must reject calls")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(2, time.Minute, nil)

	b.Allow()
	b.Record(errBoom)
	b.Allow()
	b.Record(nil)
	b.Allow()
	b.Record(errBoom)

	if b.State() != BreakerClosed {
		t.Errorf("failures separated by a success must not open the breaker, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	clock := &testClock{now: t0}
	b := NewBreaker(1, 10*time.Second, clock.Now)

	b.Allow()
	b.Record(errBoom)
	clock.Advance(10 * time.Second)

	if !b.Allow() {
		t.Fatal("probe should be allowed after cooldown")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("only one probe may run while half-open")
	}

	b.Record(nil)
	if b.State() != BreakerClosed || !b.Allow() {
		t.Error("successful probe should close the breaker")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := &testClock{now: t0}
	b := NewBreaker(1, 10*time.Second, clock.Now)

	b.Allow()
	b.Record(errBoom)
	clock.Advance(11 * time.Second)

	b.Allow()
	b.Record(errBoom)
	if b.State() != BreakerOpen {
		t.Fatalf("failed probe should reopen, got %s", b.State())
	}
	if b.Allow() {
		t.Error("reopened breaker must wait a fresh cooldown")
	}
}

func TestBreaker_AbortReleasesProbe(t *testing.T) {
	clock := &testClock{now: t0}
	b := NewBreaker(1, time.Second, clock.Now)

	b.Allow()
	b.Record(errBoom)
	clock.Advance(2 * time.Second)

	b.Allow()
	b.Abort()
	if !b.Allow() {
		t.Error("aborted probe should let the next call probe")
	}
}

func TestBreaker_Disabled(t *testing.T) {
	var nilBreaker *Breaker
	if !nilBreaker.Allow() {
		t.Error("nil breaker must allow")
	}
	nilBreaker.Record(errBoom)

	b := NewBreaker(0, time.Second, nil)
	for i := 0; i < 10; i++ {
		b.Allow()
		b.Record(errBoom)
	}
	if !b.Allow() {
		t.Error("zero threshold disables the breaker")
	}
}

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncOrder(t *testing.T) {
	c := Fake(epoch)
	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "three") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "one") })
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "five") })

	c.Advance(4 * time.Second)
	if len(fired) != 2 || fired[0] != "one" || fired[1] != "three" {
		t.Fatalf("unexpected firing order: %v", fired)
	}
	if got := c.Now(); !got.Equal(epoch.Add(4 * time.Second)) {
		t.Errorf("clock at %v after advance", got)
	}
	if c.PendingTimers() != 1 {
		t.Errorf("expected one pending timer, got %d", c.PendingTimers())
	}
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	c.Advance(2 * time.Second)
	if called {
		t.Error("stopped timer fired")
	}
}

func TestFakeCallbackSeesDeadline(t *testing.T) {
	c := Fake(epoch)
	var seen time.Time
	c.AfterFunc(2*time.Second, func() {
		seen = c.Now()
		// Rescheduling from inside a callback must not deadlock.
		c.AfterFunc(time.Second, func() {})
	})
	c.Advance(10 * time.Second)
	if !seen.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("callback observed %v", seen)
	}
	if c.PendingTimers() != 0 {
		t.Errorf("nested timer inside window should have fired, %d pending", c.PendingTimers())
	}
}

package timeout

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestTimerExpires(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	tm := New(clk)

	if tm.Poll(clk.now.Add(time.Hour)) {
		t.Fatal("Unarmed timer should not expire")
	}

	tm.Start(time.Second)
	if tm.Poll(clk.now.Add(999 * time.Millisecond)) {
		t.Error("Timer expired early")
	}
	if !tm.Poll(clk.now.Add(time.Second)) {
		t.Error("Timer should expire exactly at its duration")
	}
	// latched: an earlier reading still reports expired
	if !tm.Poll(clk.now) {
		t.Error("Expired timer should keep reporting expired")
	}
	if !tm.Expired() {
		t.Error("Expired() should be true")
	}
}

func TestTimerRearm(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tm := New(clk)
	tm.Start(time.Second)
	tm.Poll(clk.now.Add(2 * time.Second))

	clk.now = clk.now.Add(2 * time.Second)
	tm.Start(time.Second)
	if tm.Expired() {
		t.Error("Start should clear the expired flag")
	}
	if tm.Poll(clk.now.Add(500 * time.Millisecond)) {
		t.Error("Re-armed timer expired early")
	}

	tm.Stop()
	if tm.Armed() || tm.Poll(clk.now.Add(time.Hour)) {
		t.Error("Stopped timer should not expire")
	}
}

func TestNilClockUsesSystem(t *testing.T) {
	tm := New(nil)
	tm.Start(0)
	if !tm.Poll(time.Now()) {
		t.Error("Zero-length timer should expire immediately")
	}
}

func TestTimerStartAt(t *testing.T) {
	clk := &fakeClock{now: time.Unix(5000, 0)}
	tm := New(clk)

	frame := time.Unix(0, 0)
	tm.StartAt(frame, time.Second)
	if tm.Poll(frame.Add(999 * time.Millisecond)) {
		t.Error("Timer expired early")
	}
	if !tm.Poll(frame.Add(time.Second)) {
		t.Error("Timer should expire one second after the arming timestamp")
	}
}

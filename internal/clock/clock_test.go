package clock

import (
	"testing"
	"time"
)

func TestSimulatedClockAdvanceFiresAfter(t *testing.T) {
	start := time.Unix(1000, 0)
	sc := NewSimulatedClock(start)

	ch := sc.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatalf("After fired before time advanced")
	default:
	}

	sc.AdvanceTime(5 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("unexpected fired time: %v", fired)
		}
	default:
		t.Fatalf("After should have fired")
	}
}

func TestSimulatedClockNonPositiveDurationFiresImmediately(t *testing.T) {
	sc := NewSimulatedClock(time.Unix(0, 0))
	ch := sc.After(0)
	select {
	case <-ch:
	default:
		t.Fatalf("expected immediate fire for zero duration")
	}
}

func TestRealClockNowAdvances(t *testing.T) {
	var c RealClock
	a := c.Now()
	time.Sleep(time.Millisecond)
	b := c.Now()
	if !b.After(a) {
		t.Fatalf("expected real clock to advance")
	}
}

// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	fake.Advance(1 * time.Second)
	select {
	case fired := <-ch:
		want := time.Date(2026, 3, 1, 0, 0, 5, 0, time.UTC)
		if !fired.Equal(want) {
			t.Errorf("fired at %v, want %v", fired, want)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ticker := fake.NewTicker(30 * time.Second)
	defer ticker.Stop()

	fake.Advance(30 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	// A multi-interval advance delivers at most one buffered tick;
	// overflow ticks are dropped like time.Ticker.
	fake.Advance(90 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after multi-interval advance")
	}
}

func TestFakeTickerStop(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(10 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
	if got := fake.PendingWaiters(); got != 0 {
		t.Errorf("PendingWaiters = %d after stop, want 0", got)
	}
}

func TestFakeWaitForWaiters(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	done := make(chan struct{})
	go func() {
		fake.Sleep(time.Minute)
		close(done)
	}()

	fake.WaitForWaiters(1)
	fake.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

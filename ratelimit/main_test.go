package ratelimit

import (
	"testing"
	"time"
)

func TestCheck(t *testing.T) {
	window := 30 * time.Second
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no previous dispatch allows", func(t *testing.T) {
		allowed, wait := Check(time.Time{}, base, window)
		if !allowed || wait != 0 {
			t.Fatalf("expected allow, got allowed=%v wait=%v", allowed, wait)
		}
	})

	t.Run("one second before the window denies with wait 1s", func(t *testing.T) {
		allowed, wait := Check(base, base.Add(window-time.Second), window)
		if allowed {
			t.Fatal("expected denial just inside the window")
		}
		if wait != time.Second {
			t.Fatalf("expected 1s wait, got %v", wait)
		}
	})

	t.Run("exactly at the window allows", func(t *testing.T) {
		allowed, _ := Check(base, base.Add(window), window)
		if !allowed {
			t.Fatal("expected allow at window boundary")
		}
	})

	t.Run("after the window allows", func(t *testing.T) {
		allowed, _ := Check(base, base.Add(window+time.Minute), window)
		if !allowed {
			t.Fatal("expected allow past the window")
		}
	})

	t.Run("sub-second remainder rounds up", func(t *testing.T) {
		allowed, wait := Check(base, base.Add(5*time.Second+300*time.Millisecond), window)
		if allowed {
			t.Fatal("expected denial 5.3s in")
		}
		if wait != 25*time.Second {
			t.Fatalf("expected 25s wait, got %v", wait)
		}
	})
}

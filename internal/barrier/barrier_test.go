package barrier

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCoordinator(t *testing.T) {
	ctx := context.Background()

	t.Run("resolve_then_wait_returns_true", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Create("conf_1", SessionReady)
		if !c.Resolve("conf_1", SessionReady) {
			t.Fatal("Resolve returned false for existing barrier")
		}
		if !c.Wait(ctx, "conf_1", SessionReady, time.Second) {
			t.Error("Wait should return true after resolution")
		}
	})

	t.Run("wait_then_resolve", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Create("conf_2", CallerReady)

		done := make(chan bool, 1)
		go func() {
			done <- c.Wait(ctx, "conf_2", CallerReady, 2*time.Second)
		}()
		time.Sleep(20 * time.Millisecond)
		c.Resolve("conf_2", CallerReady)

		select {
		case got := <-done:
			if !got {
				t.Error("Wait should report real resolution")
			}
		case <-time.After(time.Second):
			t.Fatal("Wait did not return after resolution")
		}
	})

	t.Run("fallback_timeout_returns_false", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Create("conf_3", CallerReady)

		start := time.Now()
		if c.Wait(ctx, "conf_3", CallerReady, 50*time.Millisecond) {
			t.Error("Wait should return false on fallback")
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("Wait returned after %v, before the fallback", elapsed)
		}
	})

	t.Run("early_signal_dropped", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		if c.Resolve("conf_4", HumanAnswered) {
			t.Error("Resolve before Create should be dropped")
		}
		// The dropped signal must not pre-resolve a later barrier.
		c.Create("conf_4", HumanAnswered)
		if c.Wait(ctx, "conf_4", HumanAnswered, 50*time.Millisecond) {
			t.Error("barrier resolved by a signal that predated it")
		}
	})

	t.Run("double_resolve_harmless", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Create("conf_5", SessionReady)
		c.Resolve("conf_5", SessionReady)
		c.Resolve("conf_5", SessionReady)
		if !c.Wait(ctx, "conf_5", SessionReady, time.Second) {
			t.Error("Wait after double resolve")
		}
	})

	t.Run("create_is_idempotent", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		b1 := c.Create("conf_6", SessionReady)
		b2 := c.Create("conf_6", SessionReady)
		if b1 != b2 {
			t.Error("second Create returned a different barrier")
		}
	})

	t.Run("context_cancel_unblocks_wait", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Create("conf_7", CallerReady)

		cctx, cancel := context.WithCancel(ctx)
		done := make(chan bool, 1)
		go func() {
			done <- c.Wait(cctx, "conf_7", CallerReady, time.Hour)
		}()
		cancel()
		select {
		case got := <-done:
			if got {
				t.Error("canceled Wait should return false")
			}
		case <-time.After(time.Second):
			t.Fatal("Wait did not return on cancel")
		}
	})

	t.Run("remove_clears_call_barriers", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Create("conf_8", SessionReady)
		c.Remove("conf_8")
		if c.Resolve("conf_8", SessionReady) {
			t.Error("Resolve after Remove should drop the signal")
		}
	})
}

package notify

import (
	"testing"
	"time"
)

func TestNotifyWakesWaiter(t *testing.T) {
	h := NewHub()
	ch := h.Register("corr-1")

	h.Notify("corr-1")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("hint never arrived")
	}
}

func TestNotifyUnknownKeyIsNoop(t *testing.T) {
	h := NewHub()
	// Must not block or panic.
	h.Notify("nobody-waiting")
}

func TestNotifyNeverBlocks(t *testing.T) {
	h := NewHub()
	ch := h.Register("corr-1")

	// Second hint lands on a full buffer and is dropped.
	h.Notify("corr-1")
	h.Notify("corr-1")

	<-ch
	select {
	case <-ch:
		t.Error("expected exactly one buffered hint")
	default:
	}
}

func TestUnregister(t *testing.T) {
	h := NewHub()
	h.Register("corr-1")
	if got := h.WaiterCount(); got != 1 {
		t.Fatalf("WaiterCount = %d, want 1", got)
	}

	h.Unregister("corr-1")
	if got := h.WaiterCount(); got != 0 {
		t.Errorf("WaiterCount = %d, want 0", got)
	}

	// Unregister of a missing key is a no-op.
	h.Unregister("corr-1")
}

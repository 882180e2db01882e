package abort

import (
	"context"
	"testing"
	"time"
)

func TestCancelAbortsRegisteredContext(t *testing.T) {
	c := New()
	ctx, release := c.Register(context.Background(), "conv-1", 0)
	defer release()

	if !c.Cancel("conv-1") {
		t.Fatal("expected Cancel to find the registered turn")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected ctx to be canceled")
	}
}

func TestCancelUnknownKeyReturnsFalse(t *testing.T) {
	c := New()
	if c.Cancel("nope") {
		t.Error("expected Cancel on an unregistered key to return false")
	}
}

func TestReleaseDoesNotClobberNewerRegistration(t *testing.T) {
	c := New()
	_, release1 := c.Register(context.Background(), "conv-1", 0)
	ctx2, release2 := c.Register(context.Background(), "conv-1", 0)
	defer release2()

	// A stale release from an earlier turn on the same key must not remove
	// (or cancel) the newer registration.
	release1()

	if !c.Cancel("conv-1") {
		t.Fatal("expected the newer registration to still be cancellable after a stale release")
	}
	select {
	case <-ctx2.Done():
	case <-time.After(time.Second):
		t.Fatal("expected the newer context to be canceled")
	}
}

func TestRegisterTimeoutExpiresContext(t *testing.T) {
	c := New()
	ctx, release := c.Register(context.Background(), "conv-timeout", 10*time.Millisecond)
	defer release()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected ctx to time out")
	}
}

func TestCancelAfterReleaseIsHarmlessNoop(t *testing.T) {
	c := New()
	_, release := c.Register(context.Background(), "conv-2", 0)
	release()

	if c.Cancel("conv-2") {
		t.Error("expected Cancel after release to report nothing to cancel")
	}
}

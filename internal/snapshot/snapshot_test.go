package snapshot

import (
	"sync"
	"testing"
)

func TestHandlerRegisteredEarlyReadsLatestValues(t *testing.T) {
	holder := New()
	holder.UpdateIdentity(&Identity{UserID: "u0"})
	holder.UpdateContent("old")

	// The handler is built before the updates below, like a subscription
	// callback created at session start.
	handler := func() (string, string) {
		identity, _ := holder.CurrentIdentity()
		return identity.UserID, holder.CurrentContent()
	}

	holder.UpdateIdentity(&Identity{UserID: "u1", Name: "Avery"})
	holder.UpdateContent("Given X When Y Then Z")

	userID, content := handler()
	if userID != "u1" {
		t.Fatalf("expected latest identity u1, got %q", userID)
	}
	if content != "Given X When Y Then Z" {
		t.Fatalf("expected latest content, got %q", content)
	}
}

func TestEmptyIdentityClearsHolder(t *testing.T) {
	holder := New()
	holder.UpdateIdentity(&Identity{UserID: "u1"})
	holder.UpdateIdentity(&Identity{})
	if _, ok := holder.CurrentIdentity(); ok {
		t.Fatal("expected no identity after empty update")
	}
	holder.UpdateIdentity(&Identity{UserID: "u2"})
	holder.UpdateIdentity(nil)
	if _, ok := holder.CurrentIdentity(); ok {
		t.Fatal("expected no identity after nil update")
	}
}

func TestIdentityIsCopiedOnWrite(t *testing.T) {
	holder := New()
	identity := &Identity{UserID: "u1"}
	holder.UpdateIdentity(identity)
	identity.UserID = "mutated"
	got, _ := holder.CurrentIdentity()
	if got.UserID != "u1" {
		t.Fatalf("holder observed caller mutation: %q", got.UserID)
	}
}

func TestSwapContentReturnsPrevious(t *testing.T) {
	holder := New()
	holder.UpdateContent("A")
	if previous := holder.SwapContent("B"); previous != "A" {
		t.Fatalf("expected previous A, got %q", previous)
	}
	if holder.CurrentContent() != "B" {
		t.Fatalf("expected B, got %q", holder.CurrentContent())
	}
}

func TestConcurrentAccess(t *testing.T) {
	holder := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			holder.UpdateContent("x")
			holder.UpdateIdentity(&Identity{UserID: "u"})
		}()
		go func() {
			defer wg.Done()
			_ = holder.CurrentContent()
			_, _ = holder.CurrentIdentity()
		}()
	}
	wg.Wait()
}

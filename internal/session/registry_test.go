package session

import (
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/reelworks/reelgate/internal/domain"
)

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry()
	sess := r.Register(domain.Anonymous("anon-1"), "127.0.0.1:5000")

	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}

	got, err := r.Lookup(sess.ID)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.Identity.PseudoID != "anon-1" {
		t.Errorf("expected pseudo id anon-1, got %q", got.Identity.PseudoID)
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	sess := r.Register(domain.Authenticated("u1", "editor"), "127.0.0.1:5000")

	r.Remove(sess.ID)

	if _, err := r.Lookup(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
	// Removing twice is harmless.
	r.Remove(sess.ID)
}

func TestRegistry_IdentityOf(t *testing.T) {
	r := NewRegistry()
	sess := r.Register(domain.Authenticated("u1", "editor"), "127.0.0.1:5000")

	id, err := r.IdentityOf(sess.ID)
	if err != nil {
		t.Fatalf("IdentityOf failed: %v", err)
	}
	if !id.IsAuthenticated() || id.UserID != "u1" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestRegistry_UniqueIDs(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess := r.Register(domain.Anonymous("a"+strconv.Itoa(i)), "127.0.0.1:5000")
		if seen[sess.ID] {
			t.Fatalf("session id %s reused", sess.ID)
		}
		seen[sess.ID] = true
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			sess := r.Register(domain.Anonymous("anon-"+strconv.Itoa(i)), "127.0.0.1:5000")
			r.Touch(sess.ID)
			r.Remove(sess.ID)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_, _ = r.Lookup("anon-" + strconv.Itoa(i))
			r.Len()
		}
	}()

	wg.Wait()
}

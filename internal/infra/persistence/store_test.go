package persistence

import (
	"context"
	"errors"
	"testing"
)

func TestNilPoolStore(t *testing.T) {
	s := NewStore(nil)
	if s.Pool() != nil {
		t.Fatalf("expected nil pool")
	}
	if err := s.Ping(context.Background()); !errors.Is(err, errNoPool) {
		t.Fatalf("expected errNoPool, got %v", err)
	}
	s.Close()

	var unset *Store
	if unset.Pool() != nil {
		t.Fatalf("expected nil pool from nil store")
	}
	unset.Close()
}

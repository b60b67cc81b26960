package cache

import (
	"testing"
	"time"
)

func TestStore_PutGet(t *testing.T) {
	s := New()
	k := Key{BackendID: "openbao", Namespace: "admin", Path: "secret/metadata"}
	s.Put(k, "doc", 0)

	v, ok := s.Get(k)
	if !ok {
		t.Fatal("expected hit")
	}
	if v != "doc" {
		t.Errorf("value = %v, want doc", v)
	}
}

func TestStore_MissOnOtherNamespace(t *testing.T) {
	s := New()
	s.Put(Key{BackendID: "openbao", Namespace: "a", Path: "p"}, 1, 0)

	if _, ok := s.Get(Key{BackendID: "openbao", Namespace: "b", Path: "p"}); ok {
		t.Error("namespaces must not share entries")
	}
}

func TestStore_LazyExpiry(t *testing.T) {
	s := New()
	clock := time.Now()
	s.now = func() time.Time { return clock }

	k := Key{BackendID: "nomad", Path: "jobs"}
	s.Put(k, "v", time.Minute)

	if _, ok := s.Get(k); !ok {
		t.Fatal("fresh entry should hit")
	}

	clock = clock.Add(2 * time.Minute)
	if _, ok := s.Get(k); ok {
		t.Fatal("expired entry should miss")
	}
	// The expired entry was collected on read.
	if s.Len() != 0 {
		t.Errorf("Len = %d after expired read, want 0", s.Len())
	}
}

func TestStore_Invalidate(t *testing.T) {
	s := New()
	k := Key{BackendID: "consul", Path: "services"}
	s.Put(k, "v", 0)
	s.Invalidate(k)

	if _, ok := s.Get(k); ok {
		t.Error("invalidated entry should miss")
	}
}

func TestStore_InvalidateBackend(t *testing.T) {
	s := New()
	s.Put(Key{BackendID: "nomad", Path: "jobs"}, 1, 0)
	s.Put(Key{BackendID: "nomad", Path: "nodes"}, 2, 0)
	s.Put(Key{BackendID: "consul", Path: "services"}, 3, 0)

	s.InvalidateBackend("nomad")

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if _, ok := s.Get(Key{BackendID: "consul", Path: "services"}); !ok {
		t.Error("other backend's entries must survive")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := New()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			k := Key{BackendID: "b", Path: "p"}
			for j := 0; j < 1000; j++ {
				s.Put(k, n, time.Millisecond)
				s.Get(k)
				s.Invalidate(k)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}

package mtask

import "testing"

func TestRegistryRegisterIsIdempotentByName(t *testing.T) {
	r := NewRegistry()
	fn := func(iter uint64, args, ret []byte) (int, error) { return 0, nil }
	id1 := r.Register("double", fn)
	id2 := r.Register("double", fn)
	if id1 != id2 {
		t.Fatalf("registering the same name twice gave different ids: %d vs %d", id1, id2)
	}
}

func TestRegistryLookupResolvesRegisteredFunc(t *testing.T) {
	r := NewRegistry()
	called := false
	id := r.Register("mark", func(iter uint64, args, ret []byte) (int, error) {
		called = true
		return 0, nil
	})
	fn, ok := r.Lookup(id)
	if !ok {
		t.Fatal("expected lookup to find registered func")
	}
	if _, err := fn(0, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected registered func to run")
	}
}

func TestRegistryLookupMissReportsFalse(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup(999); ok {
		t.Fatal("expected lookup miss for unregistered id")
	}
}

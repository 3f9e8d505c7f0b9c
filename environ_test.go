package fcgisrv

import "testing"

func TestEnvironPreservesInsertionOrder(t *testing.T) {
	e := newEnviron()
	e.set("ZEBRA", "1")
	e.set("APPLE", "2")
	e.set("MANGO", "3")

	if got := e.order; len(got) != 3 || got[0] != "ZEBRA" || got[1] != "APPLE" || got[2] != "MANGO" {
		t.Fatalf("order = %v, want [ZEBRA APPLE MANGO]", got)
	}
}

func TestEnvironSetOverwritesWithoutReordering(t *testing.T) {
	e := newEnviron()
	e.set("A", "1")
	e.set("B", "2")
	e.set("A", "overwritten")

	v, ok := e.lookup("A")
	if !ok || v != "overwritten" {
		t.Fatalf("lookup(A) = (%q, %v), want (overwritten, true)", v, ok)
	}
	if len(e.order) != 2 || e.order[0] != "A" || e.order[1] != "B" {
		t.Fatalf("order = %v, want [A B] (no reordering on overwrite)", e.order)
	}
}

func TestEnvironLookupMissingKey(t *testing.T) {
	e := newEnviron()
	_, ok := e.lookup("MISSING")
	if ok {
		t.Fatal("lookup of an absent key should report ok=false")
	}
}

func TestEnvironClearResetsStateAndAllowsReuse(t *testing.T) {
	e := newEnviron()
	e.set("A", "1")
	e.set("B", "2")
	e.clear()

	if len(e.order) != 0 {
		t.Fatalf("order should be empty after clear, got %v", e.order)
	}
	if _, ok := e.lookup("A"); ok {
		t.Fatal("lookup should fail for a key cleared from the map")
	}
	e.set("C", "3")
	if len(e.order) != 1 || e.order[0] != "C" {
		t.Fatalf("environ should be reusable after clear, got order=%v", e.order)
	}
}

package labels

import "testing"

func TestAllReturnsDeclarationOrder(t *testing.T) {
	got := All()
	if len(got) != Count() {
		t.Fatalf("expected %d labels, got %d", Count(), len(got))
	}
	if got[0] != "Cat" || got[4] != "Butterfly" || got[11] != "Strawberry" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestAllReturnsCopy(t *testing.T) {
	got := All()
	got[0] = "Tiger"
	if Name(0) != "Cat" {
		t.Fatalf("label set was mutated through All: %s", Name(0))
	}
}

func TestNameOutOfRange(t *testing.T) {
	if Name(-1) != "" || Name(Count()) != "" {
		t.Fatal("expected empty name for out of range index")
	}
}

package orchestrator

import "testing"

func TestTransitionToLegal(t *testing.T) {
	r := &Registration{State: StateProposed}
	if err := r.transitionTo(StateActive); err != nil {
		t.Fatalf("proposed->active should be legal: %v", err)
	}
	if err := r.transitionTo(StateDraining); err != nil {
		t.Fatalf("active->draining should be legal: %v", err)
	}
	if err := r.transitionTo(StateRetired); err != nil {
		t.Fatalf("draining->retired should be legal: %v", err)
	}
}

func TestTransitionToIllegal(t *testing.T) {
	r := &Registration{State: StateProposed}
	if err := r.transitionTo(StateRetired); err == nil {
		t.Fatal("proposed->retired should be illegal")
	}
	if err := r.transitionTo(StateDraining); err == nil {
		t.Fatal("proposed->draining should be illegal")
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	r := newRegistry()
	r.put(&Registration{GameID: "zeta"})
	r.put(&Registration{GameID: "alpha"})
	snap := r.snapshot()
	if len(snap) != 2 || snap[0].GameID != "alpha" || snap[1].GameID != "zeta" {
		t.Fatalf("expected sorted snapshot, got %+v", snap)
	}
}

package canonical

import (
	"encoding/json"
	"math"
	"testing"
)

func TestCanonicalizeKeyOrdering(t *testing.T) {
	v := map[string]any{"b": 1, "a": 2, "c": 3}
	b, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestCanonicalizeFloatRounding(t *testing.T) {
	v := map[string]any{"x": 1.0}
	b, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"x":1.00000000}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestCanonicalizeNegativeZero(t *testing.T) {
	got := FormatFloat8(math.Copysign(0, -1))
	if got != "0.00000000" {
		t.Fatalf("negative zero not normalized, got %s", got)
	}
}

func TestCanonicalizeRejectsNonFinite(t *testing.T) {
	if _, err := Canonicalize(math.NaN()); err == nil {
		t.Fatal("expected error for NaN")
	}
	if _, err := Canonicalize(math.Inf(1)); err == nil {
		t.Fatal("expected error for +Inf")
	}
}

func TestCanonicalizeRejectsCycle(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	if _, err := Canonicalize(m); err == nil {
		t.Fatal("expected error for cyclic map")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	v := map[string]any{"realm": "alpha", "lineage": int64(3)}
	f1, err := Fingerprint(v)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	f2, err := Fingerprint(v)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if f1 != f2 {
		t.Fatal("fingerprint not deterministic")
	}
}

func TestCanonicalizeRoundTrip(t *testing.T) {
	v := map[string]any{
		"realm":     "alpha",
		"adjacency": []any{"x", "y"},
		"lineage":   int64(3),
	}
	b, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal canonical bytes: %v", err)
	}
	if back["realm"] != "alpha" {
		t.Fatalf("round-trip mismatch: %v", back)
	}
}

package id

import (
	"strings"
	"testing"
)

func TestPrefixedIdentifiers(t *testing.T) {
	cases := map[string]func() string{
		"session-": NewSessionID,
		"run-":     NewRunID,
		"batch-":   NewBatchID,
	}
	for prefix, gen := range cases {
		a, b := gen(), gen()
		if !strings.HasPrefix(a, prefix) {
			t.Fatalf("expected %q prefix, got %q", prefix, a)
		}
		if a == b {
			t.Fatalf("expected unique identifiers, got %q twice", a)
		}
	}
}

func TestUUIDv7Strategy(t *testing.T) {
	SetStrategy(StrategyUUIDv7)
	t.Cleanup(func() { SetStrategy(StrategyKSUID) })

	got := NewRunID()
	body := strings.TrimPrefix(got, "run-")
	if len(body) != 36 || body[14] != '7' {
		t.Fatalf("expected uuid v7 body, got %q", got)
	}
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"":        StrategyKSUID,
		"ksuid":   StrategyKSUID,
		" UUIDv7": StrategyUUIDv7,
		"uuid":    StrategyUUIDv7,
	}
	for name, want := range cases {
		got, err := ParseStrategy(name)
		if err != nil {
			t.Fatalf("ParseStrategy(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("ParseStrategy(%q) = %s, want %s", name, got, want)
		}
	}
	if _, err := ParseStrategy("snowflake"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

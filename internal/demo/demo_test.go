package demo

import (
	"context"
	"testing"

	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/worker"
)

func TestScenario(t *testing.T) {
	want := []string{"STRING ONE1", "STRING TWO1", "STRING ONE2", "STRING TWO2"}

	for _, def := range []*worker.Definition[string, string]{Upper, UpperAsync} {
		t.Run(def.Locator(), func(t *testing.T) {
			got, err := Scenario(context.Background(), def)
			if err != nil {
				t.Fatalf("Scenario: %v", err)
			}
			if len(got) != len(want) {
				t.Fatalf("got %d results, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("result[%d] = %q, want %q", i, got[i], want[i])
				}
			}
		})
	}
}

func TestRegistered(t *testing.T) {
	for _, locator := range []string{LocatorUpper, LocatorUpperAsync} {
		if _, err := entrypoint.Lookup(locator); err != nil {
			t.Errorf("Lookup(%q): %v", locator, err)
		}
	}
}

func TestUpperCounterScopedToContext(t *testing.T) {
	first := UpperCounter()
	second := UpperCounter()
	ctx := context.Background()

	if got, _ := first(ctx, "a"); got != "A1" {
		t.Errorf("first call = %q, want A1", got)
	}
	if got, _ := first(ctx, "a"); got != "A2" {
		t.Errorf("second call = %q, want A2", got)
	}
	if got, _ := second(ctx, "a"); got != "A1" {
		t.Errorf("fresh context = %q, want A1", got)
	}
}

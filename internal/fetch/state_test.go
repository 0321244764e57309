package fetch

import (
	"errors"
	"testing"
)

func TestNext(t *testing.T) {
	fail := FailedWith(errors.New("boom"))
	ok := Succeeded([]byte("x"), "image/png")

	tests := []struct {
		name string
		from State
		out  Outcome
		want State
	}{
		{"raw fails", State{RawIntercept, Pending}, fail, State{RenderedPage, Pending}},
		{"rendered fails", State{RenderedPage, Pending}, fail, State{SolveAndRetry, Pending}},
		{"solve fails", State{SolveAndRetry, Pending}, fail, State{GenericFallback, Pending}},
		{"fallback fails", State{GenericFallback, Pending}, fail, State{GenericFallback, Failed}},
		{"raw succeeds", State{RawIntercept, Pending}, ok, State{RawIntercept, Success}},
		{"solve succeeds", State{SolveAndRetry, Pending}, ok, State{SolveAndRetry, Success}},
		{"pending is a no-op", State{RenderedPage, Pending}, Outcome{}, State{RenderedPage, Pending}},
		{"success is terminal", State{RawIntercept, Success}, fail, State{RawIntercept, Success}},
		{"failure is terminal", State{GenericFallback, Failed}, ok, State{GenericFallback, Failed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Next(tt.from, tt.out); got != tt.want {
				t.Errorf("Next(%+v, %v) = %+v, want %+v", tt.from, tt.out.Kind, got, tt.want)
			}
		})
	}
}

func TestNextNeverRegresses(t *testing.T) {
	outcomes := []Outcome{FailedWith(errors.New("x")), Succeeded(nil, ""), {}}
	for s := RawIntercept; s <= GenericFallback; s++ {
		for _, o := range outcomes {
			if got := Next(State{s, Pending}, o); got.Strategy < s {
				t.Errorf("Next from %v regressed to %v", s, got.Strategy)
			}
		}
	}
}

func TestEscalationVisitsEachStrategyOnce(t *testing.T) {
	var seen []Strategy
	state := State{RawIntercept, Pending}
	for !state.Terminal() {
		seen = append(seen, state.Strategy)
		state = Next(state, FailedWith(errors.New("x")))
	}
	want := []Strategy{RawIntercept, RenderedPage, SolveAndRetry, GenericFallback}
	if len(seen) != len(want) {
		t.Fatalf("Expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("step %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestStrategyString(t *testing.T) {
	names := map[Strategy]string{
		RawIntercept:    "raw_intercept",
		RenderedPage:    "rendered_page",
		SolveAndRetry:   "solve_and_retry",
		GenericFallback: "generic_fallback",
		Strategy(42):    "unknown",
	}
	for s, want := range names {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

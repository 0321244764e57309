package fetch

// Strategy is one way of obtaining a resource. Strategies are tried in
// declaration order.
type Strategy int

// Strategies in escalation order.
const (
	RawIntercept Strategy = iota
	RenderedPage
	SolveAndRetry
	GenericFallback
)

func (s Strategy) String() string {
	switch s {
	case RawIntercept:
		return "raw_intercept"
	case RenderedPage:
		return "rendered_page"
	case SolveAndRetry:
		return "solve_and_retry"
	case GenericFallback:
		return "generic_fallback"
	}
	return "unknown"
}

// OutcomeKind is the result of running a strategy.
type OutcomeKind int

// Outcome kinds.
const (
	Pending OutcomeKind = iota
	Success
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failed:
		return "failed"
	}
	return "pending"
}

// Outcome carries what a strategy produced.
type Outcome struct {
	Kind        OutcomeKind
	Bytes       []byte
	ContentType string
	// Painted is set when the surface rendered the resource and reported
	// its natural size.
	Painted bool
	Err     error
}

// Succeeded returns a Success outcome.
func Succeeded(data []byte, contentType string) Outcome {
	return Outcome{Kind: Success, Bytes: data, ContentType: contentType}
}

// FailedWith returns a Failed outcome.
func FailedWith(err error) Outcome {
	return Outcome{Kind: Failed, Err: err}
}

// State is the live attempt for one resource.
type State struct {
	Strategy Strategy
	Outcome  OutcomeKind
}

// Terminal reports whether no further strategy will run.
func (s State) Terminal() bool {
	return s.Outcome == Success || (s.Outcome == Failed && s.Strategy == GenericFallback)
}

// Next is the single transition function. A success is terminal; a failure
// moves to the following strategy, or is terminal after GenericFallback.
// Pending and terminal states are returned unchanged.
func Next(s State, o Outcome) State {
	if s.Terminal() {
		return s
	}
	switch o.Kind {
	case Success:
		return State{Strategy: s.Strategy, Outcome: Success}
	case Failed:
		if s.Strategy >= GenericFallback {
			return State{Strategy: GenericFallback, Outcome: Failed}
		}
		return State{Strategy: s.Strategy + 1, Outcome: Pending}
	}
	return s
}

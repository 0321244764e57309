// Package challenge drives a rendering surface through a Turnstile-style
// challenge page and returns the completion token it produces.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/imagegate/internal/metrics"
	"github.com/Rorqualx/imagegate/internal/security"
	"github.com/Rorqualx/imagegate/internal/selectors"
	"github.com/Rorqualx/imagegate/internal/surface"
	"github.com/Rorqualx/imagegate/internal/types"
)

// Token limits.
const maxTokenLength = 4096

// Challenge is a single solve request. It lives until the token is
// delivered or Timeout expires.
type Challenge struct {
	TaskID         string
	TargetURL      string
	ObserverScript string
	Timeout        time.Duration
}

// Solution is a successful solve.
type Solution struct {
	TaskID   string
	URL      string
	Token    string
	Cookies  []*http.Cookie
	Duration time.Duration
}

// Options configure a Solver.
type Options struct {
	Timeout         time.Duration
	TriggerInterval time.Duration
	// Selectors supplies the current patterns; nil uses the embedded set.
	Selectors func() *selectors.Selectors
}

type task struct {
	id   string
	done chan string
}

// Solver runs one challenge at a time on a surface. Solve is not meant to be
// called concurrently; a second call while a task is pending fails with a
// load failure wrapping ErrSurfaceBusy.
type Solver struct {
	surface surface.Surface
	opts    Options

	mu      sync.Mutex
	pending *task
	unbind  func()

	closeOnce sync.Once
	closeErr  error
}

// New creates a Solver on s.
func New(s surface.Surface, opts Options) *Solver {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.TriggerInterval <= 0 {
		opts.TriggerInterval = 500 * time.Millisecond
	}
	if opts.Selectors == nil {
		opts.Selectors = selectors.Get
	}
	return &Solver{surface: s, opts: opts}
}

// Timeout returns the per-solve timeout.
func (s *Solver) Timeout() time.Duration {
	return s.opts.Timeout
}

// Solve loads targetURL with images disabled, injects the observer and waits
// for a token. Every returned error is a *types.ChallengeError. On failure
// the surface is stopped and its cache and history cleared.
func (s *Solver) Solve(ctx context.Context, targetURL string) (*Solution, error) {
	start := time.Now()
	solveCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	release, err := s.surface.Acquire(solveCtx)
	if err != nil {
		return nil, s.record(start, classify(solveCtx, targetURL, err))
	}
	defer release()

	t, err := s.begin()
	if err != nil {
		return nil, s.record(start, types.NewChallengeLoadError(targetURL, err))
	}
	defer s.finish(t)

	sel := s.opts.Selectors()
	ch := Challenge{
		TaskID:         t.id,
		TargetURL:      targetURL,
		ObserverScript: observerScript(t.id, sel.TokenField, sel.WidgetSelectors, s.opts.TriggerInterval),
		Timeout:        s.opts.Timeout,
	}

	log.Info().
		Str("task_id", ch.TaskID).
		Str("url", security.RedactURL(targetURL)).
		Dur("timeout", ch.Timeout).
		Msg("Starting challenge solve")

	if err := s.surface.SetImagesEnabled(false); err != nil {
		log.Warn().Err(err).Msg("Failed to disable images")
	}
	defer func() {
		if err := s.surface.SetImagesEnabled(true); err != nil {
			log.Debug().Err(err).Msg("Failed to re-enable images")
		}
	}()

	remove, err := s.surface.AddScript(ch.ObserverScript)
	if err != nil {
		s.reset()
		return nil, s.record(start, types.NewChallengeLoadError(targetURL, err))
	}
	defer remove()

	if err := s.surface.Navigate(solveCtx, targetURL); err != nil {
		s.reset()
		return nil, s.record(start, classify(solveCtx, targetURL, err))
	}

	// The document may have been created before the script was registered.
	if _, err := s.surface.Eval(solveCtx, ch.ObserverScript); err != nil {
		log.Debug().Err(err).Msg("Observer re-injection failed")
	}

	var token string
	select {
	case token = <-t.done:
	case <-solveCtx.Done():
		s.reset()
		return nil, s.record(start, classify(solveCtx, targetURL, solveCtx.Err()))
	}

	if reason := validateToken(token); reason != "" {
		s.reset()
		return nil, s.record(start, types.NewInvalidTokenError(targetURL, reason))
	}

	cookies, err := s.surface.Cookies(solveCtx, targetURL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read cookies after solve")
	}

	sol := &Solution{
		TaskID:   t.id,
		URL:      targetURL,
		Token:    token,
		Cookies:  cookies,
		Duration: time.Since(start),
	}
	metrics.RecordSolve("success", sol.Duration)

	log.Info().
		Str("task_id", t.id).
		Int("cookies", len(cookies)).
		Dur("duration", sol.Duration).
		Msg("Challenge solved")
	return sol, nil
}

// begin registers a new pending task, binding the callback on first use.
func (s *Solver) begin() (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return nil, types.ErrSurfaceBusy
	}
	if s.unbind == nil {
		unbind, err := s.surface.Bind(BindingName, s.deliver)
		if err != nil {
			return nil, err
		}
		s.unbind = unbind
	}
	s.pending = &task{id: uuid.NewString(), done: make(chan string, 1)}
	return s.pending, nil
}

// finish releases t if it is still the pending task.
func (s *Solver) finish(t *task) {
	s.mu.Lock()
	if s.pending == t {
		s.pending = nil
	}
	s.mu.Unlock()
}

// deliver resolves the pending task named in payload. Reports for other or
// expired tasks are dropped.
func (s *Solver) deliver(payload string) {
	var r tokenReport
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		log.Debug().Err(err).Msg("Ignoring malformed token report")
		return
	}

	s.mu.Lock()
	t := s.pending
	s.mu.Unlock()

	if t == nil || t.id != r.ID {
		log.Debug().Str("task_id", r.ID).Msg("Ignoring token for inactive task")
		return
	}
	select {
	case t.done <- r.Token:
	default:
	}
}

// reset stops pending surface work and clears cache and history.
func (s *Solver) reset() {
	if err := s.surface.Stop(); err != nil {
		log.Debug().Err(err).Msg("Surface stop failed")
	}
	if err := s.surface.Clear(); err != nil {
		log.Debug().Err(err).Msg("Surface clear failed")
	}
}

func (s *Solver) record(start time.Time, err *types.ChallengeError) error {
	metrics.RecordSolve(string(err.Kind), time.Since(start))
	log.Warn().
		Str("kind", string(err.Kind)).
		Str("url", security.RedactURL(err.URL)).
		Dur("elapsed", time.Since(start)).
		Msg("Challenge solve failed")
	return err
}

// Close stops and clears the surface and releases it. Only the first call
// has any effect.
func (s *Solver) Close() error {
	s.closeOnce.Do(func() {
		s.reset()
		s.mu.Lock()
		if s.unbind != nil {
			s.unbind()
			s.unbind = nil
		}
		s.mu.Unlock()
		s.closeErr = s.surface.Close()
		log.Info().Msg("Challenge solver closed")
	})
	return s.closeErr
}

// classify maps a failure during a solve to a ChallengeError. Expiry of the
// solve deadline is a timeout; everything else is a load failure.
func classify(solveCtx context.Context, url string, err error) *types.ChallengeError {
	if errors.Is(solveCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewChallengeTimeoutError(url)
	}
	return types.NewChallengeLoadError(url, err)
}

// validateToken returns a reason the token is unusable, or "".
func validateToken(token string) string {
	if token == "" {
		return "empty token"
	}
	if len(token) > maxTokenLength {
		return "token too long"
	}
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "token contains whitespace or control characters"
		}
	}
	return ""
}

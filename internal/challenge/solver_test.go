package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/imagegate/internal/surface/surfacetest"
	"github.com/Rorqualx/imagegate/internal/types"
)

var taskIDPattern = regexp.MustCompile(`const taskId = "([^"]+)"`)

// currentTaskID pulls the task id out of the registered observer script.
func currentTaskID(t *testing.T, f *surfacetest.Fake) string {
	t.Helper()
	for _, s := range f.Scripts() {
		if m := taskIDPattern.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	t.Fatal("no observer script registered")
	return ""
}

func report(id, token string) string {
	b, _ := json.Marshal(tokenReport{ID: id, Token: token})
	return string(b)
}

func TestSolveSuccess(t *testing.T) {
	f := surfacetest.New()
	f.OnNavigate = func(f *surfacetest.Fake, url string) error {
		if f.Stats().ImagesEnabled {
			t.Error("Expected images disabled during navigation")
		}
		_ = f.SetCookies(context.Background(), url, []*http.Cookie{{Name: "cf_clearance", Value: "abc"}})
		go f.Emit(BindingName, report(currentTaskID(t, f), "0.tok-en_123"))
		return nil
	}

	s := New(f, Options{Timeout: 2 * time.Second})
	sol, err := s.Solve(context.Background(), "https://godamanga.online/")
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if sol.Token != "0.tok-en_123" {
		t.Errorf("Expected token, got %q", sol.Token)
	}
	if len(sol.Cookies) != 1 || sol.Cookies[0].Name != "cf_clearance" || sol.Cookies[0].Value != "abc" {
		t.Errorf("Expected cf_clearance cookie, got %v", sol.Cookies)
	}
	if sol.TaskID == "" {
		t.Error("Expected task id")
	}

	st := f.Stats()
	if !st.ImagesEnabled {
		t.Error("Expected images re-enabled after solve")
	}
	if len(f.Scripts()) != 0 {
		t.Error("Expected observer script removed after solve")
	}
	if st.Clears != 0 {
		t.Errorf("Expected no clear on success, got %d", st.Clears)
	}
	if len(st.Navigations) != 1 || st.Navigations[0] != "https://godamanga.online/" {
		t.Errorf("Unexpected navigations: %v", st.Navigations)
	}
}

func TestSolveTimeout(t *testing.T) {
	f := surfacetest.New()
	timeout := 150 * time.Millisecond
	s := New(f, Options{Timeout: timeout})

	start := time.Now()
	_, err := s.Solve(context.Background(), "https://godamanga.online/")
	elapsed := time.Since(start)

	if !errors.Is(err, types.ErrChallengeTimeout) {
		t.Fatalf("Expected ErrChallengeTimeout, got %v", err)
	}
	var ce *types.ChallengeError
	if !errors.As(err, &ce) || ce.Kind != types.ChallengeTimeout {
		t.Errorf("Expected ChallengeError of kind timeout, got %#v", err)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("Solve took %v, expected close to %v", elapsed, timeout)
	}

	st := f.Stats()
	if st.Stops == 0 || st.Clears == 0 {
		t.Errorf("Expected surface stopped and cleared on timeout, got stops=%d clears=%d", st.Stops, st.Clears)
	}
}

func TestSolveLoadFailure(t *testing.T) {
	f := surfacetest.New()
	f.OnNavigate = func(*surfacetest.Fake, string) error {
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	s := New(f, Options{Timeout: time.Second})

	_, err := s.Solve(context.Background(), "https://nowhere.invalid/")
	if !errors.Is(err, types.ErrChallengeLoadFailure) {
		t.Fatalf("Expected ErrChallengeLoadFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "ERR_NAME_NOT_RESOLVED") {
		t.Errorf("Expected cause in message, got %q", err.Error())
	}
	if st := f.Stats(); st.Stops != 1 || st.Clears != 1 {
		t.Errorf("Expected one stop and clear, got stops=%d clears=%d", st.Stops, st.Clears)
	}
}

func TestSolveInvalidToken(t *testing.T) {
	f := surfacetest.New()
	f.OnNavigate = func(f *surfacetest.Fake, _ string) error {
		f.Emit(BindingName, report(currentTaskID(t, f), "bad token\n"))
		return nil
	}
	s := New(f, Options{Timeout: time.Second})

	_, err := s.Solve(context.Background(), "https://godamanga.online/")
	if !errors.Is(err, types.ErrInvalidToken) {
		t.Fatalf("Expected ErrInvalidToken, got %v", err)
	}
	if f.Stats().Clears != 1 {
		t.Error("Expected surface cleared after invalid token")
	}
}

func TestSolveIgnoresForeignTask(t *testing.T) {
	f := surfacetest.New()
	f.OnNavigate = func(f *surfacetest.Fake, _ string) error {
		f.Emit(BindingName, report("stale-task", "wrong"))
		f.Emit(BindingName, "not json")
		f.Emit(BindingName, report(currentTaskID(t, f), "right"))
		return nil
	}
	s := New(f, Options{Timeout: time.Second})

	sol, err := s.Solve(context.Background(), "https://godamanga.online/")
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if sol.Token != "right" {
		t.Errorf("Expected token from the active task, got %q", sol.Token)
	}
}

func TestSolveCancellationReleasesTask(t *testing.T) {
	f := surfacetest.New()
	s := New(f, Options{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := s.Solve(ctx, "https://godamanga.online/")
	if err == nil {
		t.Fatal("Expected error after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation cause, got %v", err)
	}

	// A following solve must not see a stale pending task.
	f.OnNavigate = func(f *surfacetest.Fake, _ string) error {
		f.Emit(BindingName, report(currentTaskID(t, f), "next"))
		return nil
	}
	sol, err := s.Solve(context.Background(), "https://godamanga.online/")
	if err != nil {
		t.Fatalf("second Solve() error = %v", err)
	}
	if sol.Token != "next" {
		t.Errorf("Expected token next, got %q", sol.Token)
	}
}

func TestSolveLateTokenDropped(t *testing.T) {
	f := surfacetest.New()
	var firstID string
	f.OnNavigate = func(f *surfacetest.Fake, _ string) error {
		firstID = currentTaskID(t, f)
		return nil
	}
	s := New(f, Options{Timeout: 50 * time.Millisecond})
	if _, err := s.Solve(context.Background(), "https://a.example/"); !errors.Is(err, types.ErrChallengeTimeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}

	// The token for the expired task arrives after its deadline.
	f.OnNavigate = func(f *surfacetest.Fake, _ string) error {
		f.Emit(BindingName, report(firstID, "late"))
		return nil
	}
	_, err := s.Solve(context.Background(), "https://a.example/")
	if !errors.Is(err, types.ErrChallengeTimeout) {
		t.Errorf("Expected late token for an old task to be ignored, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := surfacetest.New()
	s := New(f, Options{Timeout: time.Second})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	st := f.Stats()
	if !st.Closed || st.Stops != 1 || st.Clears != 1 {
		t.Errorf("Expected one stop/clear and a closed surface, got %+v", st)
	}

	_, err := s.Solve(context.Background(), "https://godamanga.online/")
	if !errors.Is(err, types.ErrChallengeLoadFailure) || !errors.Is(err, types.ErrSurfaceClosed) {
		t.Errorf("Expected load failure wrapping ErrSurfaceClosed, got %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	tests := []struct {
		token string
		ok    bool
	}{
		{"0.AbC-_.123", true},
		{"", false},
		{"has space", false},
		{"tab\there", false},
		{strings.Repeat("a", maxTokenLength), true},
		{strings.Repeat("a", maxTokenLength+1), false},
	}
	for _, tt := range tests {
		if got := validateToken(tt.token) == ""; got != tt.ok {
			t.Errorf("validateToken(%q) ok = %v, want %v", tt.token, got, tt.ok)
		}
	}
}

func TestObserverScript(t *testing.T) {
	js := observerScript("task-1", `[name="cf-turnstile-response"]`, []string{"[data-hcaptcha-widget-id]"}, 500*time.Millisecond)

	for _, want := range []string{
		`const taskId = "task-1"`,
		`"[name=\"cf-turnstile-response\"]"`,
		`["[data-hcaptcha-widget-id]"]`,
		`window["onTokenReceived"]`,
		"MutationObserver",
		"}, 500);",
	} {
		if !strings.Contains(js, want) {
			t.Errorf("observer script missing %q", want)
		}
	}
	for _, placeholder := range []string{"__TASK_ID__", "__FIELD__", "__WIDGETS__", "__BINDING__", "__INTERVAL__"} {
		if strings.Contains(js, placeholder) {
			t.Errorf("observer script has unreplaced placeholder %s", placeholder)
		}
	}
}

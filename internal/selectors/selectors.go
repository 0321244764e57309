// Package selectors provides challenge detection pattern loading and management.
package selectors

import (
	"embed"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

//go:embed selectors.yaml
var defaultSelectorsFS embed.FS

// Selectors contains the patterns used to recognise a challenge page and to
// drive its widget.
type Selectors struct {
	ChallengeTitles    []string `yaml:"challenge_titles"`
	ChallengeSelectors []string `yaml:"challenge_selectors"`
	BodyMarkers        []string `yaml:"body_markers"`
	TokenField         string   `yaml:"token_field"`
	WidgetSelectors    []string `yaml:"widget_selectors"`
}

var (
	instance *Selectors
	once     sync.Once
)

// Get returns the embedded Selectors, parsed once.
func Get() *Selectors {
	once.Do(func() {
		data, err := defaultSelectorsFS.ReadFile("selectors.yaml")
		if err == nil {
			instance, err = parseAndValidate(data)
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to load embedded selectors, using defaults")
			instance = defaultSelectors()
		}
	})
	return instance
}

// HasMarker reports whether body contains any body marker, case-insensitively.
func (s *Selectors) HasMarker(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range s.BodyMarkers {
		if m != "" && strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsChallengeTitle reports whether title matches a challenge title.
func (s *Selectors) IsChallengeTitle(title string) bool {
	lower := strings.ToLower(strings.TrimSpace(title))
	if lower == "" {
		return false
	}
	for _, t := range s.ChallengeTitles {
		if t != "" && strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func defaultSelectors() *Selectors {
	return &Selectors{
		ChallengeTitles:    []string{"just a moment", "attention required"},
		ChallengeSelectors: []string{"#challenge-running", ".cf-browser-verification", "#cf-please-wait"},
		BodyMarkers:        []string{"cf-turnstile", "__cf_chl_opt"},
		TokenField:         `[name="cf-turnstile-response"]`,
		WidgetSelectors:    []string{"[data-hcaptcha-widget-id]", ".cf-turnstile"},
	}
}

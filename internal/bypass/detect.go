package bypass

import (
	"regexp"
	"strings"
)

// maxBodyLenForRegex limits how much of a body the patterns scan.
const maxBodyLenForRegex = 100 * 1024

// Category is the broad kind of a block signal.
type Category string

// Block categories.
const (
	CategoryNone         Category = ""
	CategoryChallenge    Category = "challenge"
	CategoryAccessDenied Category = "access_denied"
	CategoryRateLimit    Category = "rate_limit"
	CategoryGeoBlocked   Category = "geo_blocked"
)

// Signal describes why a response looks blocked.
type Signal struct {
	Code        string
	Category    Category
	Description string
}

// Solvable reports whether a challenge solve can clear the block.
func (s Signal) Solvable() bool {
	return s.Category == CategoryChallenge || s.Category == CategoryAccessDenied
}

type pattern struct {
	re     *regexp.Regexp
	signal Signal
}

// patterns are ordered by specificity. [^<]{0,N} keeps matches inside one
// text node.
var patterns = []pattern{
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1015`), Signal{"CF_1015", CategoryRateLimit, "Cloudflare rate limit exceeded"}},
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1020`), Signal{"CF_1020", CategoryAccessDenied, "Cloudflare access denied"}},
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1009`), Signal{"CF_1009", CategoryGeoBlocked, "Cloudflare geo-restriction"}},
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}10(06|07|08|10|12)`), Signal{"CF_10XX", CategoryAccessDenied, "Cloudflare access denied"}},
	{regexp.MustCompile(`(?i)(cf-turnstile|challenges\.cloudflare\.com|_cf_chl_opt|cf_chl_prog)`), Signal{"CF_CHALLENGE", CategoryChallenge, "Cloudflare challenge page"}},
	{regexp.MustCompile(`(?i)just\s{1,3}a\s{1,3}moment`), Signal{"CF_INTERSTITIAL", CategoryChallenge, "Cloudflare interstitial"}},
	{regexp.MustCompile(`(?i)too\s{1,5}many\s{1,5}requests`), Signal{"TOO_MANY_REQUESTS", CategoryRateLimit, "Too many requests"}},
	{regexp.MustCompile(`(?i)access\s{1,5}denied`), Signal{"ACCESS_DENIED", CategoryAccessDenied, "Generic access denied"}},
}

// Classify inspects a response status and body for block indicators. A zero
// Signal means nothing was detected.
func Classify(status int, body string) Signal {
	if len(body) > maxBodyLenForRegex {
		body = body[:maxBodyLenForRegex]
	}
	for _, p := range patterns {
		if p.re.MatchString(body) {
			return p.signal
		}
	}

	switch status {
	case 403:
		if strings.Contains(strings.ToLower(body), "cloudflare") {
			return Signal{"CF_403", CategoryAccessDenied, "Cloudflare 403 Forbidden"}
		}
		return Signal{"HTTP_403", CategoryAccessDenied, "HTTP 403 Forbidden"}
	case 429:
		return Signal{"HTTP_429", CategoryRateLimit, "HTTP 429 Too Many Requests"}
	}
	return Signal{}
}

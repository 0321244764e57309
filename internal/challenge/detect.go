package challenge

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Rorqualx/imagegate/internal/selectors"
)

// PageKind classifies a rendered document.
type PageKind int

// Page kinds.
const (
	PageUnknown PageKind = iota
	PageChallenge
	PageImage
)

func (k PageKind) String() string {
	switch k {
	case PageChallenge:
		return "challenge"
	case PageImage:
		return "image"
	}
	return "unknown"
}

// DetectPage classifies html as a challenge interstitial, a page that
// displays an image, or neither.
func DetectPage(html string, sel *selectors.Selectors) PageKind {
	if sel == nil {
		sel = selectors.Get()
	}
	if strings.TrimSpace(html) == "" {
		return PageUnknown
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		if sel.HasMarker(html) {
			return PageChallenge
		}
		return PageUnknown
	}

	if sel.IsChallengeTitle(doc.Find("title").First().Text()) {
		return PageChallenge
	}
	for _, s := range sel.ChallengeSelectors {
		if doc.Find(s).Length() > 0 {
			return PageChallenge
		}
	}
	if sel.TokenField != "" && doc.Find(sel.TokenField).Length() > 0 {
		return PageChallenge
	}
	if sel.HasMarker(html) {
		return PageChallenge
	}

	if doc.Find("img[src]").Length() > 0 {
		return PageImage
	}
	return PageUnknown
}

// IsChallengeBody reports whether a response body of the given content type
// is a challenge page.
func IsChallengeBody(contentType string, body []byte, sel *selectors.Selectors) bool {
	ct := strings.ToLower(contentType)
	if ct != "" && !strings.Contains(ct, "html") && !strings.HasPrefix(ct, "text/") {
		return false
	}
	return DetectPage(string(body), sel) == PageChallenge
}

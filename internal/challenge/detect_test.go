package challenge

import (
	"testing"

	"github.com/Rorqualx/imagegate/internal/selectors"
)

func TestDetectPage(t *testing.T) {
	tests := []struct {
		name string
		html string
		want PageKind
	}{
		{
			name: "challenge title",
			html: `<html><head><title>Just a moment...</title></head><body></body></html>`,
			want: PageChallenge,
		},
		{
			name: "challenge running div",
			html: `<html><body><div id="challenge-running">checking</div></body></html>`,
			want: PageChallenge,
		},
		{
			name: "browser verification",
			html: `<html><body><div class="cf-browser-verification"></div></body></html>`,
			want: PageChallenge,
		},
		{
			name: "please wait",
			html: `<html><body><div id="cf-please-wait"></div></body></html>`,
			want: PageChallenge,
		},
		{
			name: "token field",
			html: `<html><body><form><input type="hidden" name="cf-turnstile-response" value=""></form></body></html>`,
			want: PageChallenge,
		},
		{
			name: "script marker",
			html: `<html><body><script>window._cf_chl_opt={};window.__cf_chl_opt={}</script></body></html>`,
			want: PageChallenge,
		},
		{
			name: "image wrapper",
			html: `<html><body><img id="resource" src="https://cdn.example.com/1.webp"></body></html>`,
			want: PageImage,
		},
		{
			name: "plain page",
			html: `<html><head><title>Chapter 3</title></head><body><p>text</p></body></html>`,
			want: PageUnknown,
		},
		{
			name: "empty",
			html: "",
			want: PageUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectPage(tt.html, nil); got != tt.want {
				t.Errorf("DetectPage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsChallengeBody(t *testing.T) {
	page := []byte(`<html><head><title>Just a moment...</title></head></html>`)
	if !IsChallengeBody("text/html; charset=utf-8", page, selectors.Get()) {
		t.Error("Expected html challenge body to be detected")
	}
	if IsChallengeBody("image/webp", page, selectors.Get()) {
		t.Error("Image content type must never be a challenge")
	}
	if !IsChallengeBody("", page, nil) {
		t.Error("Missing content type should still be inspected")
	}
}

func TestPageKindString(t *testing.T) {
	if PageChallenge.String() != "challenge" || PageImage.String() != "image" || PageUnknown.String() != "unknown" {
		t.Error("unexpected PageKind strings")
	}
}

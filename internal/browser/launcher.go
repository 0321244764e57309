// Package browser provides the Chrome-backed rendering surface.
package browser

import (
	"fmt"
	"net/url"
	"runtime"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/imagegate/internal/config"
	"github.com/Rorqualx/imagegate/internal/security"
)

// LaunchOptions selects how the browser process is obtained.
type LaunchOptions struct {
	Headless   bool
	BinPath    string
	ControlURL string // Attach to a running browser instead of launching
	ProxyURL   string
}

// OptionsFromConfig maps service configuration to launch options.
func OptionsFromConfig(cfg *config.Config) LaunchOptions {
	return LaunchOptions{
		Headless:   cfg.Headless,
		BinPath:    cfg.BrowserPath,
		ControlURL: cfg.BrowserControlURL,
		ProxyURL:   cfg.ProxyURL,
	}
}

// proxyAuth holds credentials stripped from the proxy URL. Chrome does not
// accept userinfo in --proxy-server so they are answered over CDP instead.
type proxyAuth struct {
	server   string
	username string
	password string
}

func parseProxy(raw string) (proxyAuth, error) {
	if raw == "" {
		return proxyAuth{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return proxyAuth{}, fmt.Errorf("invalid proxy url %q", security.RedactProxyURL(raw))
	}
	p := proxyAuth{server: u.Scheme + "://" + u.Host}
	if u.User != nil {
		p.username = u.User.Username()
		p.password, _ = u.User.Password()
	}
	return p, nil
}

// newLauncher builds the Chrome command line.
func newLauncher(opts LaunchOptions, proxy proxyAuth) *launcher.Launcher {
	l := launcher.New()

	if opts.BinPath != "" {
		l = l.Bin(opts.BinPath)
	}

	// Rod defaults to headless; a headed browser needs a display (Xvfb).
	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if proxy.server != "" {
		l = l.Set("proxy-server", proxy.server)
		log.Debug().Str("proxy", proxy.server).Msg("Browser proxy configured")
	}

	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("disable-features", "Translate,TranslateUI,WebRtcHideLocalIpsWithMdns").
		Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("accept-lang", "zh-CN,zh;q=0.9,en;q=0.8").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("window-size", "1280,1800").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	if runtime.GOARCH == "arm64" || runtime.GOARCH == "arm" {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

// connect launches (or attaches to) a browser. The returned cleanup kills a
// launched process and is a no-op for attached browsers.
func connect(opts LaunchOptions, proxy proxyAuth) (*rod.Browser, func(), error) {
	controlURL := opts.ControlURL
	cleanup := func() {}

	if controlURL == "" {
		l := newLauncher(opts, proxy)
		u, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		controlURL = u
		cleanup = func() {
			l.Kill()
			l.Cleanup()
		}
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Debug().Str("control_url", controlURL).Msg("Browser connected")
	return b, cleanup, nil
}

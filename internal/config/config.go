// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/imagegate/internal/security"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxSolveTimeout    = 5 * time.Minute
	maxStrategyTimeout = 5 * time.Minute
	maxFallbackRetries = 10
	maxSafetyMargin    = 2000
	minAPIKeyLength    = 16
)

// HTTP client kinds.
const (
	ClientTLS = "tls"
	ClientStd = "std"
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless          bool
	BrowserPath       string
	BrowserControlURL string // Attach to an already running browser instead of launching one

	// Challenge solver
	SolveTimeout    time.Duration
	TriggerInterval time.Duration

	// Bypass headers
	BypassHosts []string
	UserAgent   string
	Referer     string

	// Fetch pipeline
	StrategyTimeout time.Duration
	SafetyMargin    int
	DefaultWidth    int
	DefaultHeight   int

	// Generic fallback loader
	CacheDir        string
	FallbackTimeout time.Duration
	FallbackRetries int
	FallbackBackoff time.Duration
	FallbackRPS     float64 // Per-host request rate

	// Outbound HTTP
	HTTPClient    string // "tls" (fingerprinted) or "std"
	ClientProfile string // tls-client profile name
	ProxyURL      string

	// Logging
	LogLevel string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Security
	AllowLocalTargets bool // Skip SSRF checks on API input (tests and LAN mirrors)
	APIKeyEnabled     bool
	APIKey            string
	CORSOrigins       []string

	// API rate limiting
	RateLimitEnabled bool
	RateLimitRPM     int
	TrustProxy       bool // Take the client address from X-Forwarded-For / X-Real-IP

	// Selectors settings
	SelectorsPath      string
	SelectorsHotReload bool
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8192),

		Headless:          getEnvBool("HEADLESS", true),
		BrowserPath:       getEnvString("BROWSER_PATH", ""),
		BrowserControlURL: getEnvString("BROWSER_CONTROL_URL", ""),

		SolveTimeout:    getEnvDuration("SOLVE_TIMEOUT", 30*time.Second),
		TriggerInterval: getEnvDuration("TRIGGER_INTERVAL", 500*time.Millisecond),

		BypassHosts: getEnvStringSlice("BYPASS_HOSTS", []string{"godamanga.online"}),
		UserAgent:   getEnvString("BYPASS_USER_AGENT", DefaultUserAgent),
		Referer:     getEnvString("BYPASS_REFERER", "https://godamanga.online/"),

		StrategyTimeout: getEnvDuration("STRATEGY_TIMEOUT", 20*time.Second),
		SafetyMargin:    getEnvInt("SAFETY_MARGIN", 300),
		DefaultWidth:    getEnvInt("DEFAULT_WIDTH", 318),
		DefaultHeight:   getEnvInt("DEFAULT_HEIGHT", 453),

		CacheDir:        getEnvString("CACHE_DIR", defaultCacheDir()),
		FallbackTimeout: getEnvDuration("FALLBACK_TIMEOUT", 10*time.Second),
		FallbackRetries: getEnvInt("FALLBACK_RETRIES", 3),
		FallbackBackoff: getEnvDuration("FALLBACK_BACKOFF", 500*time.Millisecond),
		FallbackRPS:     getEnvFloat("FALLBACK_RPS", 4),

		HTTPClient:    getEnvString("HTTP_CLIENT", ClientTLS),
		ClientProfile: getEnvString("CLIENT_PROFILE", "chrome_120"),
		ProxyURL:      getEnvString("PROXY_URL", ""),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9192),

		AllowLocalTargets: getEnvBool("ALLOW_LOCAL_TARGETS", false),
		APIKeyEnabled:     getEnvBool("API_KEY_ENABLED", false),
		APIKey:            getEnvString("API_KEY", ""),
		CORSOrigins:       getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:       getEnvBool("TRUST_PROXY", false),

		SelectorsPath:      getEnvString("SELECTORS_PATH", ""),
		SelectorsHotReload: getEnvBool("SELECTORS_HOT_RELOAD", false),
	}
}

// DefaultUserAgent is the desktop Chrome identity sent to bypass hosts.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "imagegate"
	}
	return os.TempDir() + string(os.PathSeparator) + "imagegate"
}

// IsBypassHost reports whether host is on the bypass allowlist, matching
// subdomains of listed entries.
func (c *Config) IsBypassHost(host string) bool {
	for _, h := range c.BypassHosts {
		if security.HostMatches(host, h) {
			return true
		}
	}
	return false
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8192")
		c.Port = 8192
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	if c.SolveTimeout < time.Second {
		log.Warn().Dur("timeout", c.SolveTimeout).Msg("Solve timeout too short, using 30s")
		c.SolveTimeout = 30 * time.Second
	} else if c.SolveTimeout > maxSolveTimeout {
		log.Warn().
			Dur("timeout", c.SolveTimeout).
			Dur("max", maxSolveTimeout).
			Msg("Solve timeout too high, capping to maximum")
		c.SolveTimeout = maxSolveTimeout
	}

	if c.TriggerInterval < 50*time.Millisecond || c.TriggerInterval > 10*time.Second {
		log.Warn().Dur("interval", c.TriggerInterval).Msg("Trigger interval out of range, using 500ms")
		c.TriggerInterval = 500 * time.Millisecond
	}

	if c.StrategyTimeout < time.Second {
		log.Warn().Dur("timeout", c.StrategyTimeout).Msg("Strategy timeout too short, using 20s")
		c.StrategyTimeout = 20 * time.Second
	} else if c.StrategyTimeout > maxStrategyTimeout {
		log.Warn().
			Dur("timeout", c.StrategyTimeout).
			Dur("max", maxStrategyTimeout).
			Msg("Strategy timeout too high, capping to maximum")
		c.StrategyTimeout = maxStrategyTimeout
	}

	if c.SafetyMargin < 0 || c.SafetyMargin > maxSafetyMargin {
		log.Warn().Int("margin", c.SafetyMargin).Msg("Safety margin out of range, using 300")
		c.SafetyMargin = 300
	}
	if c.DefaultWidth <= 0 || c.DefaultHeight <= 0 {
		log.Warn().
			Int("width", c.DefaultWidth).
			Int("height", c.DefaultHeight).
			Msg("Invalid default dimensions, using 318x453")
		c.DefaultWidth, c.DefaultHeight = 318, 453
	}

	if c.FallbackRetries < 0 {
		log.Warn().Int("retries", c.FallbackRetries).Msg("Negative fallback retries, using 0")
		c.FallbackRetries = 0
	} else if c.FallbackRetries > maxFallbackRetries {
		log.Warn().
			Int("retries", c.FallbackRetries).
			Int("max", maxFallbackRetries).
			Msg("Fallback retries too high, capping to maximum")
		c.FallbackRetries = maxFallbackRetries
	}

	// SolveAndRetry gets SolveTimeout for the solve plus StrategyTimeout for
	// the render that follows; the fallback loader runs inside one
	// StrategyTimeout.
	if c.SolveTimeout < c.StrategyTimeout {
		log.Warn().
			Dur("solve_timeout", c.SolveTimeout).
			Dur("strategy_timeout", c.StrategyTimeout).
			Msg("Solve timeout shorter than strategy timeout, raising it to match")
		c.SolveTimeout = c.StrategyTimeout
	}
	if c.FallbackTimeout <= 0 || c.FallbackTimeout > c.StrategyTimeout {
		log.Warn().
			Dur("fallback_timeout", c.FallbackTimeout).
			Dur("strategy_timeout", c.StrategyTimeout).
			Msg("Fallback timeout does not fit the strategy timeout, capping to it")
		c.FallbackTimeout = c.StrategyTimeout
	}

	if c.FallbackRPS <= 0 {
		log.Warn().Float64("rps", c.FallbackRPS).Msg("Invalid fallback rate, using 4 rps")
		c.FallbackRPS = 4
	}

	switch strings.ToLower(c.HTTPClient) {
	case ClientTLS, ClientStd:
		c.HTTPClient = strings.ToLower(c.HTTPClient)
	default:
		log.Warn().Str("client", c.HTTPClient).Msg("Unknown HTTP_CLIENT, using 'tls'")
		c.HTTPClient = ClientTLS
	}

	if len(c.BypassHosts) == 0 {
		log.Warn().Msg("BYPASS_HOSTS is empty - no host will receive bypass headers or challenge solving")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.ProxyURL != "" && !strings.Contains(c.ProxyURL, "://") {
		log.Error().
			Str("proxy_url", c.ProxyURL).
			Msg("ProxyURL missing scheme (should be http://, https:// or socks5://), ignoring")
		c.ProxyURL = ""
	}

	if c.PrometheusEnabled && c.PrometheusPort == c.Port {
		log.Error().Int("port", c.PrometheusPort).Msg("PROMETHEUS_PORT conflicts with PORT, using PORT+1")
		c.PrometheusPort = c.Port + 1
	}

	if c.RateLimitEnabled && c.RateLimitRPM <= 0 {
		log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid RATE_LIMIT_RPM, using 120")
		c.RateLimitRPM = 120
	}

	if c.AllowLocalTargets {
		log.Warn().Msg("ALLOW_LOCAL_TARGETS enabled - API callers can reach private addresses")
	}

	if c.SelectorsHotReload && c.SelectorsPath == "" {
		log.Warn().Msg("SELECTORS_HOT_RELOAD enabled but SELECTORS_PATH not set - hot-reload disabled")
		c.SelectorsHotReload = false
	}

	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Float64("default", defaultValue).
			Msg("Invalid number in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

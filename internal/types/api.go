package types

import (
	"fmt"
	"net/url"
	"strings"
)

// Request validation limits.
const (
	MaxURLLength         = 8192
	MaxHostLength        = 253
	MaxTimeoutMs         = 600000 // 10 minutes in milliseconds
	MaxCookieValueLength = 4096
	MaxBatchSize         = 500
)

// ResolveRequest asks the service to solve the challenge for a host.
type ResolveRequest struct {
	Host       string `json:"host"`
	MaxTimeout int    `json:"maxTimeout,omitempty"`
}

// Validate validates the request and returns an error if invalid.
func (r *ResolveRequest) Validate() error {
	if r.Host == "" {
		return ErrHostRequired
	}
	if len(r.Host) > MaxHostLength {
		return fmt.Errorf("host exceeds maximum length of %d", MaxHostLength)
	}
	if strings.ContainsAny(r.Host, "/?#@ \t\r\n") {
		return fmt.Errorf("host must be a bare hostname, got %q", r.Host)
	}
	if r.MaxTimeout < 0 {
		return fmt.Errorf("maxTimeout cannot be negative")
	}
	if r.MaxTimeout > MaxTimeoutMs {
		return fmt.Errorf("maxTimeout exceeds maximum of %d ms", MaxTimeoutMs)
	}
	return nil
}

// BatchRequest asks the service to fetch several resources through the
// admission gate.
type BatchRequest struct {
	URLs []string `json:"urls"`
}

// Validate validates the request and returns an error if invalid.
func (r *BatchRequest) Validate() error {
	if len(r.URLs) == 0 {
		return ErrURLRequired
	}
	if len(r.URLs) > MaxBatchSize {
		return fmt.Errorf("too many urls (maximum %d)", MaxBatchSize)
	}
	for i, u := range r.URLs {
		if err := ValidateTargetURL(u); err != nil {
			return fmt.Errorf("urls[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateTargetURL checks length and scheme of a resource URL.
func ValidateTargetURL(raw string) error {
	if raw == "" {
		return ErrURLRequired
	}
	if len(raw) > MaxURLLength {
		return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got: %s", scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Response is the JSON envelope returned by the API.
type Response struct {
	Status    string       `json:"status"`
	Message   string       `json:"message"`
	StartTime int64        `json:"startTimestamp"`
	EndTime   int64        `json:"endTimestamp"`
	Version   string       `json:"version"`
	Solution  *Solution    `json:"solution,omitempty"`
	Sessions  []SessionRow `json:"sessions,omitempty"`
	Batch     []BatchItem  `json:"batch,omitempty"`
}

// Solution contains the result of a successful resolve.
type Solution struct {
	Host      string   `json:"host"`
	Token     string   `json:"token"`
	Cookies   []Cookie `json:"cookies"`
	UserAgent string   `json:"userAgent"`
}

// SessionRow summarizes the stored credential for one host.
type SessionRow struct {
	Host        string   `json:"host"`
	CookieNames []string `json:"cookieNames"`
	LastUpdated int64    `json:"lastUpdated"`
}

// BatchItem reports the outcome of one resource in a batch.
type BatchItem struct {
	URL        string   `json:"url"`
	OK         bool     `json:"ok"`
	Strategy   string   `json:"strategy,omitempty"`
	Strategies []string `json:"strategies,omitempty"`
	Bytes      int      `json:"bytes,omitempty"`
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Cookie represents a recovered cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	HTTPOnly bool   `json:"httpOnly"`
	Secure   bool   `json:"secure"`
}

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

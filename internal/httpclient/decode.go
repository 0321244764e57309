package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// Decode returns a reader that undoes encoding on r. Empty and "identity"
// return r unchanged.
func Decode(r io.Reader, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "zstd":
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported content encoding %q", encoding)
}

// DecodeBytes decodes body fully.
func DecodeBytes(body []byte, encoding string) ([]byte, error) {
	rc, err := Decode(bytes.NewReader(body), encoding)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, MaxBodySize))
}

// normalizeBody buffers resp.Body, decodes it when the response is still
// encoded, and replaces the body with the plain bytes. A body that fails to
// decode is kept as received; some servers label identity bodies.
func normalizeBody(resp *http.Response) error {
	encoding := resp.Header.Get("Content-Encoding")
	if encoding == "" || resp.Uncompressed {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	body, err := DecodeBytes(raw, encoding)
	if err != nil {
		log.Debug().Err(err).Str("encoding", encoding).Msg("Body decode failed, keeping raw bytes")
		body = raw
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.ContentLength = int64(len(body))
	resp.Uncompressed = true
	return nil
}

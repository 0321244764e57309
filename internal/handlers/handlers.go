// Package handlers provides the HTTP API of the imagegate service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/imagegate/internal/app"
	"github.com/Rorqualx/imagegate/internal/fetch"
	"github.com/Rorqualx/imagegate/internal/httpclient"
	"github.com/Rorqualx/imagegate/internal/security"
	"github.com/Rorqualx/imagegate/internal/types"
	"github.com/Rorqualx/imagegate/pkg/version"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// Response headers set on resource responses.
const (
	HeaderStrategy   = "X-Fetch-Strategy"
	HeaderStrategies = "X-Fetch-Strategies"
	HeaderWidth      = "X-Image-Width"
	HeaderHeight     = "X-Image-Height"
)

// Handler serves the API from an app.Context.
type Handler struct {
	app *app.Context
}

// New creates a Handler.
func New(c *app.Context) *Handler {
	return &Handler{app: c}
}

// HandleHealth reports that the service is up.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   "imagegate is ready",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

// HandleResource fetches ?url= through the pipeline and answers with the
// image bytes.
func (h *Handler) HandleResource(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	target := r.URL.Query().Get("url")
	if err := h.validateTarget(target); err != nil {
		h.writeErrorWithStatus(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}

	log.Info().Str("url", security.RedactURL(target)).Msg("Resource requested")

	res, err := h.app.Fetch(r.Context(), target)
	if err != nil {
		log.Warn().Err(err).Str("url", security.RedactURL(target)).Msg("Resource fetch failed")
		h.writeErrorWithStatus(w, statusFor(err), err.Error(), startTime)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Bytes)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set(HeaderStrategy, res.Final.String())
	w.Header().Set(HeaderStrategies, strategyList(res.Strategies))
	w.Header().Set(HeaderWidth, strconv.Itoa(res.Width))
	w.Header().Set(HeaderHeight, strconv.Itoa(res.Height))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Bytes)
}

// HandleResolve solves the challenge for a host and returns the token and
// cookies.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req types.ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErrorWithStatus(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeErrorWithStatus(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}

	ctx := r.Context()
	if req.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.MaxTimeout)*time.Millisecond)
		defer cancel()
	}

	log.Info().Str("host", req.Host).Msg("Resolve requested")

	res, err := h.app.Bypass.Resolve(ctx, req.Host)
	if err != nil {
		log.Warn().Err(err).Str("host", req.Host).Msg("Resolve failed")
		h.writeErrorWithStatus(w, statusFor(err), err.Error(), startTime)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   "Challenge solved successfully",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Solution: &types.Solution{
			Host:      res.Host,
			Token:     res.Token,
			Cookies:   toAPICookies(res.Cookies),
			UserAgent: h.app.Config.UserAgent,
		},
	})
}

// HandleProxy forwards a GET for ?url= through the bypass orchestrator and
// relays the response without interpreting it.
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	target := r.URL.Query().Get("url")
	if err := h.validateTarget(target); err != nil {
		h.writeErrorWithStatus(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		h.writeErrorWithStatus(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		out.Header.Set("Accept", accept)
	}

	resp, err := h.app.Bypass.Execute(r.Context(), out)
	if err != nil {
		log.Warn().Err(err).Str("url", security.RedactURL(target)).Msg("Proxy request failed")
		h.writeErrorWithStatus(w, statusFor(err), err.Error(), startTime)
		return
	}
	defer resp.Body.Close()

	for _, name := range []string{"Content-Type", "Cache-Control", "Last-Modified", "Etag"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, io.LimitReader(resp.Body, httpclient.MaxBodySize)); err != nil {
		log.Debug().Err(err).Msg("Proxy body copy interrupted")
	}
}

// HandleBatch fetches several resources through the admission gate and
// reports per-resource outcomes. Bytes are not returned.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req types.BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErrorWithStatus(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeErrorWithStatus(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}
	for i, u := range req.URLs {
		if err := h.validateTarget(u); err != nil {
			h.writeErrorWithStatus(w, http.StatusBadRequest, fmt.Sprintf("urls[%d]: %v", i, err), startTime)
			return
		}
	}

	items := h.app.FetchBatch(r.Context(), req.URLs, nil)
	out := make([]types.BatchItem, len(items))
	okCount := 0
	for i, it := range items {
		out[i] = batchItem(it)
		if out[i].OK {
			okCount++
		}
	}

	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   fmt.Sprintf("%d of %d resources fetched", okCount, len(items)),
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Batch:     out,
	})
}

func batchItem(it app.BatchItem) types.BatchItem {
	bi := types.BatchItem{URL: it.URL}
	if it.Err != nil {
		bi.Error = it.Err.Error()
		return bi
	}
	bi.OK = true
	bi.Strategy = it.Result.Final.String()
	for _, s := range it.Result.Strategies {
		bi.Strategies = append(bi.Strategies, s.String())
	}
	bi.Bytes = len(it.Result.Bytes)
	bi.Width = it.Result.Width
	bi.Height = it.Result.Height
	return bi
}

// HandleSessionList lists hosts with stored cookies.
func (h *Handler) HandleSessionList(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	store := h.app.Store

	hosts := store.Hosts()
	rows := make([]types.SessionRow, 0, len(hosts))
	for _, host := range hosts {
		cred, ok := store.Credential(host)
		if !ok {
			continue
		}
		names := make([]string, 0, len(cred.Cookies))
		for name := range cred.Cookies {
			names = append(names, name)
		}
		sort.Strings(names)
		rows = append(rows, types.SessionRow{
			Host:        cred.Host,
			CookieNames: names,
			LastUpdated: cred.LastUpdated.UnixMilli(),
		})
	}

	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   "Session list retrieved",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Sessions:  rows,
	})
}

// HandleSessionDelete drops the cookies of ?host=, or every host when the
// parameter is absent.
func (h *Handler) HandleSessionDelete(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	msg := "Session store flushed"
	if host := r.URL.Query().Get("host"); host != "" {
		h.app.Store.Clear(host)
		msg = "Session cleared for " + security.NormalizeHost(host)
	} else {
		h.app.Store.Flush()
	}

	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   msg,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

// HandleMethodNotAllowed handles requests with unsupported HTTP methods.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", time.Now())
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusNotFound, "Not found", time.Now())
}

// validateTarget checks syntax always and the SSRF rules unless local
// targets are allowed.
func (h *Handler) validateTarget(target string) error {
	if err := types.ValidateTargetURL(target); err != nil {
		return err
	}
	if h.app.Config.AllowLocalTargets {
		return nil
	}
	if err := security.ValidateTarget(target); err != nil {
		log.Warn().Err(err).Str("url", security.RedactURL(target)).Msg("URL validation failed")
		return err
	}
	return nil
}

// statusFor maps pipeline and solver errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrHostNotAllowed), errors.Is(err, types.ErrHostRequired):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrChallengeTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, types.ErrSurfaceClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func strategyList(ss []fetch.Strategy) string {
	names := make([]string, len(ss))
	for i, s := range ss {
		names[i] = s.String()
	}
	return strings.Join(names, ",")
}

func toAPICookies(cookies []*http.Cookie) []types.Cookie {
	out := make([]types.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		})
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		return fmt.Errorf("%w: invalid JSON request", types.ErrInvalidRequest)
	}
	return nil
}

// writeErrorWithStatus writes an error envelope with statusCode.
func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	h.writeJSONResponse(w, statusCode, types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

// writeJSONResponse buffers the JSON before writing so an encoding failure
// cannot produce a partial response.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

package handlers

import (
	"net/http"
)

// Routes returns the API mux. Method mismatches on known paths answer 405
// and unknown paths 404, both as JSON envelopes.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /v1/resource", h.HandleResource)
	mux.HandleFunc("POST /v1/resolve", h.HandleResolve)
	mux.HandleFunc("GET /v1/proxy", h.HandleProxy)
	mux.HandleFunc("POST /v1/batch", h.HandleBatch)
	mux.HandleFunc("GET /v1/sessions", h.HandleSessionList)
	mux.HandleFunc("DELETE /v1/sessions", h.HandleSessionDelete)

	for _, path := range []string{"/health", "/v1/resource", "/v1/resolve", "/v1/proxy", "/v1/batch", "/v1/sessions"} {
		mux.HandleFunc(path, h.HandleMethodNotAllowed)
	}
	mux.HandleFunc("/", h.HandleNotFound)
	return mux
}

// Package middleware provides the HTTP middleware of the imagegate API.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/imagegate/internal/metrics"
)

// Recovery turns a handler panic into a 500 error envelope and counts it per
// route. http.ErrAbortHandler is re-raised so the server aborts the
// connection as intended.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			route := routeLabel(r.URL.Path)
			metrics.RecordPanic(route)
			log.Error().
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Str("method", r.Method).
				Str("route", route).
				Msg("Panic recovered")

			writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", startTime)
		}()
		next.ServeHTTP(w, r)
	})
}

package mw

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wkalt/tapecache/util/log"
)

/*
mw contains http middlewares.
*/

////////////////////////////////////////////////////////////////////////////////

// WithRequestID is a middleware that adds a request ID to the context of each
// request.
func WithRequestID(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.AddTags(r.Context(), "request_id", uuid.NewString())
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// WithAccessLog logs every request at debug level.
func WithAccessLog(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(rec, r)
		log.Debugw(r.Context(), "Request",
			"method", r.Method, "path", r.URL.Path, "code", rec.code, "elapsed", time.Since(start))
	})
}

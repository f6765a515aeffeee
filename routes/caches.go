package routes

import (
	"net/http"

	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/util/httputil"
)

// CacheSummary describes one cache in GET /caches.
type CacheSummary struct {
	Topic      string `json:"topic"`
	File       string `json:"file"`
	Deprecated bool   `json:"deprecated"`
	Records    int64  `json:"records"`
	Bytes      int64  `json:"bytes"`
}

func newCachesHandler(h *handler.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		summaries := []CacheSummary{}
		for _, tc := range h.Caches() {
			size, err := tc.FileSize(ctx)
			if err != nil {
				httputil.InternalServerError(ctx, w, "failed to stat %s: %s", tc.File(), err)
				return
			}
			summaries = append(summaries, CacheSummary{
				Topic:      tc.Topic().Name,
				File:       tc.File(),
				Deprecated: tc.ReadOnly(),
				Records:    tc.NumberOfRecords(),
				Bytes:      size,
			})
		}
		httputil.JSON(ctx, w, summaries)
	}
}

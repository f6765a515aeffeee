package routes

import (
	"errors"
	"net/http"

	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/util/httputil"
)

func newUploadHandler(h *handler.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sub, err := h.Submitter()
		if errors.Is(err, handler.ErrNotStarted) {
			httputil.Conflict(ctx, w, "uploads are not started")
			return
		}
		if err := h.FlushCaches(ctx); err != nil {
			httputil.InternalServerError(ctx, w, "failed to flush caches: %s", err)
			return
		}
		if err := sub.UploadOnce(ctx); err != nil {
			httputil.InternalServerError(ctx, w, "failed to upload: %s", err)
			return
		}
		httputil.JSON(ctx, w, map[string]string{"status": h.Status().String()})
	}
}

func newFlushHandler(h *handler.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := h.FlushCaches(ctx); err != nil {
			httputil.InternalServerError(ctx, w, "failed to flush caches: %s", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

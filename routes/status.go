package routes

import (
	"net/http"

	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/plugin"
	"github.com/wkalt/tapecache/util/httputil"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status      string            `json:"status"`
	Connection  string            `json:"connection,omitempty"`
	RecordsSent map[string]int64  `json:"recordsSent"`
	Plugins     map[string]string `json:"plugins,omitempty"`
}

func newStatusHandler(h *handler.Handler, plugins *plugin.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Status:      h.Status().String(),
			RecordsSent: make(map[string]int64),
		}
		if sub, err := h.Submitter(); err == nil {
			resp.Connection = sub.Checker().State().String()
		}
		for _, group := range h.Groups() {
			resp.RecordsSent[group.TopicName()] = h.RecordsSent(group.TopicName())
		}
		if plugins != nil {
			resp.Plugins = make(map[string]string)
			for name, state := range plugins.States() {
				resp.Plugins[name] = state.String()
			}
		}
		httputil.JSON(r.Context(), w, resp)
	}
}

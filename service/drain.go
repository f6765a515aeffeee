package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/wkalt/tapecache/config"
	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/submitter"
	"github.com/wkalt/tapecache/util/log"
)

// DrainResult reports the outcome of a drain per topic.
type DrainResult struct {
	Topic     string
	Sent      int64
	Remaining int64
}

// Drain uploads the caches left under the data directory until they are
// empty or an upload cycle makes no progress. snd is closed on return.
func Drain(ctx context.Context, c config.Config, snd sender.Sender) ([]DrainResult, error) {
	h := handler.New(ctx, c.DataDir, handler.WithCacheConfig(c.Cache))
	results, err := drain(ctx, h, c, snd)
	return results, errors.Join(err, h.Close(ctx), snd.Close())
}

func drain(ctx context.Context, h *handler.Handler, c config.Config, snd sender.Sender) ([]DrainResult, error) {
	if err := h.OpenExisting(ctx); err != nil {
		return nil, err
	}
	if err := h.Start(ctx, snd, c.Submitter, submitter.Manual()); err != nil {
		return nil, fmt.Errorf("failed to start submitter: %w", err)
	}
	sub, err := h.Submitter()
	if err != nil {
		return nil, err
	}
	remaining := pending(h)
	for remaining > 0 {
		if !sub.Checker().IsConnected() {
			return results(h), fmt.Errorf("not connected: %s", h.Status())
		}
		if err := sub.UploadOnce(ctx); err != nil {
			return results(h), fmt.Errorf("upload failed: %w", err)
		}
		left := pending(h)
		if left >= remaining {
			log.Warnf(ctx, "Drain stopped with %d records left", left)
			break
		}
		remaining = left
	}
	return results(h), nil
}

func pending(h *handler.Handler) int64 {
	var n int64
	for _, tc := range h.Caches() {
		n += tc.NumberOfRecords()
	}
	return n
}

func results(h *handler.Handler) []DrainResult {
	out := []DrainResult{}
	for _, group := range h.Groups() {
		remaining := group.Active.NumberOfRecords()
		for _, tc := range group.Deprecated() {
			remaining += tc.NumberOfRecords()
		}
		out = append(out, DrainResult{
			Topic:     group.TopicName(),
			Sent:      h.RecordsSent(group.TopicName()),
			Remaining: remaining,
		})
	}
	return out
}

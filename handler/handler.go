package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wkalt/tapecache/cache"
	"github.com/wkalt/tapecache/metrics"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/status"
	"github.com/wkalt/tapecache/submitter"
	"github.com/wkalt/tapecache/util/log"
)

/*
Handler is the entry point of the data pipeline. Producers create a cache per
topic and send values to it; the handler adds the observation key of the
current user and source. Once started with a sender, the handler runs a
submitter that drains its caches, and relays the server status and upload
progress to subscribed listeners.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrNoIdentity is returned when sending before a user is configured.
var ErrNoIdentity = errors.New("no user configured")

// ErrNotStarted is returned when using the submitter before Start.
var ErrNotStarted = errors.New("handler is not started")

type options struct {
	metrics      *metrics.Metrics
	cacheConfig  cache.Config
	cacheOptions []cache.Option
	projectID    string
	userID       string
}

// Option is a function that modifies the handler options.
type Option func(*options)

// WithMetrics sets the collectors of the handler and everything it creates.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithCacheConfig sets the configuration of new caches.
func WithCacheConfig(config cache.Config) Option {
	return func(o *options) {
		o.cacheConfig = config
	}
}

// WithCacheOptions sets options applied to every cache.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) {
		o.cacheOptions = append(o.cacheOptions, opts...)
	}
}

// WithIdentity sets the project and user that keys are built for. Start
// replaces them with those of the submitter configuration.
func WithIdentity(projectID, userID string) Option {
	return func(o *options) {
		o.projectID = projectID
		o.userID = userID
	}
}

// Handle is a producer's handle on the cache of a topic.
type Handle struct {
	topic    record.Topic
	group    *cache.Group
	sourceID string
}

// Topic returns the topic of the handle.
func (h *Handle) Topic() record.Topic {
	return h.topic
}

// SourceID returns the source the handle sends for.
func (h *Handle) SourceID() string {
	return h.sourceID
}

// Handler aggregates the caches of all topics.
type Handler struct {
	store   *cache.Store
	metrics *metrics.Metrics
	logctx  context.Context

	mtx         sync.Mutex
	cacheConfig cache.Config
	projectID   string
	userID      string
	status      status.Status
	recordsSent map[string]int64
	listeners   map[int]status.Listener
	nextID      int
	submitter   *submitter.Submitter
	closed      bool
}

// New constructs a handler storing its caches under root.
func New(ctx context.Context, root string, opts ...Option) *Handler {
	o := options{cacheConfig: cache.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	m := metrics.OrNew(o.metrics)
	cacheOptions := append([]cache.Option{cache.WithMetrics(m)}, o.cacheOptions...)
	h := &Handler{
		store:       cache.NewStore(root, cacheOptions...),
		metrics:     m,
		logctx:      log.AddTags(context.WithoutCancel(ctx), "component", "handler"),
		cacheConfig: o.cacheConfig,
		projectID:   o.projectID,
		userID:      o.userID,
		recordsSent: make(map[string]int64),
		listeners:   make(map[int]status.Listener),
	}
	h.UpdateServerStatus(ctx, status.Ready)
	return h
}

// Store returns the cache store.
func (h *Handler) Store() *cache.Store {
	return h.store
}

// CreateCache opens the caches of a topic and returns a handle for sending
// values of sourceID to it. Values are keyed with the observation key schema.
func (h *Handler) CreateCache(
	ctx context.Context,
	topicName string,
	valueSchema *record.Schema,
	sourceID string,
) (*Handle, error) {
	h.mtx.Lock()
	config := h.cacheConfig
	closed := h.closed
	h.mtx.Unlock()
	if closed {
		return nil, cache.ErrClosed
	}
	topic := record.NewTopic(topicName, record.ObservationKeySchema, valueSchema)
	group, err := h.store.GetOrCreateCaches(ctx, topic, config)
	if err != nil {
		return nil, err
	}
	if !group.Active.Topic().ValueSchema.Equal(valueSchema) {
		return nil, fmt.Errorf("topic %s is already open with schema %s", topicName, group.Active.Topic().ValueSchema)
	}
	return &Handle{topic: topic, group: group, sourceID: sourceID}, nil
}

// OpenExisting opens the caches left under the root by earlier runs, so that
// their records are uploaded before any producer reopens the topic.
func (h *Handler) OpenExisting(ctx context.Context) error {
	h.mtx.Lock()
	config := h.cacheConfig
	h.mtx.Unlock()
	groups, err := h.store.OpenExisting(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to open existing caches: %w", err)
	}
	log.Infof(h.logctx, "Opened %d existing topics", len(groups))
	return nil
}

// Send adds a value to the cache of a handle, keyed by the current project
// and user and the handle's source.
func (h *Handler) Send(ctx context.Context, handle *Handle, value record.Value) error {
	h.mtx.Lock()
	projectID, userID := h.projectID, h.userID
	h.mtx.Unlock()
	if userID == "" {
		return ErrNoIdentity
	}
	key := record.ObservationKey(projectID, userID, handle.sourceID)
	return handle.group.Active.AddMeasurement(ctx, key, value)
}

// GetCache returns the caches of a topic, if it is open.
func (h *Handler) GetCache(name string) (*cache.Group, bool) {
	for _, group := range h.store.Groups() {
		if group.TopicName() == name {
			return group, true
		}
	}
	return nil, false
}

// Groups returns the caches of every open topic, ordered by topic name.
func (h *Handler) Groups() []*cache.Group {
	return h.store.Groups()
}

// Caches returns every open cache, active and deprecated.
func (h *Handler) Caches() []*cache.TopicCache {
	caches := []*cache.TopicCache{}
	for _, group := range h.store.Groups() {
		caches = append(caches, group.Active)
		caches = append(caches, group.Deprecated()...)
	}
	return caches
}

// ActiveCaches returns the active cache of every open topic.
func (h *Handler) ActiveCaches() []*cache.TopicCache {
	groups := h.store.Groups()
	caches := make([]*cache.TopicCache, 0, len(groups))
	for _, group := range groups {
		caches = append(caches, group.Active)
	}
	return caches
}

// FlushCaches flushes every active cache concurrently.
func (h *Handler) FlushCaches(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, tc := range h.ActiveCaches() {
		eg.Go(func() error {
			if err := tc.Flush(ctx); err != nil {
				return fmt.Errorf("failed to flush %s: %w", tc.Topic().Name, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// SetCacheConfig applies a configuration to every open cache and to caches
// opened later.
func (h *Handler) SetCacheConfig(ctx context.Context, config cache.Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	h.mtx.Lock()
	h.cacheConfig = config
	h.mtx.Unlock()
	eg, ctx := errgroup.WithContext(ctx)
	for _, tc := range h.ActiveCaches() {
		eg.Go(func() error {
			return tc.SetConfig(ctx, config)
		})
	}
	return eg.Wait()
}

// UpdateServerStatus records the server status and forwards it to the
// listeners.
func (h *Handler) UpdateServerStatus(ctx context.Context, s status.Status) {
	h.mtx.Lock()
	previous := h.status
	h.status = s
	listeners := h.snapshotListeners()
	h.mtx.Unlock()

	for _, other := range status.All {
		value := 0.0
		if other == s {
			value = 1
		}
		h.metrics.ServerStatus.WithLabelValues(other.String()).Set(value)
	}
	if previous != s {
		log.Infow(h.logctx, "Server status changed", "from", previous, "to", s)
	}
	for _, listener := range listeners {
		listener.UpdateServerStatus(ctx, s)
	}
}

// UpdateRecordsSent records upload progress for a topic and forwards it to
// the listeners. n is -1 for a failed batch.
func (h *Handler) UpdateRecordsSent(ctx context.Context, topic string, n int64) {
	h.mtx.Lock()
	if n > 0 {
		h.recordsSent[topic] += n
	}
	listeners := h.snapshotListeners()
	h.mtx.Unlock()
	for _, listener := range listeners {
		listener.UpdateRecordsSent(ctx, topic, n)
	}
}

// Status returns the last server status.
func (h *Handler) Status() status.Status {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.status
}

// RecordsSent returns the number of records uploaded for a topic since the
// handler was created.
func (h *Handler) RecordsSent(topic string) int64 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.recordsSent[topic]
}

// Subscribe registers a listener for status and progress updates. The
// returned function unregisters it.
func (h *Handler) Subscribe(listener status.Listener) func() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = listener
	return func() {
		h.mtx.Lock()
		defer h.mtx.Unlock()
		delete(h.listeners, id)
	}
}

func (h *Handler) snapshotListeners() []status.Listener {
	listeners := make([]status.Listener, 0, len(h.listeners))
	for i := range h.nextID {
		if listener, ok := h.listeners[i]; ok {
			listeners = append(listeners, listener)
		}
	}
	return listeners
}

// Start starts a submitter draining the caches to snd. Keys of values sent
// afterwards carry the project and user of config.
func (h *Handler) Start(
	ctx context.Context,
	snd sender.Sender,
	config submitter.Configuration,
	opts ...submitter.Option,
) error {
	h.mtx.Lock()
	if h.closed {
		h.mtx.Unlock()
		return cache.ErrClosed
	}
	if h.submitter != nil {
		h.mtx.Unlock()
		return errors.New("handler is already started")
	}
	h.mtx.Unlock()

	opts = append([]submitter.Option{submitter.WithListener(h), submitter.WithMetrics(h.metrics)}, opts...)
	sub, err := submitter.New(h, snd, config, opts...)
	if err != nil {
		return err
	}
	h.mtx.Lock()
	h.submitter = sub
	h.projectID = config.ProjectID
	h.userID = config.UserID
	h.mtx.Unlock()
	return sub.Start(ctx)
}

// Submitter returns the running submitter.
func (h *Handler) Submitter() (*submitter.Submitter, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.submitter == nil {
		return nil, ErrNotStarted
	}
	return h.submitter, nil
}

// SetSubmitterConfig reconfigures the running submitter and the identity
// keys are built for.
func (h *Handler) SetSubmitterConfig(ctx context.Context, config submitter.Configuration) error {
	sub, err := h.Submitter()
	if err != nil {
		return err
	}
	if err := sub.SetConfig(ctx, config); err != nil {
		return err
	}
	h.mtx.Lock()
	h.projectID = config.ProjectID
	h.userID = config.UserID
	h.mtx.Unlock()
	return nil
}

// Close stops the submitter and closes every cache, flushing pending records.
// It is safe to call more than once.
func (h *Handler) Close(ctx context.Context) error {
	h.mtx.Lock()
	if h.closed {
		h.mtx.Unlock()
		return nil
	}
	h.closed = true
	sub := h.submitter
	h.mtx.Unlock()

	var errs []error
	if sub != nil {
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close submitter: %w", err))
		}
	}
	if err := h.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close caches: %w", err))
	}
	return errors.Join(errs...)
}

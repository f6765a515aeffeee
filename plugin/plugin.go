package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/util/log"
)

/*
Package plugin defines data sources. A plugin acquires observations from some
device and sends them to the caches of a handler; the pipeline only knows it
through the Plugin interface. The Manager starts and stops a set of plugins.
*/

////////////////////////////////////////////////////////////////////////////////

// State is the state of a plugin.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sink receives observations. handler.Handler implements it.
type Sink interface {
	CreateCache(ctx context.Context, topic string, schema *record.Schema, sourceID string) (*handler.Handle, error)
	Send(ctx context.Context, handle *handler.Handle, value record.Value) error
}

// Plugin is a source of observations.
type Plugin interface {
	// Name identifies the plugin.
	Name() string

	// Start begins acquisition. If acceptableIDs is not empty, the plugin
	// only connects to sources with one of those ids.
	Start(ctx context.Context, acceptableIDs []string) error

	// OnClose stops acquisition.
	OnClose() error

	// State returns the current state.
	State() State
}

// ErrDuplicatePlugin is returned when registering a plugin name twice.
var ErrDuplicatePlugin = errors.New("plugin already registered")

// Manager runs a set of plugins.
type Manager struct {
	mtx     sync.Mutex
	plugins map[string]Plugin
	started map[string]bool
}

// NewManager constructs an empty manager.
func NewManager() *Manager {
	return &Manager{
		plugins: make(map[string]Plugin),
		started: make(map[string]bool),
	}
}

// Register adds a plugin.
func (m *Manager) Register(p Plugin) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.plugins[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name())
	}
	m.plugins[p.Name()] = p
	return nil
}

// Names returns the registered plugin names in order.
func (m *Manager) Names() []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Start starts every registered plugin that is not running. A plugin that
// fails to start is logged and skipped; the joined errors are returned.
func (m *Manager) Start(ctx context.Context, acceptableIDs []string) error {
	var errs []error
	for _, name := range m.Names() {
		m.mtx.Lock()
		p, started := m.plugins[name], m.started[name]
		m.mtx.Unlock()
		if started {
			continue
		}
		if err := p.Start(ctx, acceptableIDs); err != nil {
			log.Errorf(ctx, "Failed to start plugin %s: %s", name, err)
			errs = append(errs, fmt.Errorf("failed to start %s: %w", name, err))
			continue
		}
		log.Infof(ctx, "Started plugin %s", name)
		m.mtx.Lock()
		m.started[name] = true
		m.mtx.Unlock()
	}
	return errors.Join(errs...)
}

// States returns the state of every plugin by name.
func (m *Manager) States() map[string]State {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	states := make(map[string]State, len(m.plugins))
	for name, p := range m.plugins {
		states[name] = p.State()
	}
	return states
}

// Close stops every running plugin.
func (m *Manager) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var errs []error
	for name, started := range m.started {
		if !started {
			continue
		}
		if err := m.plugins[name].OnClose(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", name, err))
		}
		m.started[name] = false
	}
	return errors.Join(errs...)
}

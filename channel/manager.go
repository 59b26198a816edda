// File: channel/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-local channel registry. A manager creates the backing memory,
// initializes the region and hands out shared handles by name, capped at
// MaxChannelNr channels per manager.

package channel

import (
	"fmt"
	"log"
	"sync"

	"code.hybscloud.com/atomix"

	"github.com/momentics/shmchan/api"
	"github.com/momentics/shmchan/control"
	"github.com/momentics/shmchan/shm"
)

const (
	// MaxChannelNr caps the channels one manager holds.
	MaxChannelNr = 32

	// DefaultRingSlots is the default data ring slot count.
	DefaultRingSlots = 256

	// DefaultBufCount is the default buffer pool slot count.
	DefaultBufCount = 4096
)

// Manager is a mutex-guarded name→channel registry.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*Channel

	tunables *control.Tunables
	metrics  *control.MetricsRegistry

	created   atomix.Uint64
	destroyed atomix.Uint64

	// engineMultithread widens the engine side of every new channel's
	// rings at creation time.
	engineMultithread bool
}

// ManagerOption adjusts a Manager at construction.
type ManagerOption func(*Manager)

// WithTunables installs a tunables store consulted for per-channel knobs.
func WithTunables(t *control.Tunables) ManagerOption {
	return func(m *Manager) { m.tunables = t }
}

// WithMetrics installs a registry receiving channel counters on demand.
func WithMetrics(r *control.MetricsRegistry) ManagerOption {
	return func(m *Manager) { m.metrics = r }
}

// WithEngineMultithread widens the engine side of every ring.
func WithEngineMultithread() ManagerOption {
	return func(m *Manager) { m.engineMultithread = true }
}

// NewManager builds an empty registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{channels: make(map[string]*Channel)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddChannel creates the backing memory for a new channel, initializes the
// region and registers the handle. Fails without side effects when the
// name exists or the registry is full.
func (m *Manager) AddChannel(name string, engSlots, appSlots, bufSlots, mss uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) >= MaxChannelNr {
		log.Printf("shmchan: too many channels (%d)", len(m.channels))
		return api.NewError(api.ErrCodeInternal, "too many channels").
			WithContext("max", MaxChannelNr)
	}
	if _, ok := m.channels[name]; ok {
		return fmt.Errorf("channel %q: %w", name, api.ErrAlreadyExists)
	}

	cfg := &Config{
		Name:              name,
		EngRingSlots:      engSlots,
		AppRingSlots:      appSlots,
		BufRingSlots:      bufSlots,
		BufMSS:            mss,
		EngineMultithread: m.engineMultithread,
	}
	seg, err := shm.Create(name, func(pageSize uint64) (uint64, error) {
		cfg.PageSize = pageSize
		return CalculateSize(cfg)
	})
	if err != nil {
		log.Printf("shmchan: failed to create channel %q: %v", name, err)
		return err
	}
	cfg.PageSize = seg.PageSize

	region, err := InitRegion(seg.Mem, cfg)
	if err != nil {
		// Never leave a half-initialized region behind.
		seg.Close()
		return err
	}

	ch := New(name, region, seg)
	if m.tunables != nil {
		ch.SetFreeRetries(m.tunables.FreeRetries())
	}
	m.channels[name] = ch
	m.created.AddAcqRel(1)
	return nil
}

// DestroyChannel removes a channel and releases its backing memory.
func (m *Manager) DestroyChannel(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return fmt.Errorf("channel %q: %w", name, api.ErrNotFound)
	}
	delete(m.channels, name)
	m.destroyed.AddAcqRel(1)
	return ch.Close()
}

// GetChannel returns a shared handle by name.
func (m *Manager) GetChannel(name string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Channels returns the registered handles.
func (m *Manager) Channels() []*Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// Count returns the number of registered channels.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// CreatedTotal returns the lifetime count of channels created.
func (m *Manager) CreatedTotal() uint64 { return m.created.LoadRelaxed() }

// DestroyedTotal returns the lifetime count of channels destroyed.
func (m *Manager) DestroyedTotal() uint64 { return m.destroyed.LoadRelaxed() }

// ExportMetrics publishes per-channel counter snapshots into the attached
// registry. No-op without one.
func (m *Manager) ExportMetrics() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.Set("channels.count", len(m.channels))
	m.metrics.Set("channels.created", m.created.LoadRelaxed())
	m.metrics.Set("channels.destroyed", m.destroyed.LoadRelaxed())
	for name, ch := range m.channels {
		m.metrics.Set("channel."+name+".stats", ch.Stats())
		m.metrics.Set("channel."+name+".free_bufs", ch.FreeBufCount())
	}
}

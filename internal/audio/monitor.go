package audio

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often a Monitor re-queries the device set
const DefaultPollInterval = 500 * time.Millisecond

// Monitor turns a device query into change notifications by polling, for
// backends without a native hotplug callback.
type Monitor struct {
	query    func(ctx context.Context) ([]Device, error)
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	listeners map[int]chan struct{}
	nextID    int
	cancel    context.CancelFunc
	lastSig   string
}

// NewMonitor creates a polling monitor. It only polls while at least one
// listener is registered.
func NewMonitor(query func(ctx context.Context) ([]Device, error), interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		query:     query,
		interval:  interval,
		log:       log,
		listeners: make(map[int]chan struct{}),
	}
}

// Changes registers a listener. The returned channel holds at most one
// pending notification; bursts of changes coalesce.
func (m *Monitor) Changes() (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan struct{}, 1)
	m.listeners[id] = ch

	if m.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.lastSig = ""
		go m.loop(ctx)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
			if len(m.listeners) == 0 && m.cancel != nil {
				m.cancel()
				m.cancel = nil
			}
		})
	}
	return ch, release
}

// Close stops polling and drops every listener
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.listeners = make(map[int]chan struct{})
}

func (m *Monitor) loop(ctx context.Context) {
	// Baseline off the caller's goroutine; the first poll never notifies
	sig := m.signature(ctx)
	m.mu.Lock()
	if ctx.Err() == nil {
		m.lastSig = sig
	}
	m.mu.Unlock()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	sig := m.signature(ctx)
	if sig == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil || sig == m.lastSig {
		return
	}
	if m.lastSig == "" {
		// Baseline query failed; adopt this one silently
		m.lastSig = sig
		return
	}
	m.lastSig = sig
	m.log.Debug().Int("listeners", len(m.listeners)).Msg("Device set changed")

	for _, ch := range m.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// signature returns a stable fingerprint of the device set, or "" on error
func (m *Monitor) signature(ctx context.Context) string {
	devices, err := m.query(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("Device poll failed")
		return ""
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.Kind.String()+"|"+d.ID)
	}
	sort.Strings(ids)
	return "#" + strings.Join(ids, "\x00")
}

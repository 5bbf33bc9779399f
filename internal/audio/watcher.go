package audio

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChangeFunc receives the fresh input device list and the currently selected
// device id, which may be absent from the list.
type ChangeFunc func(devices []Device, currentID string)

// Subscription is the handle returned by Watcher.Subscribe
type Subscription struct {
	ID string

	cancel  context.CancelFunc
	done    chan struct{}
	release func()
}

// Done is closed once the subscription's delivery goroutine has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Watcher forwards platform device-change notifications to one subscriber
type Watcher struct {
	platform Platform
	catalog  *Catalog
	current  func() string
	log      zerolog.Logger

	mu     sync.Mutex
	active *Subscription
}

// NewWatcher creates a watcher. current reports the selected device id at
// notification time.
func NewWatcher(p Platform, catalog *Catalog, current func() string, log zerolog.Logger) *Watcher {
	if current == nil {
		current = func() string { return "" }
	}
	return &Watcher{
		platform: p,
		catalog:  catalog,
		current:  current,
		log:      log,
	}
}

// SetCurrent replaces the selected-id provider
func (w *Watcher) SetCurrent(current func() string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = current
}

// Subscribe starts delivering change notifications to onChange. Any prior
// subscription is cancelled first, so at most one is ever active.
func (w *Watcher) Subscribe(onChange ChangeFunc) *Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active != nil {
		w.log.Warn().Str("subscription", w.active.ID).Msg("Replacing active device subscription")
		w.stopLocked(w.active)
	}

	changes, release := w.platform.Changes()
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:      uuid.NewString(),
		cancel:  cancel,
		done:    make(chan struct{}),
		release: release,
	}
	w.active = sub

	go w.run(ctx, sub, changes, onChange)

	w.log.Debug().Str("subscription", sub.ID).Msg("Subscribed to device changes")
	return sub
}

// Unsubscribe cancels sub. Calling it twice, or with nil, is a no-op.
func (w *Watcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active != sub {
		return
	}
	w.stopLocked(sub)
	w.log.Debug().Str("subscription", sub.ID).Msg("Unsubscribed from device changes")
}

// Active returns the number of live subscriptions: zero or one
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil {
		return 1
	}
	return 0
}

func (w *Watcher) stopLocked(sub *Subscription) {
	sub.cancel()
	sub.release()
	w.active = nil
}

func (w *Watcher) run(ctx context.Context, sub *Subscription, changes <-chan struct{}, onChange ChangeFunc) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			devices, err := w.catalog.ListInputDevices(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Failed to re-enumerate after device change")
				}
				continue
			}
			// Last check so a cancelled subscription never delivers
			if ctx.Err() != nil {
				return
			}

			w.mu.Lock()
			current := w.current
			w.mu.Unlock()

			onChange(devices, current())
		}
	}
}

package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Acquirer opens capture streams for a Selector
type Acquirer struct {
	platform Platform
	catalog  *Catalog
	log      zerolog.Logger
}

func NewAcquirer(p Platform, catalog *Catalog, log zerolog.Logger) *Acquirer {
	return &Acquirer{
		platform: p,
		catalog:  catalog,
		log:      log,
	}
}

type openResult struct {
	stream Stream
	err    error
}

// Acquire opens a stream for sel. If ctx is cancelled before the platform
// resolves, Acquire returns ErrCanceled and a stream that resolves later is
// closed without ever being handed out.
func (a *Acquirer) Acquire(ctx context.Context, sel Selector) (Stream, error) {
	if !sel.IsDefault() {
		devices, err := a.catalog.ListInputDevices(ctx)
		if err != nil {
			return nil, err
		}
		if !Contains(devices, sel.ID()) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, sel.ID())
		}
	}

	// Buffered so a late result never blocks the opener goroutine
	done := make(chan openResult, 1)
	go func() {
		s, err := a.platform.Open(ctx, sel.ID())
		done <- openResult{stream: s, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classify(sel, res.err)
		}
		if ctx.Err() != nil {
			a.release(res.stream, sel)
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return res.stream, nil
	case <-ctx.Done():
		go func() {
			res := <-done
			if res.err == nil {
				a.release(res.stream, sel)
			}
		}()
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
}

func (a *Acquirer) release(s Stream, sel Selector) {
	if s == nil {
		return
	}
	a.log.Debug().Str("selector", sel.String()).Msg("Releasing stream resolved after cancellation")
	if err := s.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to release late stream")
	}
}

// classify maps platform open errors onto the acquisition taxonomy
func classify(sel Selector, err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrDeviceUnavailable),
		errors.Is(err, ErrCanceled):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	default:
		return fmt.Errorf("%w: open %s: %w", ErrDeviceUnavailable, sel, err)
	}
}

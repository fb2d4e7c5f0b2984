// Package syncmode synchronizes the output of asynchronous frame producers
// with a stepped simulation world.
//
// A Mode is a scoped acquisition: Enter flips the world into synchronous
// stepping and subscribes one delivery queue per source; Tick advances the
// world by exactly one frame and gathers one matching-frame item from every
// queue; Close restores the world's original settings unconditionally.
//
//	mode, err := syncmode.Enter(world, sources, syncmode.Config{Rate: 30})
//	if err != nil { ... }
//	defer mode.Close()
//	for {
//		bundle, err := mode.Tick(ctx, time.Second)
//		...
//	}
//
// Producers may lag an arbitrary number of steps; Tick drains stale items
// from the front of each queue rather than keeping only the latest, which
// preserves per-producer ordering and never silently accepts mismatched
// data. Exactly one Mode may be active per world at a time.
package syncmode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lockstep-sim/lockstep/sim"
)

// worldSource is the bundle position of the world's own tick event.
const worldSource = "world"

// Item is the minimal capability the synchronizer requires of a delivered
// payload: the frame id it belongs to. Everything else is opaque.
type Item interface {
	Frame() uint64
}

// CancelFunc detaches a listener registered with Listen.
type CancelFunc func()

// Source is an entity that asynchronously emits frame-stamped items. The
// synchronizer does not own sources; it only registers a callback with each.
type Source interface {
	Name() string
	Listen(fn func(Item)) CancelFunc
}

// Simulation is the narrow view of the world the synchronizer needs. The
// synchronizer borrows the handle for the duration of the scope and is the
// sole owner of the settings-restore obligation.
type Simulation interface {
	GetSettings() sim.Settings
	ApplySettings(sim.Settings) (uint64, error)
	Tick(ctx context.Context) (uint64, error)
	OnTick(fn func(sim.Snapshot)) sim.CallbackID
	RemoveOnTick(id sim.CallbackID)
}

// Observer receives synchronization telemetry. All methods may be called
// from the Tick caller's goroutine.
type Observer interface {
	TickCompleted(frame uint64, gather time.Duration)
	StaleDiscarded(source string)
	TimedOut(source string)
}

// Config carries the recognized synchronization options.
type Config struct {
	// Rate is the number of steps per simulated second. Default 20.
	Rate int
	// Observer, when non-nil, receives per-tick telemetry.
	Observer Observer
}

// DefaultRate is the stepping rate used when Config.Rate is zero.
const DefaultRate = 20

type subscription struct {
	name   string
	queue  *itemQueue
	cancel CancelFunc
}

// Mode is an active synchronous-stepping scope over a world and its sources.
// The zero value is not usable; construct with Enter.
type Mode struct {
	mu    sync.Mutex
	world Simulation
	subs  []subscription
	saved sim.Settings
	frame uint64
	delta float64
	obs   Observer

	worldCallback sim.CallbackID
	closed        bool
}

// Enter captures the world's current settings, applies synchronous stepping
// with a fixed step of 1/rate seconds, and subscribes one fresh queue per
// source: the world's own tick event first, then the sources in the order
// supplied. That registration order is the order of every bundle Tick
// returns.
//
// If the world rejects the synchronous-mode settings the error is returned
// as-is: nothing was changed and there is nothing to restore.
func Enter(world Simulation, sources []Source, cfg Config) (*Mode, error) {
	rate := cfg.Rate
	if rate <= 0 {
		rate = DefaultRate
	}
	m := &Mode{
		world: world,
		delta: 1.0 / float64(rate),
		obs:   cfg.Observer,
	}

	// Capture strictly before apply: a failed apply must leave nothing to
	// restore.
	m.saved = world.GetSettings()
	frame, err := world.ApplySettings(sim.Settings{
		NoRenderingMode:   true,
		SynchronousMode:   true,
		FixedDeltaSeconds: m.delta,
	})
	if err != nil {
		return nil, fmt.Errorf("entering synchronous mode: %w", err)
	}
	m.frame = frame

	worldQueue := newItemQueue()
	m.worldCallback = world.OnTick(func(s sim.Snapshot) {
		worldQueue.push(s)
	})
	m.subs = append(m.subs, subscription{name: worldSource, queue: worldQueue})
	for _, src := range sources {
		q := newItemQueue()
		cancel := src.Listen(q.push)
		m.subs = append(m.subs, subscription{name: src.Name(), queue: q, cancel: cancel})
	}
	logrus.Infof("synchronous mode entered at frame %d: %d sources, step %.4fs", frame, len(sources), m.delta)
	return m, nil
}

// Frame returns the frame id of the most recent step.
func (m *Mode) Frame() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame
}

// Tick advances the world by exactly one frame and returns the aligned
// bundle: one item per subscription, in registration order, every item
// stamped with the new frame id. Items older than the new frame are drained
// and discarded. Tick is all-or-nothing: on timeout no partial bundle is
// returned, the mode stays active, and any stale leftovers are drained by
// the next call.
func (m *Mode) Tick(ctx context.Context, timeout time.Duration) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	frame, err := m.world.Tick(ctx)
	if err != nil {
		return nil, fmt.Errorf("stepping world: %w", err)
	}
	m.frame = frame

	start := time.Now()
	deadline := start.Add(timeout)
	bundle := make([]Item, 0, len(m.subs))
	for _, sub := range m.subs {
		item, err := m.retrieve(sub, frame, deadline)
		if err != nil {
			return nil, err
		}
		bundle = append(bundle, item)
	}

	// Post-condition, not an optimization: every item must carry the frame
	// we just stepped to.
	for i, it := range bundle {
		if it.Frame() != frame {
			return nil, &ProtocolViolationError{Source: m.subs[i].name, Frame: it.Frame(), Expected: frame}
		}
	}
	if m.obs != nil {
		m.obs.TickCompleted(frame, time.Since(start))
	}
	return bundle, nil
}

// retrieve pops items off one queue until it finds the current frame,
// discarding stale deliveries from prior steps on the way.
func (m *Mode) retrieve(sub subscription, frame uint64, deadline time.Time) (Item, error) {
	for {
		item, ok := sub.queue.pop(deadline)
		if !ok {
			if m.obs != nil {
				m.obs.TimedOut(sub.name)
			}
			return nil, fmt.Errorf("%w: no frame %d item from %q", ErrTimeout, frame, sub.name)
		}
		switch {
		case item.Frame() == frame:
			return item, nil
		case item.Frame() < frame:
			// Produced for a prior step and delivered late.
			logrus.Debugf("discarding stale frame %d from %q (current %d)", item.Frame(), sub.name, frame)
			if m.obs != nil {
				m.obs.StaleDiscarded(sub.name)
			}
		default:
			return nil, &ProtocolViolationError{Source: sub.name, Frame: item.Frame(), Expected: frame}
		}
	}
}

// Close detaches every subscription and restores the settings captured at
// Enter. It always attempts restoration, regardless of how the scope is
// being exited, and is idempotent: a second Close is a no-op.
func (m *Mode) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	m.world.RemoveOnTick(m.worldCallback)
	if _, err := m.world.ApplySettings(m.saved); err != nil {
		return fmt.Errorf("restoring world settings: %w", err)
	}
	logrus.Info("synchronous mode exited, settings restored")
	return nil
}

// sim/world.go
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// defaultFreeRunDelta is the simulated step duration used while the world is
// free-running without a fixed step configured.
const defaultFreeRunDelta = 0.05

var (
	// ErrNotSynchronous is returned by Tick when the world is free-running.
	ErrNotSynchronous = errors.New("world is not in synchronous mode")
	// ErrSyncUnsupported is returned by ApplySettings for a synchronous-mode
	// request the world cannot honor.
	ErrSyncUnsupported = errors.New("unsupported synchronous-mode settings")
	// ErrSyncOwned is returned when synchronous mode is requested while
	// another owner already holds it. Exactly one synchronizer may drive a
	// world at a time.
	ErrSyncOwned = errors.New("synchronous mode already owned")
	// ErrWorldClosed is returned by operations on a closed world.
	ErrWorldClosed = errors.New("world is closed")
)

type registeredCallback struct {
	id CallbackID
	fn func(Snapshot)
}

// World is an in-process stepped simulation. It advances either on its own
// wall-clock ticker (free-running) or one explicit frame at a time when
// synchronous mode is applied. Every step produces a Snapshot that is fanned
// out to OnTick callbacks in registration order.
type World struct {
	mu       sync.Mutex
	settings Settings
	frame    uint64
	elapsed  float64
	closed   bool

	nextCallback CallbackID
	callbacks    []registeredCallback

	actors map[uuid.UUID]*Actor

	freerunInterval time.Duration
	freerunStop     chan struct{}
	freerunDone     chan struct{}
}

// NewWorld constructs a free-running world with default settings.
func NewWorld() *World {
	w := &World{
		actors:          make(map[uuid.UUID]*Actor),
		freerunInterval: 50 * time.Millisecond,
	}
	w.startFreeRun()
	return w
}

// Frame returns the id of the most recently completed step.
func (w *World) Frame() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frame
}

// GetSettings returns the world's current mode configuration.
func (w *World) GetSettings() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

// ApplySettings replaces the world's mode configuration and returns the frame
// id at which the new settings took effect. A rejected configuration leaves
// the world untouched. Applying synchronous mode while another owner holds it
// fails with ErrSyncOwned.
func (w *World) ApplySettings(s Settings) (uint64, error) {
	if s.FixedDeltaSeconds < 0 {
		return 0, fmt.Errorf("%w: negative fixed step %f", ErrSyncUnsupported, s.FixedDeltaSeconds)
	}
	if s.SynchronousMode && s.FixedDeltaSeconds == 0 {
		return 0, fmt.Errorf("%w: synchronous mode requires a positive fixed step", ErrSyncUnsupported)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrWorldClosed
	}
	if s.SynchronousMode && w.settings.SynchronousMode {
		w.mu.Unlock()
		return 0, ErrSyncOwned
	}
	w.settings = s
	w.mu.Unlock()

	if s.SynchronousMode {
		w.stopFreeRun()
	} else {
		w.startFreeRun()
	}

	// Capture the effective frame only after any in-flight free-run step has
	// drained, so the returned id is the last frame under the old regime.
	w.mu.Lock()
	frame := w.frame
	w.mu.Unlock()
	logrus.Infof("world settings applied at frame %d: synchronous=%v delta=%.4fs",
		frame, s.SynchronousMode, s.FixedDeltaSeconds)
	return frame, nil
}

// Tick advances the world by exactly one frame and returns the new frame id.
// Only valid in synchronous mode; the caller that applied synchronous mode is
// the only legitimate stepper.
func (w *World) Tick(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrWorldClosed
	}
	if !w.settings.SynchronousMode {
		w.mu.Unlock()
		return 0, ErrNotSynchronous
	}
	w.mu.Unlock()
	snap := w.step()
	return snap.FrameID, nil
}

// OnTick registers fn to receive every subsequent step's Snapshot. Callbacks
// fire in registration order, after the step's state is final.
func (w *World) OnTick(fn func(Snapshot)) CallbackID {
	if fn == nil {
		panic("OnTick: fn must not be nil")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextCallback
	w.nextCallback++
	w.callbacks = append(w.callbacks, registeredCallback{id: id, fn: fn})
	return id
}

// RemoveOnTick unregisters a callback. Removing an unknown id is a no-op.
func (w *World) RemoveOnTick(id CallbackID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, cb := range w.callbacks {
		if cb.id == id {
			w.callbacks = append(w.callbacks[:i], w.callbacks[i+1:]...)
			return
		}
	}
}

// Close stops the free-run loop and rejects further operations. Idempotent.
func (w *World) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.stopFreeRun()
}

// step advances the frame counter and fans the snapshot out to callbacks.
// There is exactly one stepper at a time (the free-run goroutine or the
// synchronous-mode owner), so callbacks observe strictly increasing frames.
func (w *World) step() Snapshot {
	w.mu.Lock()
	w.frame++
	delta := w.settings.FixedDeltaSeconds
	if delta <= 0 {
		delta = defaultFreeRunDelta
	}
	w.elapsed += delta
	snap := Snapshot{
		FrameID:    w.frame,
		Timestamp:  Timestamp{ElapsedSeconds: w.elapsed, DeltaSeconds: delta},
		ActorCount: len(w.actors),
	}
	cbs := make([]registeredCallback, len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	for _, cb := range cbs {
		cb.fn(snap)
	}
	return snap
}

func (w *World) startFreeRun() {
	w.mu.Lock()
	if w.freerunStop != nil || w.closed {
		w.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	w.freerunStop = stop
	w.freerunDone = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.freerunInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				w.step()
			}
		}
	}()
}

func (w *World) stopFreeRun() {
	w.mu.Lock()
	stop, done := w.freerunStop, w.freerunDone
	w.freerunStop, w.freerunDone = nil, nil
	w.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

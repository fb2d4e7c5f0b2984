package syncmode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockstep-sim/lockstep/sim"
)

// fakeWorld implements Simulation with a synchronous, fully controllable
// step. Its afterTick hook stands in for asynchronous producers reacting to
// a step.
type fakeWorld struct {
	mu        sync.Mutex
	settings  sim.Settings
	frame     uint64
	applied   []sim.Settings
	callbacks map[sim.CallbackID]func(sim.Snapshot)
	order     []sim.CallbackID
	nextID    sim.CallbackID
	rejectAll bool

	afterTick func(frame uint64)
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		settings:  sim.Settings{NoRenderingMode: false, SynchronousMode: false},
		callbacks: make(map[sim.CallbackID]func(sim.Snapshot)),
		frame:     100,
	}
}

func (w *fakeWorld) GetSettings() sim.Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

func (w *fakeWorld) ApplySettings(s sim.Settings) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rejectAll {
		return 0, errors.New("settings rejected")
	}
	w.settings = s
	w.applied = append(w.applied, s)
	return w.frame, nil
}

func (w *fakeWorld) Tick(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.frame++
	frame := w.frame
	snap := sim.Snapshot{FrameID: frame}
	cbs := make([]func(sim.Snapshot), 0, len(w.callbacks))
	for _, id := range w.order {
		if fn, ok := w.callbacks[id]; ok {
			cbs = append(cbs, fn)
		}
	}
	after := w.afterTick
	w.mu.Unlock()

	for _, fn := range cbs {
		fn(snap)
	}
	if after != nil {
		after(frame)
	}
	return frame, nil
}

func (w *fakeWorld) OnTick(fn func(sim.Snapshot)) sim.CallbackID {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.callbacks[id] = fn
	w.order = append(w.order, id)
	return id
}

func (w *fakeWorld) RemoveOnTick(id sim.CallbackID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.callbacks, id)
}

func (w *fakeWorld) callbackCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.callbacks)
}

// fakeSource records its listener so tests can emit items by hand.
type fakeSource struct {
	name string
	mu   sync.Mutex
	fn   func(Item)
}

func (f *fakeSource) Name() string {
	return f.name
}

func (f *fakeSource) Listen(fn func(Item)) CancelFunc {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.fn = nil
		f.mu.Unlock()
	}
}

func (f *fakeSource) emit(frame uint64) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(testItem{frame: frame})
	}
}

// recordingObserver counts telemetry calls.
type recordingObserver struct {
	mu    sync.Mutex
	ticks int
	stale map[string]int
	timed map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{stale: make(map[string]int), timed: make(map[string]int)}
}

func (o *recordingObserver) TickCompleted(frame uint64, gather time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks++
}

func (o *recordingObserver) StaleDiscarded(source string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale[source]++
}

func (o *recordingObserver) TimedOut(source string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timed[source]++
}

func TestEnter_CapturesSettingsBeforeApplyingSyncMode(t *testing.T) {
	world := newFakeWorld()
	original := world.GetSettings()

	mode, err := Enter(world, nil, Config{Rate: 30})
	require.NoError(t, err)
	defer mode.Close()

	require.Len(t, world.applied, 1)
	applied := world.applied[0]
	assert.True(t, applied.SynchronousMode)
	assert.True(t, applied.NoRenderingMode)
	assert.InDelta(t, 1.0/30.0, applied.FixedDeltaSeconds, 1e-12)
	assert.Equal(t, original, mode.saved)
	assert.Equal(t, uint64(100), mode.Frame())
}

func TestEnter_DefaultRateIsTwenty(t *testing.T) {
	world := newFakeWorld()
	mode, err := Enter(world, nil, Config{})
	require.NoError(t, err)
	defer mode.Close()

	assert.InDelta(t, 0.05, world.applied[0].FixedDeltaSeconds, 1e-12)
}

func TestEnter_SetupFailureLeavesWorldUntouched(t *testing.T) {
	world := newFakeWorld()
	world.rejectAll = true
	original := world.GetSettings()

	mode, err := Enter(world, []Source{&fakeSource{name: "cam"}}, Config{})
	require.Error(t, err)
	assert.Nil(t, mode)
	// Nothing was changed: no settings recorded, no callbacks registered.
	assert.Empty(t, world.applied)
	assert.Zero(t, world.callbackCount())
	assert.Equal(t, original, world.GetSettings())
}

func TestTick_ReturnsAlignedBundleInRegistrationOrder(t *testing.T) {
	world := newFakeWorld()
	cam := &fakeSource{name: "cam"}
	lidar := &fakeSource{name: "lidar"}
	// Deliveries arrive in reverse registration order; the bundle must not.
	world.afterTick = func(frame uint64) {
		lidar.emit(frame)
		cam.emit(frame)
	}

	mode, err := Enter(world, []Source{cam, lidar}, Config{})
	require.NoError(t, err)
	defer mode.Close()

	for i := 0; i < 5; i++ {
		bundle, err := mode.Tick(context.Background(), time.Second)
		require.NoError(t, err)
		require.Len(t, bundle, 3)

		// Bundle order is registration order: world event, then sources.
		_, ok := bundle[0].(sim.Snapshot)
		require.True(t, ok, "bundle[0] should be the world snapshot, got %T", bundle[0])

		for _, item := range bundle {
			assert.Equal(t, mode.Frame(), item.Frame())
		}
	}
}

func TestTick_FrameAdvancesByOneEachCall(t *testing.T) {
	world := newFakeWorld()
	mode, err := Enter(world, nil, Config{})
	require.NoError(t, err)
	defer mode.Close()

	prev := mode.Frame()
	for i := 0; i < 10; i++ {
		bundle, err := mode.Tick(context.Background(), time.Second)
		require.NoError(t, err)
		require.Len(t, bundle, 1)
		assert.Equal(t, prev+1, mode.Frame())
		prev = mode.Frame()
	}
}

func TestTick_DiscardsStaleItemsFromQueueFront(t *testing.T) {
	world := newFakeWorld()
	cam := &fakeSource{name: "cam"}
	obs := newRecordingObserver()

	mode, err := Enter(world, []Source{cam}, Config{Observer: obs})
	require.NoError(t, err)
	defer mode.Close()

	// The next step will be frame N; preload the camera queue with two
	// stale deliveries and then the matching one.
	n := mode.Frame() + 1
	cam.emit(n - 2)
	cam.emit(n - 1)
	world.afterTick = func(frame uint64) { cam.emit(frame) }

	camQueue := mode.subs[1].queue
	require.Equal(t, 2, camQueue.Len())

	bundle, err := mode.Tick(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, n, bundle[1].Frame())

	// Length dropped by the two discards plus the returned match.
	assert.Equal(t, 0, camQueue.Len())
	assert.Equal(t, 2, obs.stale["cam"])
}

func TestTick_TimeoutReturnsNoPartialBundle(t *testing.T) {
	world := newFakeWorld()
	silent := &fakeSource{name: "dead-cam"}
	obs := newRecordingObserver()

	mode, err := Enter(world, []Source{silent}, Config{Observer: obs})
	require.NoError(t, err)
	defer mode.Close()

	bundle, err := mode.Tick(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "dead-cam")
	assert.Nil(t, bundle)
	assert.Equal(t, 1, obs.timed["dead-cam"])
	assert.Zero(t, obs.ticks)
}

func TestTick_RecoversAfterTimeoutDrainingLeftovers(t *testing.T) {
	world := newFakeWorld()
	cam := &fakeSource{name: "cam"}
	obs := newRecordingObserver()

	mode, err := Enter(world, []Source{cam}, Config{Observer: obs})
	require.NoError(t, err)
	defer mode.Close()

	// First tick times out waiting on the camera.
	_, err = mode.Tick(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// The camera's frame arrives after the deadline; it is now stale.
	cam.emit(mode.Frame())

	// The mode stays active; a retry with live deliveries succeeds and the
	// late leftover is drained before matching the new frame.
	world.afterTick = func(frame uint64) { cam.emit(frame) }
	bundle, err := mode.Tick(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, bundle, 2)
	assert.Equal(t, mode.Frame(), bundle[0].Frame())
	assert.Equal(t, 1, obs.stale["cam"])
}

func TestTick_FutureFrameIsProtocolViolation(t *testing.T) {
	world := newFakeWorld()
	cam := &fakeSource{name: "cam"}

	mode, err := Enter(world, []Source{cam}, Config{})
	require.NoError(t, err)
	defer mode.Close()

	// An item from five frames ahead can only mean the world was stepped
	// outside the synchronizer.
	ahead := mode.Frame() + 6
	cam.emit(ahead)

	_, err = mode.Tick(context.Background(), time.Second)
	var pv *ProtocolViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, "cam", pv.Source)
	assert.Equal(t, ahead, pv.Frame)
	assert.Equal(t, mode.Frame(), pv.Expected)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestClose_RestoresCapturedSettings(t *testing.T) {
	world := newFakeWorld()
	original := world.GetSettings()

	mode, err := Enter(world, nil, Config{})
	require.NoError(t, err)
	require.NotEqual(t, original, world.GetSettings())

	require.NoError(t, mode.Close())
	assert.Equal(t, original, world.GetSettings())
}

func TestClose_RestoresEvenAfterTimeoutFailure(t *testing.T) {
	world := newFakeWorld()
	original := world.GetSettings()
	silent := &fakeSource{name: "cam"}

	mode, err := Enter(world, []Source{silent}, Config{})
	require.NoError(t, err)

	_, err = mode.Tick(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, mode.Close())
	assert.Equal(t, original, world.GetSettings())
}

func TestClose_IsIdempotentAndRestoresAtMostOnce(t *testing.T) {
	world := newFakeWorld()
	mode, err := Enter(world, nil, Config{})
	require.NoError(t, err)

	require.NoError(t, mode.Close())
	applies := len(world.applied)
	require.NoError(t, mode.Close())
	assert.Equal(t, applies, len(world.applied), "second Close must not re-apply settings")
}

func TestClose_DetachesSourceListeners(t *testing.T) {
	world := newFakeWorld()
	cam := &fakeSource{name: "cam"}

	mode, err := Enter(world, []Source{cam}, Config{})
	require.NoError(t, err)
	require.NoError(t, mode.Close())

	cam.mu.Lock()
	defer cam.mu.Unlock()
	assert.Nil(t, cam.fn, "listener should be cancelled on Close")
	assert.Zero(t, world.callbackCount(), "world tick callback should be removed on Close")
}

func TestTick_AfterCloseFails(t *testing.T) {
	world := newFakeWorld()
	mode, err := Enter(world, nil, Config{})
	require.NoError(t, err)
	require.NoError(t, mode.Close())

	_, err = mode.Tick(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

// Package sensor implements asynchronous frame producers. A Sensor
// subscribes to the world's tick, renders each snapshot on its own goroutine
// (render latency models expensive sensor pipelines, so deliveries may lag
// the world by several steps), and hands the finished frame-stamped image to
// every registered listener. Per sensor, delivery order always matches frame
// order.
package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lockstep-sim/lockstep/sim"
	"github.com/lockstep-sim/lockstep/sim/syncmode"
)

// Kind identifies the sensor's output flavor.
type Kind string

const (
	KindRGB      Kind = "rgb"
	KindSemantic Kind = "semantic_segmentation"
	KindDepth    Kind = "depth"
)

// ParseKind maps a configuration string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRGB, KindSemantic, KindDepth:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown sensor kind %q", s)
	}
}

// Image is one rendered sensor output. Raw is opaque to the synchronizer;
// only FrameID participates in alignment.
type Image struct {
	SensorID   uuid.UUID
	SensorName string
	Kind       Kind
	FrameID    uint64
	Width      int
	Height     int
	Raw        []byte
}

// Frame returns the frame id this image was rendered for.
func (im *Image) Frame() uint64 {
	return im.FrameID
}

// TickSource is the view of the world a sensor needs: snapshot delivery per
// step and deregistration on Stop.
type TickSource interface {
	OnTick(fn func(sim.Snapshot)) sim.CallbackID
	RemoveOnTick(id sim.CallbackID)
}

// Config describes one sensor.
type Config struct {
	Name    string
	Kind    Kind
	Width   int           // default 64
	Height  int           // default 48
	Latency time.Duration // simulated render time per frame
}

const (
	defaultWidth  = 64
	defaultHeight = 48
)

// inboxDepth bounds the snapshots waiting to be rendered. Under synchronous
// stepping the consumer paces the world, so the inbox stays near empty; the
// bound only matters while the world free-runs faster than the sensor.
const inboxDepth = 64

type listener struct {
	id int
	fn func(syncmode.Item)
}

// Sensor renders world snapshots into frame-stamped images. Construct with
// Attach; stop with Stop before destroying the actor it observes.
type Sensor struct {
	id      uuid.UUID
	name    string
	kind    Kind
	width   int
	height  int
	latency time.Duration

	world    TickSource
	callback sim.CallbackID

	mu           sync.Mutex
	listeners    []listener
	nextListener int
	stopped      bool

	inbox chan sim.Snapshot
	stop  chan struct{}
	done  chan struct{}
}

// Attach registers a sensor with the world and starts its render loop.
func Attach(world TickSource, cfg Config) (*Sensor, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("sensor name must not be empty")
	}
	if _, err := ParseKind(string(cfg.Kind)); err != nil {
		return nil, err
	}
	width, height := cfg.Width, cfg.Height
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}
	s := &Sensor{
		id:      uuid.New(),
		name:    cfg.Name,
		kind:    cfg.Kind,
		width:   width,
		height:  height,
		latency: cfg.Latency,
		world:   world,
		inbox:   make(chan sim.Snapshot, inboxDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.callback = world.OnTick(s.enqueue)
	go s.renderLoop()
	logrus.Debugf("sensor %s attached (%s, %dx%d, latency %s)", s.name, s.kind, width, height, s.latency)
	return s, nil
}

// ID returns the sensor's identity.
func (s *Sensor) ID() uuid.UUID {
	return s.id
}

// Name implements syncmode.Source.
func (s *Sensor) Name() string {
	return s.name
}

// Listen registers fn to receive every rendered image, in frame order. The
// returned CancelFunc detaches the listener.
func (s *Sensor) Listen(fn func(syncmode.Item)) syncmode.CancelFunc {
	if fn == nil {
		panic("Listen: fn must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Stop detaches the sensor from the world and terminates the render loop.
// Frames still queued for rendering are dropped, never delivered. Idempotent.
func (s *Sensor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.world.RemoveOnTick(s.callback)
	close(s.stop)
	<-s.done
	logrus.Debugf("sensor %s stopped", s.name)
}

func (s *Sensor) enqueue(snap sim.Snapshot) {
	select {
	case s.inbox <- snap:
	case <-s.stop:
	}
}

func (s *Sensor) renderLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case snap := <-s.inbox:
			if s.latency > 0 {
				timer := time.NewTimer(s.latency)
				select {
				case <-s.stop:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			s.deliver(s.render(snap))
		}
	}
}

// render produces a deterministic synthetic payload for the snapshot's
// frame. Real image formation is out of scope; alignment only needs the
// frame stamp and an opaque byte payload.
func (s *Sensor) render(snap sim.Snapshot) *Image {
	raw := make([]byte, s.width*s.height*4)
	seed := byte(snap.FrameID)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	return &Image{
		SensorID:   s.id,
		SensorName: s.name,
		Kind:       s.kind,
		FrameID:    snap.FrameID,
		Width:      s.width,
		Height:     s.height,
		Raw:        raw,
	}
}

func (s *Sensor) deliver(img *Image) {
	s.mu.Lock()
	ls := make([]listener, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()
	for _, l := range ls {
		l.fn(img)
	}
}

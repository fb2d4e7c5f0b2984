// sim/actor.go
package sim

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Transform is an actor's pose in the world.
type Transform struct {
	X   float64
	Y   float64
	Z   float64
	Yaw float64
}

// Actor is a spawned entity (vehicle, walker, sensor rig). Actors are owned
// by the caller: the synchronizer never spawns or destroys them, it only
// requires that sensors attached to an actor are stopped before the actor is
// destroyed.
type Actor struct {
	ID   uuid.UUID
	Name string

	mu        sync.Mutex
	world     *World
	transform Transform
	destroyed bool
}

// Spawn creates an actor at the given pose and registers it with the world.
func (w *World) Spawn(name string, t Transform) (*Actor, error) {
	a := &Actor{
		ID:        uuid.New(),
		Name:      name,
		world:     w,
		transform: t,
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrWorldClosed
	}
	w.actors[a.ID] = a
	w.mu.Unlock()
	logrus.Debugf("spawned actor %s (%s)", name, a.ID)
	return a, nil
}

// ActorCount reports the number of live actors.
func (w *World) ActorCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.actors)
}

// Transform returns the actor's current pose.
func (a *Actor) Transform() Transform {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transform
}

// SetTransform moves the actor. The new pose is visible to the next step.
func (a *Actor) SetTransform(t Transform) {
	a.mu.Lock()
	a.transform = t
	a.mu.Unlock()
}

// Destroy removes the actor from the world. Idempotent.
func (a *Actor) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	a.mu.Unlock()

	a.world.mu.Lock()
	delete(a.world.actors, a.ID)
	a.world.mu.Unlock()
	logrus.Debugf("destroyed actor %s (%s)", a.Name, a.ID)
}

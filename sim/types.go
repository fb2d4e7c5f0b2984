package sim

// CallbackID identifies a registered tick callback so it can be removed later.
type CallbackID uint64

// Settings is the world's mode configuration. It is a comparable value type:
// a captured Settings compared with == after a restore round-trip must be equal.
type Settings struct {
	// NoRenderingMode disables non-essential rendering work while set.
	NoRenderingMode bool
	// SynchronousMode stops the world from advancing on its own; while set,
	// the world only moves when Tick is called explicitly.
	SynchronousMode bool
	// FixedDeltaSeconds is the simulated duration of one step. Required to be
	// positive when SynchronousMode is set; zero means variable step.
	FixedDeltaSeconds float64
}

// Timestamp carries the simulated-time coordinates of one step.
type Timestamp struct {
	ElapsedSeconds float64
	DeltaSeconds   float64
}

// Snapshot is the world's own per-step item, delivered to every OnTick
// callback after the step's state is final.
type Snapshot struct {
	FrameID    uint64
	Timestamp  Timestamp
	ActorCount int
}

// Frame returns the frame id this snapshot belongs to.
func (s Snapshot) Frame() uint64 {
	return s.FrameID
}

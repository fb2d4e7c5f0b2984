// Package sim provides the in-process stepped simulation world.
//
// # Reading Guide
//
// Start with these files to understand the engine:
//   - world.go: settings, the step loop (free-running vs synchronous), tick fan-out
//   - types.go: Settings, Snapshot, and the frame-stamp capability
//   - actor.go: spawnable entities and the teardown contract
//
// Sub-packages build on this engine:
//   - sim/syncmode/: the frame synchronizer, which steps the world and
//     aligns asynchronous producer output per frame id
//   - sim/sensor/: asynchronous frame producers with simulated render latency
//   - sim/recorder/: per-frame persistence of aligned bundles
//   - sim/scenario/: YAML run descriptions
//
// The world advances either on its own wall-clock ticker or, once
// synchronous mode is applied, only through explicit Tick calls. Frame ids
// are strictly monotonic and are the alignment key everything downstream
// keys on.
package sim

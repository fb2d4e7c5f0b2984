// Package recorder persists aligned bundle items to disk, one file per
// sensor frame plus a journal line per item. This is the downstream glue the
// synchronizer's callers layer over returned bundles; nothing here feeds
// back into alignment.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/lockstep-sim/lockstep/sim"
	"github.com/lockstep-sim/lockstep/sim/sensor"
	"github.com/lockstep-sim/lockstep/sim/syncmode"
)

// indexName is the journal file kept at the recording root.
const indexName = "frames.log"

// Recorder writes sensor payloads under <root>/<source>/<frame>.raw and
// journals every recorded item, with an xxhash64 fingerprint of the payload
// for later integrity checks.
type Recorder struct {
	root string

	mu    sync.Mutex
	index *os.File
}

// New creates the recording root and opens the journal.
func New(root string) (*Recorder, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording root: %w", err)
	}
	index, err := os.OpenFile(filepath.Join(root, indexName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening frame journal: %w", err)
	}
	return &Recorder{root: root, index: index}, nil
}

// Record persists one bundle item and returns the payload path, or an empty
// path for items without a payload (world snapshots are journal-only).
func (r *Recorder) Record(item syncmode.Item) (string, error) {
	switch it := item.(type) {
	case *sensor.Image:
		dir := filepath.Join(r.root, sanitize(it.SensorName))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating sensor directory: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%08d.raw", it.FrameID))
		if err := os.WriteFile(path, it.Raw, 0o644); err != nil {
			return "", fmt.Errorf("writing frame %d for %q: %w", it.FrameID, it.SensorName, err)
		}
		if err := r.journal(it.FrameID, it.SensorName, len(it.Raw), xxhash.Sum64(it.Raw), path); err != nil {
			return "", err
		}
		return path, nil
	case sim.Snapshot:
		if err := r.journal(it.FrameID, "world", 0, 0, "-"); err != nil {
			return "", err
		}
		return "", nil
	default:
		return "", fmt.Errorf("cannot record item of type %T", item)
	}
}

// Root returns the recording root directory.
func (r *Recorder) Root() string {
	return r.root
}

// Close flushes and closes the journal.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index == nil {
		return nil
	}
	err := r.index.Close()
	r.index = nil
	return err
}

func (r *Recorder) journal(frame uint64, source string, size int, sum uint64, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index == nil {
		return fmt.Errorf("recorder is closed")
	}
	_, err := fmt.Fprintf(r.index, "frame=%08d source=%s bytes=%d xxh64=%016x path=%s\n",
		frame, source, size, sum, path)
	if err != nil {
		return fmt.Errorf("journaling frame %d: %w", frame, err)
	}
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '-'
		default:
			return r
		}
	}, name)
}

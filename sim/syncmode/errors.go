package syncmode

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by Tick when some source delivered no
	// matching-frame item within the allotted wait. The mode stays active;
	// the caller may retry Tick or Close.
	ErrTimeout = errors.New("timed out waiting for frame data")
	// ErrClosed is returned by Tick after Close.
	ErrClosed = errors.New("synchronous mode is closed")
)

// ProtocolViolationError reports an item whose frame id is ahead of the
// current step, or a failed bundle post-condition. Either means the world was
// stepped outside the synchronizer and every alignment guarantee is void; it
// is fatal for the session and must not be downgraded to a warning.
type ProtocolViolationError struct {
	Source   string
	Frame    uint64
	Expected uint64
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: source %q delivered frame %d ahead of current frame %d",
		e.Source, e.Frame, e.Expected)
}

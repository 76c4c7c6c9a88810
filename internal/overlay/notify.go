package overlay

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultNotifyBuffer is the change stream depth used when Options
// leaves it zero.
const DefaultNotifyBuffer = 256

// Notifier is a buffered stream of upper-layer changes. Emission never
// blocks filesystem operations: when the buffer is full the oldest
// pending change is dropped and counted.
type Notifier struct {
	mu      sync.Mutex
	ch      chan Change
	closed  bool
	dropped uint64
}

// NewNotifier returns a notifier with the given buffer depth.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = DefaultNotifyBuffer
	}
	return &Notifier{ch: make(chan Change, buffer)}
}

// Emit publishes a change. Safe for concurrent use; never blocks.
func (n *Notifier) Emit(path string, kind ChangeKind) {
	c := Change{Path: path, Kind: kind, At: time.Now()}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	select {
	case n.ch <- c:
		return
	default:
	}

	// Full: drop the oldest pending change to make room.
	select {
	case old := <-n.ch:
		n.dropped++
		log.Debugf("[overlay] notify buffer full, dropped %s %q", old.Kind, old.Path)
	default:
	}
	select {
	case n.ch <- c:
	default:
		n.dropped++
	}
}

// Changes returns the receive side of the stream. The channel is
// closed when the notifier is closed.
func (n *Notifier) Changes() <-chan Change {
	return n.ch
}

// Dropped returns the number of changes discarded due to a full buffer.
func (n *Notifier) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close ends the stream. Emit after Close is a no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
}
